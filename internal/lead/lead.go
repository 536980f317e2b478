// Package lead defines the normalized lead record and the CSV row normalizer
// that produces it.
package lead

// CampaignMeta is the raw campaign metadata carried on a CSV row. Flag is nil
// when the export did not assign one; creation then allocates the next flag.
type CampaignMeta struct {
	Name          string
	Vertical      int
	TextingActive bool
	Flag          *int64
	Emoji         string
}

// Key returns the lookup identity of the campaign: (name, vertical, flag).
// An unassigned flag is part of the identity so two rows without flags for
// the same name and vertical resolve to one campaign.
func (m CampaignMeta) Key() CampaignKey {
	k := CampaignKey{Name: m.Name, Vertical: m.Vertical, Flag: -1}
	if m.Flag != nil {
		k.Flag = *m.Flag
		k.HasFlag = true
	}
	return k
}

// CampaignKey is the comparable form of a campaign identity.
type CampaignKey struct {
	Name     string
	Vertical int
	Flag     int64
	HasFlag  bool
}

// ParsedLead is one normalized contact/address record derived from a single
// CSV row. It is transient: owned by the pipeline stage holding it until
// handed to the next stage.
type ParsedLead struct {
	Line int // 1-based source line, for diagnostics

	DMID string // external unique identifier for the property

	FullName  string
	FirstName string
	LastName  string

	Street   string
	UnitType string
	UnitNum  string
	MailCity string
	Zip      string

	Latitude  string
	Longitude string

	MailingAddress string
	MailingCity    string
	MailingState   string
	MailingZip     string

	Via         int64
	MapImageURL string

	Phone1 string
	Phone2 string
	Phone3 string

	Campaign CampaignMeta

	// Set by the campaign resolver before persistence.
	CampaignID int64
	Flag       int64
}

// PrimaryPhone returns the first populated phone slot. It is the dedup key
// for contactability.
func (l *ParsedLead) PrimaryPhone() string {
	switch {
	case l.Phone1 != "":
		return l.Phone1
	case l.Phone2 != "":
		return l.Phone2
	default:
		return l.Phone3
	}
}

// HasPhone reports whether the lead carries at least one usable phone number.
func (l *ParsedLead) HasPhone() bool {
	return l.Phone1 != "" || l.Phone2 != "" || l.Phone3 != ""
}

package lead

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Column names recognized in the export header. Mapping is strictly by
// resolved header name: a blank or absent optional column never shifts the
// assignment of the ones after it.
const (
	colLeadID = "lead_id"

	colPropertyLine1 = "property_address_line_1"
	colPropertyLine2 = "property_address_line_2"
	colPropertyCity  = "property_address_city"
	colPropertyZip   = "property_address_zipcode"
	colPropertyLat   = "property_lat"
	colPropertyLng   = "property_lng"

	colOwnerAddress = "owner_address_line_1"
	colOwnerCity    = "owner_address_city"
	colOwnerState   = "owner_address_state"
	colOwnerZip     = "owner_address_zip"

	colCampaignName     = "campaign_name"
	colCampaignVertical = "campaign_vertical"
	colCampaignTexting  = "campaign_texting_active"
	colCampaignFlag     = "campaign_flag"
	colCampaignEmoji    = "campaign_emoji"
)

const defaultVertical = 1

// Options configures per-file normalization behavior derived from the
// inbound file name.
type Options struct {
	// DefaultCampaign is used when a row carries no campaign_name column or
	// leaves it blank. Conventionally the original export's file stem.
	DefaultCampaign string

	// SkipAI marks files exported without AI imagery; it drives the via
	// relation code and the map image placeholder on every row.
	SkipAI bool
}

const (
	viaSkipAI           = 100
	mapImagePlaceholder = "google/img/missing.webp"
	mapImageNone        = "0"
)

// Normalizer converts raw CSV records of one file into ParsedLeads.
type Normalizer struct {
	cols        map[string]int
	opts        Options
	via         int64
	mapImageURL string
}

// NewNormalizer builds the header-name to index map for one file and
// validates that the columns the pipeline cannot run without are present.
func NewNormalizer(header []string, opts Options) (*Normalizer, error) {
	cols := make(map[string]int, len(header))
	for i, col := range header {
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}

	if _, ok := cols[colLeadID]; !ok {
		return nil, eris.Errorf("normalize: header missing required column %q", colLeadID)
	}
	if !hasAnyPhoneColumn(cols) {
		return nil, eris.New("normalize: header has no phone columns")
	}

	n := &Normalizer{cols: cols, opts: opts, via: 0, mapImageURL: mapImageNone}
	if opts.SkipAI {
		n.via = viaSkipAI
		n.mapImageURL = mapImagePlaceholder
	}
	return n, nil
}

func hasAnyPhoneColumn(cols map[string]int) bool {
	for contact := 1; contact <= 2; contact++ {
		for slot := 1; slot <= 3; slot++ {
			if _, ok := cols[phoneCol(contact, slot)]; ok {
				return true
			}
		}
	}
	return false
}

func phoneCol(contact, slot int) string {
	return "contact_" + strconv.Itoa(contact) + "_phone" + strconv.Itoa(slot)
}

// Normalize parses one raw CSV record into a ParsedLead. A row that fails
// required-field extraction returns an error; the caller classifies it as
// malformed, logs the line, and continues.
func (n *Normalizer) Normalize(record []string, line int) (*ParsedLead, error) {
	dmid := n.get(record, colLeadID)
	if dmid == "" {
		return nil, eris.Errorf("normalize: line %d: missing lead_id", line)
	}

	fname := firstNonEmpty(n.get(record, "owner_1_firstname"), n.get(record, "owner_2_firstname"))
	lname := firstNonEmpty(n.get(record, "owner_1_lastname"), n.get(record, "owner_2_lastname"))
	fullname := firstNonEmpty(n.get(record, "owner_1_name"), n.get(record, "owner_2_name"))
	if fname == "" {
		return nil, eris.Errorf("normalize: line %d: no owner first name", line)
	}

	l := &ParsedLead{
		Line:      line,
		DMID:      dmid,
		FullName:  fullname,
		FirstName: fname,
		LastName:  lname,

		Street:   n.get(record, colPropertyLine1),
		UnitNum:  n.get(record, colPropertyLine2),
		MailCity: n.get(record, colPropertyCity),
		Zip:      n.get(record, colPropertyZip),

		Latitude:  n.get(record, colPropertyLat),
		Longitude: n.get(record, colPropertyLng),

		MailingAddress: n.get(record, colOwnerAddress),
		MailingCity:    n.get(record, colOwnerCity),
		MailingState:   n.get(record, colOwnerState),
		MailingZip:     n.get(record, colOwnerZip),

		Via:         n.via,
		MapImageURL: n.mapImageURL,

		Phone1: normalizePhone(firstNonEmpty(n.get(record, phoneCol(1, 1)), n.get(record, phoneCol(2, 1)))),
		Phone2: normalizePhone(firstNonEmpty(n.get(record, phoneCol(1, 2)), n.get(record, phoneCol(2, 2)))),
		Phone3: normalizePhone(firstNonEmpty(n.get(record, phoneCol(1, 3)), n.get(record, phoneCol(2, 3)))),
	}

	l.Campaign = n.campaignMeta(record)

	return l, nil
}

func (n *Normalizer) campaignMeta(record []string) CampaignMeta {
	meta := CampaignMeta{
		Name:          n.get(record, colCampaignName),
		Vertical:      parseIntOr(n.get(record, colCampaignVertical), defaultVertical),
		TextingActive: parseBool(n.get(record, colCampaignTexting)),
		Emoji:         n.get(record, colCampaignEmoji),
	}
	if meta.Name == "" {
		meta.Name = n.opts.DefaultCampaign
	}
	if raw := n.get(record, colCampaignFlag); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			meta.Flag = &v
		}
	}
	return meta
}

// get returns the trimmed value of a column by name, or "" when the column
// is absent from the header or the record is short.
func (n *Normalizer) get(record []string, name string) string {
	idx, ok := n.cols[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// normalizePhone strips formatting and keeps only numbers with at least ten
// digits. Anything shorter is not a dialable US number and is treated as
// absent.
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 {
		return ""
	}
	return digits
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntOr(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true", "t":
		return true
	default:
		return false
	}
}

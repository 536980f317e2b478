// Package store persists leads, campaigns, and phone queue entries.
package store

import (
	"context"
	"time"

	"github.com/sells-group/leadloader/internal/lead"
)

// Campaign is a persisted outreach grouping. Campaigns are append-only:
// looked up by (name, vertical, flag), created once, never mutated.
type Campaign struct {
	ID            int64
	Name          string
	Vertical      int
	TextingActive bool
	Flag          int64
	Emoji         string
	CreatedAt     time.Time
}

// BatchResult reports the outcome of one batch write.
type BatchResult struct {
	// Inserted is the number of address rows (each with its phonequeue
	// entry) committed in this batch.
	Inserted int

	// SkippedDMIDs lists leads excluded because their DMID hit the unique
	// constraint inside the transaction, a race the dedup gate's check
	// window could not close. The remainder of the batch still commits.
	SkippedDMIDs []string
}

// Store is the persistence interface for the ingestion pipeline.
type Store interface {
	// Dedup gate checks.
	PhoneExists(ctx context.Context, phone string) (bool, error)
	AddressExists(ctx context.Context, dmid string) (bool, error)

	// LookupOrCreateCampaign resolves campaign metadata to a persisted row,
	// creating one when no exact (name, vertical, flag) match exists. The
	// operation is a single retried transaction safe under concurrent
	// resolution of the same key.
	LookupOrCreateCampaign(ctx context.Context, meta lead.CampaignMeta) (*Campaign, error)

	// InsertLeadBatch writes the batch's address and phonequeue rows in one
	// transaction, retried on transient failure. Address and phone entry of
	// one lead are atomic with each other.
	InsertLeadBatch(ctx context.Context, leads []*lead.ParsedLead) (*BatchResult, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

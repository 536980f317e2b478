// Package campaign resolves campaign metadata on incoming leads to stored
// campaign rows, creating missing campaigns on first reference.
package campaign

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadloader/internal/lead"
	"github.com/sells-group/leadloader/internal/store"
)

// Creator is the store surface the resolver needs.
type Creator interface {
	LookupOrCreateCampaign(ctx context.Context, meta lead.CampaignMeta) (*store.Campaign, error)
}

// Resolver caches campaign lookups for the lifetime of one ingestion run.
// A key is resolved against the store at most once per run.
type Resolver struct {
	mu      sync.Mutex
	creator Creator
	cache   map[lead.CampaignKey]*store.Campaign
}

func NewResolver(creator Creator) *Resolver {
	return &Resolver{
		creator: creator,
		cache:   make(map[lead.CampaignKey]*store.Campaign),
	}
}

// Resolve stamps the lead with its campaign id and flag, consulting the
// store only on a cache miss.
func (r *Resolver) Resolve(ctx context.Context, l *lead.ParsedLead) (*store.Campaign, error) {
	key := l.Campaign.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cache[key]
	if !ok {
		var err error
		c, err = r.creator.LookupOrCreateCampaign(ctx, l.Campaign)
		if err != nil {
			return nil, eris.Wrapf(err, "campaign: resolve %s", l.Campaign.Name)
		}
		r.cache[key] = c
		zap.L().Info("campaign resolved",
			zap.String("name", c.Name),
			zap.Int("vertical", c.Vertical),
			zap.Int64("flag", c.Flag),
			zap.Int64("campaign_id", c.ID))
	}

	l.CampaignID = c.ID
	l.Flag = c.Flag
	return c, nil
}

// Cached returns the number of distinct campaigns resolved so far.
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

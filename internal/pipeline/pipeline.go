// Package pipeline drives one ingestion run: scanning inbound CSV exports,
// normalizing and deduplicating rows, resolving campaigns, and persisting
// admitted leads in batches.
package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadloader/internal/batch"
	"github.com/sells-group/leadloader/internal/campaign"
	"github.com/sells-group/leadloader/internal/dedup"
	"github.com/sells-group/leadloader/internal/guard"
	"github.com/sells-group/leadloader/internal/lead"
	"github.com/sells-group/leadloader/internal/store"
)

// Pipeline processes inbound files against one store.
type Pipeline struct {
	store        store.Store
	batchSize    int
	concurrency  int
	processedDir string
}

func New(st store.Store, batchSize, concurrency int, processedDir string) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		store:        st,
		batchSize:    batchSize,
		concurrency:  concurrency,
		processedDir: processedDir,
	}
}

// Summary is the per-file outcome of a run.
type Summary struct {
	File string

	Rows                     int
	Admitted                 int
	RejectedNoPhone          int
	RejectedDuplicatePhone   int
	RejectedDuplicateAddress int
	Malformed                int

	Persisted       int
	ConflictSkipped int
	Failed          int

	BatchesCommitted int
	BatchesFailed    int

	TimedOut bool
	Moved    bool
	Duration time.Duration
}

// Degraded reports whether the file finished with losses: failed batches or
// an expired time limit. A degraded file stays in the inbound directory so
// the next run can retry it; the dedup gate makes the retry idempotent.
func (s *Summary) Degraded() bool {
	return s.TimedOut || s.BatchesFailed > 0
}

// Run ingests a single file. The context bounds total processing time;
// expiry stops reading, waits for in-flight batches, and leaves the
// unpersisted remainder behind. The file moves to the processed directory
// only after every admitted lead is confirmed persisted.
func (p *Pipeline) Run(ctx context.Context, file InboundFile) (*Summary, error) {
	start := time.Now()
	sum := &Summary{File: file.Name}
	log := zap.L().With(zap.String("file", file.Name))

	f, err := os.Open(file.Path)
	if err != nil {
		return sum, eris.Wrapf(err, "pipeline: open %s", file.Path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		// Nothing to ingest. The file is done.
		sum.Duration = time.Since(start)
		if err := p.moveToProcessed(file, sum); err != nil {
			return sum, err
		}
		return sum, nil
	}
	if err != nil {
		return sum, eris.Wrapf(err, "pipeline: read header of %s", file.Name)
	}

	norm, err := lead.NewNormalizer(header, lead.Options{
		DefaultCampaign: file.CampaignFallback,
		SkipAI:          file.SkipAI,
	})
	if err != nil {
		return sum, eris.Wrapf(err, "pipeline: %s", file.Name)
	}

	gate := dedup.NewIndex(p.store)
	resolver := campaign.NewResolver(p.store)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	acc, err := batch.New(p.batchSize, func(_ context.Context, leads []*lead.ParsedLead) error {
		g.Go(func() error {
			res, err := p.store.InsertLeadBatch(gctx, leads)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Retries are exhausted by the time the store reports
				// failure. Record the loss and let sibling batches finish.
				sum.BatchesFailed++
				sum.Failed += len(leads)
				log.Error("batch persistence failed",
					zap.Int("leads", len(leads)),
					zap.Error(err))
				return nil
			}
			sum.BatchesCommitted++
			sum.Persisted += res.Inserted
			sum.ConflictSkipped += len(res.SkippedDMIDs)
			return nil
		})
		return nil
	})
	if err != nil {
		return sum, err
	}

	var runErr error
	line := 1
readLoop:
	for {
		if ctx.Err() != nil {
			sum.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			if !sum.TimedOut {
				runErr = eris.Wrap(ctx.Err(), "pipeline: run canceled")
			}
			break
		}

		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			sum.Malformed++
			log.Warn("unparseable row", zap.Int("line", line), zap.Error(err))
			continue
		}
		sum.Rows++

		l, err := norm.Normalize(record, line)
		if err != nil {
			sum.Malformed++
			log.Warn("malformed row", zap.Int("line", line), zap.Error(err))
			continue
		}

		decision, err := gate.Admit(gctx, l)
		if err != nil {
			runErr = eris.Wrapf(err, "pipeline: dedup check at line %d", line)
			break
		}
		switch decision {
		case dedup.Admitted:
		case dedup.RejectNoPhone:
			sum.RejectedNoPhone++
			continue
		case dedup.RejectDuplicatePhone:
			sum.RejectedDuplicatePhone++
			continue
		case dedup.RejectDuplicateAddress:
			sum.RejectedDuplicateAddress++
			continue
		}

		if _, err := resolver.Resolve(gctx, l); err != nil {
			runErr = eris.Wrapf(err, "pipeline: line %d", line)
			break readLoop
		}

		sum.Admitted++
		if err := acc.Add(gctx, l); err != nil {
			runErr = err
			break
		}
	}

	// On timeout or error the buffered remainder is abandoned, not flushed;
	// those leads were never confirmed and the file stays for retry.
	if runErr == nil && !sum.TimedOut {
		if err := acc.Flush(gctx); err != nil {
			runErr = err
		}
	}

	// In-flight batches always run to completion, timeout included; each
	// holds its own transaction and commits or fails atomically.
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	sum.Duration = time.Since(start)
	if runErr != nil {
		return sum, runErr
	}

	if sum.TimedOut {
		log.Warn("file left for retry",
			zap.Error(guard.ErrExecutionTimeout),
			zap.Int("persisted", sum.Persisted),
			zap.Int("admitted", sum.Admitted))
		return sum, nil
	}
	if sum.BatchesFailed > 0 {
		log.Warn("file finished with failed batches, left for retry",
			zap.Int("batches_failed", sum.BatchesFailed),
			zap.Int("failed", sum.Failed))
		return sum, nil
	}

	if err := p.moveToProcessed(file, sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func (p *Pipeline) moveToProcessed(file InboundFile, sum *Summary) error {
	dest := filepath.Join(p.processedDir, file.Name)
	if err := os.Rename(file.Path, dest); err != nil {
		return eris.Wrapf(err, "pipeline: move %s to processed", file.Name)
	}
	sum.Moved = true
	return nil
}

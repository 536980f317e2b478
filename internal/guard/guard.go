// Package guard enforces single-instance execution through a lock file and
// bounds per-file processing time.
package guard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrAlreadyRunning means another ingestion process holds the lock file.
var ErrAlreadyRunning = eris.New("guard: another ingestion run holds the lock")

// ErrExecutionTimeout means a file exceeded its processing deadline.
var ErrExecutionTimeout = eris.New("guard: execution time limit exceeded")

// Lock is a held lock file. Release removes it.
type Lock struct {
	path  string
	runID string
}

// Acquire atomically creates the lock file, failing with ErrAlreadyRunning
// if it already exists. The file records the run id and start time for
// operators inspecting a stuck lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, eris.Wrapf(err, "guard: create lock file %s", path)
	}

	runID := uuid.NewString()
	_, werr := fmt.Fprintf(f, "run_id=%s\nstarted_at=%s\n", runID, time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr == nil {
			werr = cerr
		}
		return nil, eris.Wrapf(werr, "guard: write lock file %s", path)
	}

	zap.L().Info("lock acquired", zap.String("path", path), zap.String("run_id", runID))
	return &Lock{path: path, runID: runID}, nil
}

// RunID returns the identifier recorded in the lock file.
func (l *Lock) RunID() string {
	return l.runID
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return eris.Wrapf(err, "guard: remove lock file %s", l.path)
	}
	zap.L().Info("lock released", zap.String("path", l.path))
	return nil
}

// WithTimeout derives a context bounding one file's processing time.
func WithTimeout(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, limit)
}

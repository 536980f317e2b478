// Package batch accumulates admitted leads into fixed-size groups and hands
// each full group to a flush callback.
package batch

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadloader/internal/lead"
)

// FlushFunc receives ownership of a full or final group of leads. The
// accumulator never touches the slice again after handing it off.
type FlushFunc func(ctx context.Context, leads []*lead.ParsedLead) error

// Accumulator buffers leads up to a fixed size. Not safe for concurrent use;
// the pipeline feeds it from a single goroutine.
type Accumulator struct {
	size  int
	buf   []*lead.ParsedLead
	flush FlushFunc
}

func New(size int, flush FlushFunc) (*Accumulator, error) {
	if size < 1 {
		return nil, eris.Errorf("batch: size must be positive, got %d", size)
	}
	if flush == nil {
		return nil, eris.New("batch: flush callback required")
	}
	return &Accumulator{
		size:  size,
		buf:   make([]*lead.ParsedLead, 0, size),
		flush: flush,
	}, nil
}

// Add appends a lead and flushes when the buffer reaches capacity.
func (a *Accumulator) Add(ctx context.Context, l *lead.ParsedLead) error {
	a.buf = append(a.buf, l)
	if len(a.buf) < a.size {
		return nil
	}
	return a.drain(ctx)
}

// Flush hands off any buffered remainder. A no-op when the buffer is empty.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	return a.drain(ctx)
}

func (a *Accumulator) drain(ctx context.Context) error {
	out := a.buf
	a.buf = make([]*lead.ParsedLead, 0, a.size)
	return a.flush(ctx, out)
}

// Buffered returns the number of leads awaiting flush.
func (a *Accumulator) Buffered() int {
	return len(a.buf)
}

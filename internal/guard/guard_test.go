package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_CreatesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.NotEmpty(t, l.RunID())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run_id="+l.RunID())
	assert.Contains(t, string(data), "started_at=")

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release() //nolint:errcheck

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquire_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	assert.NotEqual(t, l1.RunID(), l2.RunID())
	require.NoError(t, l2.Release())
}

func TestAcquire_StaleFileBlocks(t *testing.T) {
	// A leftover lock from a crashed run still blocks; operators clear it
	// by hand after checking the recorded run id.
	path := filepath.Join(t.TempDir(), "process.lock")
	require.NoError(t, os.WriteFile(path, []byte("run_id=old\n"), 0o644))

	_, err := Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestWithTimeout_Expires(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	<-ctx.Done()
	assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
}

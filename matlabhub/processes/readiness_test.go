package processes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessMarkerWait(t *testing.T) {
	m := ReadinessMarker{Path: filepath.Join(t.TempDir(), "ready")}
	assert.False(t, m.Present())

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(m.Path, nil, 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, 10*time.Millisecond, nil))
	assert.True(t, m.Present())
}

func TestReadinessMarkerWaitCancelled(t *testing.T) {
	m := ReadinessMarker{Path: filepath.Join(t.TempDir(), "ready")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx, 10*time.Millisecond, nil), context.DeadlineExceeded)
}

func TestReadinessMarkerWaitAborted(t *testing.T) {
	m := ReadinessMarker{Path: filepath.Join(t.TempDir(), "ready")}
	abort := make(chan struct{})
	close(abort)
	assert.Error(t, m.Wait(context.Background(), 10*time.Millisecond, abort))
}

func TestRemoveIfOwned(t *testing.T) {
	m := ReadinessMarker{Path: filepath.Join(t.TempDir(), "connector.securePort")}

	removed, err := m.RemoveIfOwned(31515)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, os.WriteFile(m.Path, []byte("31516\n"), 0o600))
	removed, err = m.RemoveIfOwned(31515)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, m.Present())

	require.NoError(t, os.WriteFile(m.Path, []byte("31515\n"), 0o600))
	removed, err = m.RemoveIfOwned(31515)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, m.Present())
}

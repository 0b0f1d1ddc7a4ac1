package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config event")
		return Event{}
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saced.yaml")
	require.NoError(t, renameio.WriteFile(path, []byte("services: []"), 0o644))

	ch, cleanup, err := Watch(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)

	// atomic replacement
	require.NoError(t, renameio.WriteFile(path, []byte("services: [{name: a, cmd: sleep 100}]"), 0o644))
	ev := nextEvent(t, ch)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Config.Services, 1)
	assert.Equal(t, "a", ev.Config.Services[0].Name)

	// unrelated files in the directory are ignored, a bad write reports an error
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("services: [{name: a}]"), 0o644))
	ev = nextEvent(t, ch)
	assert.Error(t, ev.Err)
	assert.Nil(t, ev.Config)

	require.NoError(t, cleanup())
	for range ch {
	}

}

func TestWatchMissingDir(t *testing.T) {
	_, _, err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "saced.yaml"), DefaultDebounce)
	assert.Error(t, err)
}

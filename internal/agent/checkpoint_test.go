package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := NewCheckpointStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cp := &Checkpoint{Device: 2049, Inode: 131072, Offset: 4096}
	require.NoError(t, store.Save("/var/log/auth.log", cp))

	loaded := store.Load("/var/log/auth.log")
	require.NotNil(t, loaded)
	assert.Equal(t, *cp, *loaded)
}

func TestCheckpointMissingIsNil(t *testing.T) {
	store := newTestStore(t)
	assert.Nil(t, store.Load("/var/log/auth.log"))
}

func TestCheckpointCorruptIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCheckpointStore(dir, zap.NewNop())
	require.NoError(t, err)

	path := store.checkpointPath("/var/log/auth.log")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))
	assert.Nil(t, store.Load("/var/log/auth.log"))

	require.NoError(t, os.WriteFile(path, []byte(`{"device":1,"inode":2,"offset":-5}`), 0600))
	assert.Nil(t, store.Load("/var/log/auth.log"), "negative offset is rejected")
}

func TestCheckpointSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("/var/log/auth.log", &Checkpoint{Device: 1, Inode: 2, Offset: 100}))
	require.NoError(t, store.Save("/var/log/auth.log", &Checkpoint{Device: 1, Inode: 2, Offset: 250}))

	loaded := store.Load("/var/log/auth.log")
	require.NotNil(t, loaded)
	assert.Equal(t, int64(250), loaded.Offset)

	// The temp file from the atomic rename must not linger.
	entries, err := os.ReadDir(filepath.Dir(store.checkpointPath("/var/log/auth.log")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCheckpointMatches(t *testing.T) {
	cp := &Checkpoint{Device: 10, Inode: 20, Offset: 30}
	assert.True(t, cp.Matches(10, 20))
	assert.False(t, cp.Matches(10, 21))
	assert.False(t, cp.Matches(11, 20))

	var missing *Checkpoint
	assert.False(t, missing.Matches(10, 20))
}

func TestCheckpointPathsDoNotCollide(t *testing.T) {
	store := newTestStore(t)
	a := store.checkpointPath("/var/log/auth.log")
	b := store.checkpointPath("/var/log/secure")
	assert.NotEqual(t, a, b)
}

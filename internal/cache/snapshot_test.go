package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := Config{CapacityBytes: 1 << 20, TTL: time.Hour, SnapshotPath: path}

	c, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, c.Put("fp-a", testResult("alpha")))
	require.NoError(t, c.Put("fp-b", testResult("beta")))
	require.NoError(t, c.Close(context.Background()))

	// A second cache on the same path starts warm.
	reopened, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background()) }()

	assert.Equal(t, 2, reopened.Len())
	got, ok := reopened.Get("fp-a")
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Output["value"])
	got, ok = reopened.Get("fp-b")
	require.True(t, ok)
	assert.Equal(t, "beta", got.Output["value"])
}

func TestSnapshotDropsExpiredOnRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := New(Config{CapacityBytes: 1 << 20, TTL: 20 * time.Millisecond, SnapshotPath: path}, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, c.Put("fp-a", testResult("alpha")))
	require.NoError(t, c.Close(context.Background()))

	time.Sleep(30 * time.Millisecond)

	reopened, err := New(Config{CapacityBytes: 1 << 20, TTL: 20 * time.Millisecond, SnapshotPath: path}, setupTestLogger())
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background()) }()

	assert.Equal(t, 0, reopened.Len(), "entries past their TTL must not be restored")
}

func TestSnapshotRestorePreservesRecency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := Config{CapacityBytes: 1 << 20, TTL: time.Hour, SnapshotPath: path}

	c, err := New(cfg, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, c.Put("fp-old", testResult("old")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Put("fp-new", testResult("new")))
	time.Sleep(2 * time.Millisecond)
	_, ok := c.Get("fp-old") // fp-old is now the most recently used
	require.True(t, ok)
	require.NoError(t, c.Close(context.Background()))

	probe, err := New(Config{CapacityBytes: 1 << 20, TTL: time.Hour}, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, probe.Put("fp-old", testResult("old")))
	unit := probe.Stats().SizeBytes
	require.NoError(t, probe.Close(context.Background()))

	// Restore into a cache that only fits one entry; the LRU victim must
	// be fp-new, the least recently accessed.
	reopened, err := New(Config{CapacityBytes: unit, TTL: time.Hour, SnapshotPath: path}, setupTestLogger())
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background()) }()

	assert.Equal(t, 1, reopened.Len())
	assert.True(t, reopened.Contains("fp-old"))
	assert.False(t, reopened.Contains("fp-new"))
}

func TestCorruptSnapshotStartsCold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database"), 0o600))

	c, err := New(Config{CapacityBytes: 1 << 20, TTL: time.Hour, SnapshotPath: path}, setupTestLogger())
	require.NoError(t, err, "an unreadable snapshot must not fail startup")
	defer func() { _ = c.Close(context.Background()) }()

	assert.Equal(t, 0, c.Len())

	// The cache still works without persistence.
	require.NoError(t, c.Put("fp", testResult("fresh")))
	_, ok := c.Get("fp")
	assert.True(t, ok)
}

func TestCloseWithoutSnapshotPath(t *testing.T) {
	c, err := New(Config{CapacityBytes: 1 << 20, TTL: time.Hour}, setupTestLogger())
	require.NoError(t, err)
	require.NoError(t, c.Put("fp", testResult("v")))
	assert.NoError(t, c.Close(context.Background()))
}

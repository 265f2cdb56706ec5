package nodecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bwrega/mldht/kad/key"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "nodes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestPutAndGet(t *testing.T) {
	cache := openTestCache(t)
	id := key.Random()
	now := time.Unix(1700000000, 0)

	require.NoError(t, cache.Put(id, "203.0.113.1:6881", now))

	entry, ok := cache.Get(id)
	require.True(t, ok)
	require.Equal(t, "203.0.113.1:6881", entry.Addr)
	require.Equal(t, now, entry.LastSeen)
	require.False(t, entry.Verified)
}

func TestRecordResponseVerifies(t *testing.T) {
	cache := openTestCache(t)
	id := key.Random()
	now := time.Unix(1700000000, 0)

	require.NoError(t, cache.Put(id, "203.0.113.1:6881", now))
	require.NoError(t, cache.RecordTimeout(id, now))
	require.NoError(t, cache.RecordResponse(id, now.Add(time.Second)))

	entry, ok := cache.Get(id)
	require.True(t, ok)
	require.True(t, entry.Verified)
	require.Zero(t, entry.FailedPings)
}

func TestRepeatedTimeoutsEvict(t *testing.T) {
	cache := openTestCache(t)
	id := key.Random()
	now := time.Unix(1700000000, 0)

	require.NoError(t, cache.Put(id, "203.0.113.1:6881", now))
	for i := 0; i < evictFailedPings; i++ {
		require.NoError(t, cache.RecordTimeout(id, now))
	}
	_, ok := cache.Get(id)
	require.False(t, ok, "node should be evicted after %d failed pings", evictFailedPings)
}

func TestSnapshotOrdersVerifiedFirst(t *testing.T) {
	cache := openTestCache(t)
	now := time.Unix(1700000000, 0)

	stale := key.Random()
	fresh := key.Random()
	unverified := key.Random()

	require.NoError(t, cache.Put(stale, "203.0.113.1:6881", now))
	require.NoError(t, cache.RecordResponse(stale, now))
	require.NoError(t, cache.Put(fresh, "203.0.113.2:6881", now))
	require.NoError(t, cache.RecordResponse(fresh, now.Add(time.Hour)))
	require.NoError(t, cache.Put(unverified, "203.0.113.3:6881", now))

	snapshot := cache.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, fresh, snapshot[0].ID)
	require.Equal(t, stale, snapshot[1].ID)
	require.Equal(t, unverified, snapshot[2].ID)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nodes")
	id := key.Random()
	now := time.Unix(1700000000, 0)

	cache, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Put(id, "203.0.113.1:6881", now))
	require.NoError(t, cache.RecordResponse(id, now))
	require.NoError(t, cache.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok := reopened.Get(id)
	require.True(t, ok)
	require.Equal(t, "203.0.113.1:6881", entry.Addr)
	require.True(t, entry.Verified)
}

package remixdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/zone/memzone"
)

// TestRecoverFreshStoreBeginsAtS0 covers spec.md §4.8's both-zero case: a
// brand new directory has no prior writes to replay.
func TestRecoverFreshStoreBeginsAtS0(t *testing.T) {
	dir := t.TempDir()
	zm, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.Dir = dir

	store, err := Open(cfg, zm)
	require.NoError(t, err)
	defer store.Close()

	v := store.curView.Load()
	require.Equal(t, viewS0, v.state)
	require.Nil(t, v.imt)
}

// TestRecoverReplaysSingleCrashedWAL covers the wal1-only and wal2-only
// cases: a store that crashed after writing to its current file, but before
// ever rotating, must come back with every record visible.
func TestRecoverReplaysSingleCrashedWAL(t *testing.T) {
	dir := t.TempDir()
	zm1, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.Dir = dir

	store1, err := Open(cfg, zm1)
	require.NoError(t, err)
	ref1, err := store1.NewRef()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.True(t, store1.Put(ref1, []byte{byte(i)}, []byte{byte(i), byte(i)}))
	}
	store1.Sync(ref1)
	store1.Unref(ref1)

	// Simulate a crash: stop the compaction loop and close the underlying
	// files directly, without ever switching logs, so wal1 has a nonzero
	// version and wal2 stays at zero.
	close(store1.shutdown)
	<-store1.compactDone
	require.NoError(t, store1.wal.close())
	require.NoError(t, zm1.Close())

	zm2, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	store2, err := Open(cfg, zm2)
	require.NoError(t, err)
	defer store2.Close()

	ref2, err := store2.NewRef()
	require.NoError(t, err)
	defer store2.Unref(ref2)

	for i := 0; i < 50; i++ {
		v, ok, err := store2.Get(ref2, []byte{byte(i)})
		require.NoError(t, err)
		require.True(t, ok, "key %d missing after recovery", i)
		require.Equal(t, []byte{byte(i), byte(i)}, v)
	}
}

// TestRecoverFoldsBothWALsAfterCrashDuringRotation covers spec.md §4.8's
// hardest case: both files carry a nonzero version, meaning the previous
// run crashed mid view-rotation after switchLog but before the old file was
// truncated. Recovery must replay the older file before the newer one so
// the newer file's writes correctly shadow it.
func TestRecoverFoldsBothWALsAfterCrashDuringRotation(t *testing.T) {
	dir := t.TempDir()
	zm1, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.Dir = dir

	store1, err := Open(cfg, zm1)
	require.NoError(t, err)
	ref1, err := store1.NewRef()
	require.NoError(t, err)
	require.True(t, store1.Put(ref1, []byte("older"), []byte("stale")))
	require.True(t, store1.Put(ref1, []byte("shared"), []byte("from-older")))
	store1.Sync(ref1)

	// Manually rotate the WAL the way runCompaction's step 2 does, without
	// running a real compaction, to land both files at a nonzero version.
	store1.nextVersion()
	nextWALVersion := store1.nextVersion()
	store1.mu.Lock()
	_, err = store1.wal.switchLog(nextWALVersion)
	store1.mu.Unlock()
	require.NoError(t, err)

	require.True(t, store1.Put(ref1, []byte("newer"), []byte("fresh")))
	require.True(t, store1.Put(ref1, []byte("shared"), []byte("from-newer")))
	store1.Sync(ref1)
	store1.Unref(ref1)

	close(store1.shutdown)
	<-store1.compactDone
	require.NoError(t, store1.wal.close())
	require.NoError(t, zm1.Close())

	zm2, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	store2, err := Open(cfg, zm2)
	require.NoError(t, err)
	defer store2.Close()

	ref2, err := store2.NewRef()
	require.NoError(t, err)
	defer store2.Unref(ref2)

	for _, want := range []struct{ key, val string }{
		{"older", "stale"},
		{"newer", "fresh"},
		{"shared", "from-newer"},
	} {
		v, ok, err := store2.Get(ref2, []byte(want.key))
		require.NoError(t, err)
		require.True(t, ok, "key %q missing after recovery", want.key)
		require.Equal(t, want.val, string(v))
	}
}

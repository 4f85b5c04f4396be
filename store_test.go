package remixdb

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/zone/memzone"
)

func openTestStore(t *testing.T) (*Store, *Ref) {
	t.Helper()
	dir := t.TempDir()
	zm, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.Dir = dir
	cfg.MemtableMB = 1
	cfg.WALMB = 1
	store, err := Open(cfg, zm)
	require.NoError(t, err)
	ref, err := store.NewRef()
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Unref(ref)
		require.NoError(t, store.Close())
	})
	return store, ref
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store, ref := openTestStore(t)

	require.True(t, store.Put(ref, []byte("a"), []byte("1")))
	require.True(t, store.Put(ref, []byte("b"), []byte("2")))

	v, ok, err := store.Get(ref, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok, err = store.Get(ref, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreDelShadows(t *testing.T) {
	store, ref := openTestStore(t)

	require.True(t, store.Put(ref, []byte("k"), []byte("v")))
	existed := store.Del(ref, []byte("k"))
	require.True(t, existed)

	_, ok, err := store.Get(ref, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	require.False(t, store.Del(ref, []byte("never-existed")))
}

func TestStorePutRejectsOversized(t *testing.T) {
	store, ref := openTestStore(t)
	big := make([]byte, 1<<16)
	require.False(t, store.Put(ref, []byte("k"), big))
	_, ok, err := store.Get(ref, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreMergeIncrement(t *testing.T) {
	store, ref := openTestStore(t)

	incr := func(cur Record, ok bool) (Record, bool) {
		n := 0
		if ok {
			fmt.Sscanf(string(cur.Value), "%d", &n)
		}
		return NewRecord([]byte("counter"), []byte(fmt.Sprintf("%d", n+1))), true
	}

	for i := 0; i < 5; i++ {
		require.True(t, store.Merge(ref, []byte("counter"), incr))
	}

	v, ok, err := store.Get(ref, []byte("counter"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", string(v))
}

// TestStoreMergeConcurrentIncrementsDontLoseUpdates spawns T goroutines each
// calling incr N times against the same key, each through its own Ref, and
// asserts the final counter is exactly T*N, spec.md §8 scenario 6 verbatim.
// A Merge that only serialized the WAL append and not the read-modify-write
// itself would lose updates here.
func TestStoreMergeConcurrentIncrementsDontLoseUpdates(t *testing.T) {
	store, _ := openTestStore(t)

	incr := func(cur Record, ok bool) (Record, bool) {
		n := 0
		if ok {
			fmt.Sscanf(string(cur.Value), "%d", &n)
		}
		return NewRecord([]byte("counter"), []byte(fmt.Sprintf("%d", n+1))), true
	}

	const goroutines = 8
	const perGoroutine = 200

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := store.NewRef()
			require.NoError(t, err)
			defer store.Unref(ref)
			for j := 0; j < perGoroutine; j++ {
				store.Merge(ref, []byte("counter"), incr)
			}
		}()
	}
	wg.Wait()

	finalRef, err := store.NewRef()
	require.NoError(t, err)
	defer store.Unref(finalRef)
	store.Sync(finalRef)

	v, ok, err := store.Get(finalRef, []byte("counter"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("%d", goroutines*perGoroutine), string(v))
}

func TestStoreIteratorOrderedAndLive(t *testing.T) {
	store, ref := openTestStore(t)

	keys := []string{"c", "a", "e", "b", "d"}
	for _, k := range keys {
		require.True(t, store.Put(ref, []byte(k), []byte("v")))
	}
	require.True(t, store.Del(ref, []byte("b")))

	it := store.NewIterator(ref)
	it.Seek(nil)
	var got []string
	for it.Valid() {
		got = append(got, string(it.Peek().Key))
		it.Next()
	}
	it.Close()
	require.Equal(t, []string{"a", "c", "d", "e"}, got)
}

func TestStoreCompactionTriggersAndPreservesData(t *testing.T) {
	store, ref := openTestStore(t)

	// cfg.MemtableMB is 1 (openTestStore); each record is ~70 bytes, so
	// 20000 of them (~1.4 MB) comfortably crosses the 1 MiB trigger.
	const n = 20000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		val := []byte(fmt.Sprintf("value-%06d-padding-to-grow-the-memtable-over-the-threshold", i))
		require.True(t, store.Put(ref, key, val))
	}

	require.Eventually(t, func() bool {
		return store.zone.Version() > 0
	}, 5*time.Second, 10*time.Millisecond, "compaction never ran")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		_, ok, err := store.Get(ref, key)
		require.NoError(t, err)
		require.True(t, ok, "key %d missing after compaction", i)
	}
}

func TestStoreSyncReturnsMonotonicVersion(t *testing.T) {
	store, ref := openTestStore(t)
	require.True(t, store.Put(ref, []byte("k"), []byte("v")))
	v1 := store.Sync(ref)
	require.True(t, store.Put(ref, []byte("k2"), []byte("v2")))
	v2 := store.Sync(ref)
	require.GreaterOrEqual(t, v2, v1)
}

func TestStoreRecoversAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "remixdb-recover-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	zm1, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	cfg := NewConfig()
	cfg.Dir = dir
	store1, err := Open(cfg, zm1)
	require.NoError(t, err)
	ref1, err := store1.NewRef()
	require.NoError(t, err)
	require.True(t, store1.Put(ref1, []byte("durable"), []byte("yes")))
	store1.Sync(ref1)
	store1.Unref(ref1)
	require.NoError(t, store1.Close())

	zm2, err := memzone.Open(dir, 1, false, false)
	require.NoError(t, err)
	store2, err := Open(cfg, zm2)
	require.NoError(t, err)
	ref2, err := store2.NewRef()
	require.NoError(t, err)

	v, ok, err := store2.Get(ref2, []byte("durable"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)

	store2.Unref(ref2)
	require.NoError(t, store2.Close())
}

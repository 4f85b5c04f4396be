package remixdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/kv"
	"github.com/Kevin-Yang1/remixdb/memindex"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := openWAL(dir, 1<<20, func(format string, v ...interface{}) {})
	require.NoError(t, err)
	require.NoError(t, w.beginFresh(1))
	t.Cleanup(func() { require.NoError(t, w.close()) })
	return w
}

func TestWALRecordRoundTrip(t *testing.T) {
	for _, rec := range []kv.Record{
		kv.NewRecord([]byte("hello"), []byte("world")),
		kv.NewRecord([]byte("k"), []byte("")),
		kv.NewTombstone([]byte("deleted")),
	} {
		enc := encodeRecord(rec)
		got, n, ok := decodeRecord(enc)
		require.True(t, ok)
		require.Equal(t, len(enc), n)
		require.Equal(t, rec.Key, got.Key)
		require.Equal(t, rec.Tombstone, got.Tombstone)
		if !rec.Tombstone {
			require.Equal(t, rec.Value, got.Value)
		}
	}
}

func TestWALDecodeRejectsCorruptTrailer(t *testing.T) {
	enc := encodeRecord(kv.NewRecord([]byte("k"), []byte("v")))
	enc[len(enc)-1] ^= 0xff
	_, _, ok := decodeRecord(enc)
	require.False(t, ok)
}

func TestWALDecodeRejectsTruncatedBuffer(t *testing.T) {
	enc := encodeRecord(kv.NewRecord([]byte("k"), []byte("v")))
	_, _, ok := decodeRecord(enc[:len(enc)-1])
	require.False(t, ok)
}

func TestWALReplayRecoversAppendedRecords(t *testing.T) {
	w := openTestWAL(t)

	want := []kv.Record{
		kv.NewRecord([]byte("a"), []byte("1")),
		kv.NewRecord([]byte("b"), []byte("2")),
		kv.NewTombstone([]byte("a")),
	}
	for _, rec := range want {
		require.NoError(t, w.append(rec))
	}
	w.flushSyncWait()

	idx := memindex.New()
	require.NoError(t, w.replay(0, idx))

	rec, ok := idx.Get(kv.NewKeyRef([]byte("a")))
	require.True(t, ok)
	require.True(t, rec.Tombstone)

	rec, ok = idx.Get(kv.NewKeyRef([]byte("b")))
	require.True(t, ok)
	require.Equal(t, []byte("2"), rec.Value)
}

func TestWALSwitchLogSealsAndBeginsFresh(t *testing.T) {
	w := openTestWAL(t)
	require.NoError(t, w.append(kv.NewRecord([]byte("k"), []byte("v"))))

	sealedSize, err := w.switchLog(2)
	require.NoError(t, err)
	require.Greater(t, sealedSize, int64(0))

	v0, err := w.readVersion(0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v0)

	v1, err := w.readVersion(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)
}

func TestWALTruncateZeroesFile(t *testing.T) {
	w := openTestWAL(t)
	require.NoError(t, w.append(kv.NewRecord([]byte("k"), []byte("v"))))
	w.flushSyncWait()

	_, err := w.switchLog(2)
	require.NoError(t, err)
	w.truncate(1)

	v1, err := w.readVersion(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v1)
}

package memindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kevin-Yang1/remixdb/kv"
)

func rec(key, value string) kv.Record {
	return kv.NewRecord([]byte(key), []byte(value))
}

func kref(key string) kv.KeyRef {
	return kv.NewKeyRef([]byte(key))
}

func TestLeafPutGetDel(t *testing.T) {
	l := newLeaf(nil)
	_, hadOld, err := l.put(rec("b", "2"))
	require.NoError(t, err)
	require.False(t, hadOld)

	got, ok := l.get(kref("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), got.Value)

	old, hadOld, err := l.put(rec("b", "3"))
	require.NoError(t, err)
	require.True(t, hadOld)
	require.Equal(t, []byte("2"), old.Value)

	got, ok = l.get(kref("b"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), got.Value)

	removed, ok := l.del(kref("b"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), removed.Value)

	_, ok = l.get(kref("b"))
	require.False(t, ok)

	_, ok = l.del(kref("b"))
	require.False(t, ok)
}

func TestLeafFillsToCapacity(t *testing.T) {
	l := newLeaf(nil)
	for i := 0; i < KPN; i++ {
		_, _, err := l.put(rec(fmt.Sprintf("k%03d", i), "v"))
		require.NoError(t, err)
	}
	_, _, err := l.put(rec("overflow", "v"))
	require.ErrorIs(t, err, errFull)
}

func TestLeafSyncSortedOrdersKeys(t *testing.T) {
	l := newLeaf(nil)
	keys := []string{"d", "b", "a", "c"}
	for _, k := range keys {
		_, _, err := l.put(rec(k, k))
		require.NoError(t, err)
	}
	l.syncSorted()
	var got []string
	for i := 0; i < l.nrKeys; i++ {
		got = append(got, string(l.recs[l.ss[i]].Key))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestLeafSeekSorted(t *testing.T) {
	l := newLeaf(nil)
	for _, k := range []string{"a", "c", "e", "g"} {
		_, _, err := l.put(rec(k, k))
		require.NoError(t, err)
	}
	l.syncSorted()
	require.Equal(t, 1, l.seekSorted([]byte("b")))
	require.Equal(t, 0, l.seekSorted([]byte("a")))
	require.Equal(t, 4, l.seekSorted([]byte("z")))
}

func TestLeafSplitDividesInHalf(t *testing.T) {
	l := newLeaf(nil)
	for i := 0; i < KPN; i++ {
		_, _, err := l.put(rec(fmt.Sprintf("k%03d", i), "v"))
		require.NoError(t, err)
	}
	right := l.split()
	require.Equal(t, KPN, l.nrKeys+right.nrKeys)
	require.Same(t, right, l.next)
	require.Same(t, l, right.prev)

	l.syncSorted()
	right.syncSorted()
	for i := 0; i < l.nrKeys; i++ {
		for j := 0; j < right.nrKeys; j++ {
			require.Less(t, string(l.recs[l.ss[i]].Key), string(right.recs[right.ss[j]].Key))
		}
	}
	require.LessOrEqual(t, string(l.recs[l.ss[l.nrKeys-1]].Key), string(right.anchor))
	require.LessOrEqual(t, string(right.anchor), string(right.recs[right.ss[0]].Key))
}

func TestLeafCanMergeAndMergeInto(t *testing.T) {
	left := newLeaf(nil)
	right := newLeaf([]byte("m"))
	left.next = right
	right.prev = left

	for _, k := range []string{"a", "b", "c"} {
		_, _, err := left.put(rec(k, k))
		require.NoError(t, err)
	}
	for _, k := range []string{"m", "n", "o"} {
		_, _, err := right.put(rec(k, k))
		require.NoError(t, err)
	}
	require.True(t, left.canMergeWith(right))

	left.mergeInto(right)
	require.Equal(t, 6, left.nrKeys)
	require.Nil(t, left.next)

	left.syncSorted()
	var got []string
	for i := 0; i < left.nrKeys; i++ {
		got = append(got, string(left.recs[left.ss[i]].Key))
	}
	require.Equal(t, []string{"a", "b", "c", "m", "n", "o"}, got)
}

func TestSplitAnchorIsLongestCommonPrefixPlusOne(t *testing.T) {
	require.Equal(t, []byte("b"), splitAnchor([]byte("apple"), []byte("banana")))
	require.Equal(t, []byte("banan"), splitAnchor([]byte("banal"), []byte("banana")))
	require.Equal(t, []byte("x"), splitAnchor([]byte(""), []byte("x")))
}

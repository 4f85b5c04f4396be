package memindex

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// KPN is the maximum number of records a leaf holds (spec.md §4.2.1).
const KPN = 128

type hsEntry struct {
	used    bool
	partial uint16
	idx     int16
}

// leaf is a single sorted-run node in the memtable's doubly linked leaf
// list. It packs a hash index (hs) for O(1) average point lookup over a
// record array that is only lazily kept in order (ss, nrSorted).
type leaf struct {
	mu     sync.RWMutex
	sortMu sync.Mutex

	anchor []byte
	prev   *leaf
	next   *leaf

	lv uint64 // bumped only on structural change (split/merge)

	recs     [KPN]kv.Record
	used     [KPN]bool
	hs       [KPN]hsEntry
	ss       [KPN]int16
	nrKeys   int
	nrSorted int
}

func newLeaf(anchor []byte) *leaf {
	return &leaf{anchor: append([]byte(nil), anchor...)}
}

func (l *leaf) version() uint64 {
	return atomic.LoadUint64(&l.lv)
}

func (l *leaf) bumpVersion(v uint64) {
	atomic.StoreUint64(&l.lv, v)
}

func hsPartial(hash uint32) uint16 {
	p := uint16(hash)
	if p == 0 {
		p = 1
	}
	return p
}

func hsIdealSlot(hash uint32) int {
	return int(hash>>16) % KPN
}

// hsFind returns the recs index for key, or -1.
func (l *leaf) hsFind(kref kv.KeyRef) int {
	partial := hsPartial(kref.Hash)
	slot := hsIdealSlot(kref.Hash)
	for i := 0; i < KPN; i++ {
		s := slot + i
		if s >= KPN {
			s -= KPN
		}
		e := &l.hs[s]
		if !e.used {
			return -1
		}
		if e.partial == partial && bytes.Equal(l.recs[e.idx].Key, kref.Key) {
			return int(e.idx)
		}
	}
	return -1
}

// hsInsert adds a mapping from kref's hash to recIdx. Caller guarantees
// there is room (nrKeys < KPN before the record was appended).
func (l *leaf) hsInsert(kref kv.KeyRef, recIdx int) {
	partial := hsPartial(kref.Hash)
	slot := hsIdealSlot(kref.Hash)
	for i := 0; i < KPN; i++ {
		s := slot + i
		if s >= KPN {
			s -= KPN
		}
		if !l.hs[s].used {
			l.hs[s] = hsEntry{used: true, partial: partial, idx: int16(recIdx)}
			return
		}
	}
	panic("memindex: leaf hash table unexpectedly full")
}

func (l *leaf) hsRemove(kref kv.KeyRef, recIdx int) {
	partial := hsPartial(kref.Hash)
	slot := hsIdealSlot(kref.Hash)
	for i := 0; i < KPN; i++ {
		s := slot + i
		if s >= KPN {
			s -= KPN
		}
		e := &l.hs[s]
		if e.used && e.partial == partial && int(e.idx) == recIdx {
			*e = hsEntry{}
			return
		}
	}
}

// get returns a copy of the record for kref and whether it was found. Must
// be called holding at least a read lock.
func (l *leaf) get(kref kv.KeyRef) (kv.Record, bool) {
	idx := l.hsFind(kref)
	if idx < 0 {
		return kv.Record{}, false
	}
	return l.recs[idx], true
}

// errFull signals the leaf cannot accept another distinct key and must be
// split by the caller.
var errFull = fullError{}

type fullError struct{}

func (fullError) Error() string { return "memindex: leaf full" }

// put inserts or replaces a record, returning the record it replaced (if
// any) so callers can adjust byte-size accounting. Must be called holding
// the write lock.
func (l *leaf) put(rec kv.Record) (old kv.Record, hadOld bool, err error) {
	kref := kv.KeyRef{Key: rec.Key, Hash: rec.Hash}
	if idx := l.hsFind(kref); idx >= 0 {
		old, hadOld = l.recs[idx], true
		l.recs[idx] = rec
		return old, hadOld, nil
	}
	if l.nrKeys >= KPN {
		return kv.Record{}, false, errFull
	}
	idx := l.nrKeys
	l.recs[idx] = rec
	l.used[idx] = true
	l.ss[l.nrKeys] = int16(idx)
	l.nrKeys++
	l.hsInsert(kref, idx)
	return kv.Record{}, false, nil
}

// del removes a record, returning it and whether one was found. Must be
// called holding the write lock.
func (l *leaf) del(kref kv.KeyRef) (kv.Record, bool) {
	idx := l.hsFind(kref)
	if idx < 0 {
		return kv.Record{}, false
	}
	old := l.recs[idx]
	l.hsRemove(kref, idx)
	l.removeAt(idx)
	return old, true
}

// removeAt deletes the record stored at recs[idx] by swapping the last
// live record into its place and rebuilding both hs and the ss
// permutation. KPN is small (128) so a full ss/hs rebuild on delete is
// cheap and far simpler than excising one element from both structures in
// place; rebuilding hs also leaves no empty slot inside a probe run, which
// hsFind relies on to stop early.
func (l *leaf) removeAt(idx int) {
	last := l.nrKeys - 1
	if idx != last {
		l.recs[idx] = l.recs[last]
	}
	l.used[last] = false
	l.nrKeys--
	l.hs = [KPN]hsEntry{}
	for i := 0; i < l.nrKeys; i++ {
		l.hsInsert(kv.KeyRef{Key: l.recs[i].Key, Hash: l.recs[i].Hash}, i)
	}
	// Rebuild ss from scratch; removeAt is not on the hot path relative to
	// get/put and KPN is bounded.
	newSS := make([]int16, 0, l.nrKeys)
	for i := 0; i < l.nrKeys; i++ {
		newSS = append(newSS, int16(i))
	}
	sort.Slice(newSS, func(a, b int) bool {
		return bytes.Compare(l.recs[newSS[a]].Key, l.recs[newSS[b]].Key) < 0
	})
	copy(l.ss[:], newSS)
	l.nrSorted = l.nrKeys
}

// syncSorted merges the unsorted tail ss[nrSorted:nrKeys] into the sorted
// prefix, leaving the whole of ss[0:nrKeys] in key order. Must be called
// holding sortMu; caller must also hold at least a read lock on the leaf's
// content (recs never move during a sort, only ss is rewritten).
func (l *leaf) syncSorted() {
	if l.nrSorted >= l.nrKeys {
		return
	}
	tail := append([]int16(nil), l.ss[l.nrSorted:l.nrKeys]...)
	sort.Slice(tail, func(a, b int) bool {
		return bytes.Compare(l.recs[tail[a]].Key, l.recs[tail[b]].Key) < 0
	})
	merged := make([]int16, 0, l.nrKeys)
	i, j := 0, 0
	head := l.ss[:l.nrSorted]
	for i < len(head) && j < len(tail) {
		if bytes.Compare(l.recs[head[i]].Key, l.recs[tail[j]].Key) <= 0 {
			merged = append(merged, head[i])
			i++
		} else {
			merged = append(merged, tail[j])
			j++
		}
	}
	merged = append(merged, head[i:]...)
	merged = append(merged, tail[j:]...)
	copy(l.ss[:], merged)
	l.nrSorted = l.nrKeys
}

// seekSorted returns the index into ss of the first key >= target, and
// nrKeys if none. Caller must have called syncSorted under sortMu first and
// holds at least a read lock.
func (l *leaf) seekSorted(target []byte) int {
	return sort.Search(l.nrKeys, func(i int) bool {
		return bytes.Compare(l.recs[l.ss[i]].Key, target) >= 0
	})
}

// split divides the leaf roughly in half, returning the new right leaf. The
// caller holds the write lock on l and is responsible for linking the new
// leaf into the list and updating the metadata trie.
func (l *leaf) split() *leaf {
	l.syncSorted()
	cut := l.nrKeys / 2
	if cut < 1 {
		cut = 1
	}
	leftKey := l.recs[l.ss[cut-1]].Key
	rightKey := l.recs[l.ss[cut]].Key
	anchor := splitAnchor(leftKey, rightKey)

	right := newLeaf(anchor)
	for i := cut; i < l.nrKeys; i++ {
		rec := l.recs[l.ss[i]]
		_, _, _ = right.put(rec)
	}

	var keep [KPN]kv.Record
	var keepUsed [KPN]bool
	n := 0
	for i := 0; i < cut; i++ {
		keep[n] = l.recs[l.ss[i]]
		keepUsed[n] = true
		n++
	}
	l.recs = keep
	l.used = keepUsed
	l.hs = [KPN]hsEntry{}
	l.ss = [KPN]int16{}
	l.nrKeys = n
	l.nrSorted = 0
	for i := 0; i < n; i++ {
		l.ss[i] = int16(i)
		l.hsInsert(kv.KeyRef{Key: l.recs[i].Key, Hash: l.recs[i].Hash}, i)
	}
	l.nrSorted = n

	right.next = l.next
	right.prev = l
	if l.next != nil {
		l.next.prev = right
	}
	l.next = right
	return right
}

// splitAnchor computes the shortest byte string >= leftKey and <= rightKey,
// by spec.md's rule: the LCP of the boundary keys plus one byte.
func splitAnchor(leftKey, rightKey []byte) []byte {
	lcp := 0
	for lcp < len(leftKey) && lcp < len(rightKey) && leftKey[lcp] == rightKey[lcp] {
		lcp++
	}
	if lcp >= len(rightKey) {
		return append([]byte(nil), rightKey...)
	}
	anchor := make([]byte, lcp+1)
	copy(anchor, rightKey[:lcp+1])
	return anchor
}

// canMergeWith reports whether l and other together fit in one leaf.
func (l *leaf) canMergeWith(other *leaf) bool {
	return l.nrKeys+other.nrKeys <= KPN
}

// mergeInto concatenates other's records into l (other must be l.next) and
// unlinks other from the list. Caller holds both write locks and handles
// metadata trie updates.
func (l *leaf) mergeInto(other *leaf) {
	l.syncSorted()
	other.syncSorted()
	for i := 0; i < other.nrKeys; i++ {
		_, _, _ = l.put(other.recs[other.ss[i]])
	}
	l.syncSorted()
	l.next = other.next
	if other.next != nil {
		other.next.prev = l
	}
}

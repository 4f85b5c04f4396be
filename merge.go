package remixdb

import (
	"bytes"
	"container/heap"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// mergeSource is anything the multi-way merge iterator (spec.md §4.6) can
// drive: memindex.Iterator and zone.OrderedIterator both already have this
// shape. container/heap backs the min-heap since no dependency in this
// module's stack ships a generic k-way merge primitive; ordering a handful
// of streams by (key, -rank) is squarely stdlib territory.
type mergeSource interface {
	Seek(key []byte)
	Valid() bool
	Record() kv.Record
	Next()
}

type mergeEntry struct {
	src  mergeSource
	rank int
}

// mergeHeap orders live entries by (key ascending, rank descending) so that
// when two streams expose the same key, the higher-rank (later-inserted)
// stream surfaces first.
type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].src.Record().Key, h[j].src.Record().Key)
	if c != 0 {
		return c < 0
	}
	return h[i].rank > h[j].rank
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeEntry))
}
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// MergeIterator unifies an arbitrary number of ordered sub-iterators into a
// single ordered stream, resolving same-key collisions by rank: later
// insertions dominate (spec.md §4.6). The compaction view passes zone, IMT,
// WMT in that order so the write-ahead-most layer wins.
type MergeIterator struct {
	entries []*mergeEntry
	h       mergeHeap
}

// NewMergeIterator wires sources in precedence order: the first argument has
// the lowest rank, the last the highest.
func NewMergeIterator(sources ...mergeSource) *MergeIterator {
	mi := &MergeIterator{}
	for i, s := range sources {
		mi.entries = append(mi.entries, &mergeEntry{src: s, rank: i})
	}
	return mi
}

// Seek positions every sub-iterator at >= key and rebuilds the heap.
func (mi *MergeIterator) Seek(key []byte) {
	mi.h = mi.h[:0]
	for _, e := range mi.entries {
		e.src.Seek(key)
		if e.src.Valid() {
			mi.h = append(mi.h, e)
		}
	}
	heap.Init(&mi.h)
}

// Valid reports whether any sub-iterator has a remaining record.
func (mi *MergeIterator) Valid() bool {
	return len(mi.h) > 0
}

// Peek returns the winning record at the current position.
func (mi *MergeIterator) Peek() kv.Record {
	return mi.h[0].src.Record()
}

// Skip1 advances only the winning sub-iterator by one record and re-sifts
// the heap; other streams holding a copy of the same key are left in place
// (they surface, and are then dominated again, on the next call).
func (mi *MergeIterator) Skip1() {
	if len(mi.h) == 0 {
		return
	}
	top := mi.h[0]
	top.src.Next()
	if top.src.Valid() {
		heap.Fix(&mi.h, 0)
	} else {
		heap.Pop(&mi.h)
	}
}

// SkipUnique advances past every sub-iterator currently positioned on the
// winning key, so the next Peek reports a strictly greater key. Ordinary
// forward iteration should use this rather than Skip1 so shadowed
// duplicates from lower-ranked streams never resurface.
func (mi *MergeIterator) SkipUnique() {
	if len(mi.h) == 0 {
		return
	}
	key := append([]byte(nil), mi.h[0].src.Record().Key...)
	for len(mi.h) > 0 && bytes.Equal(mi.h[0].src.Record().Key, key) {
		top := mi.h[0]
		top.src.Next()
		if top.src.Valid() {
			heap.Fix(&mi.h, 0)
		} else {
			heap.Pop(&mi.h)
		}
	}
}

// Record implements zone.MergeIterator so a MergeIterator (e.g. the
// compaction view of IMT+WMT) can itself feed a zone Compact call.
func (mi *MergeIterator) Record() kv.Record { return mi.Peek() }

// Next implements zone.MergeIterator.
func (mi *MergeIterator) Next() { mi.SkipUnique() }

// LiveIterator wraps a MergeIterator to skip tombstones (spec.md §4.6's
// iter_ts mode), exposing only records a reader should see as present.
type LiveIterator struct {
	mi  *MergeIterator
	ref *Ref
}

// NewLiveIterator wraps mi to filter tombstones out of the visible stream.
func NewLiveIterator(mi *MergeIterator) *LiveIterator {
	li := &LiveIterator{mi: mi}
	return li
}

// Close parks the ref backing this iterator, so it stops holding up a
// compaction's quiesce wait. Callers that finish driving an iterator (by
// exhaustion or by abandoning it early) should call Close; an iterator
// obtained from Store.NewIterator keeps its ref resumed until then.
func (li *LiveIterator) Close() {
	if li.ref != nil {
		li.ref.park()
	}
}

func (li *LiveIterator) Seek(key []byte) {
	li.mi.Seek(key)
	li.skipTombstones()
}

func (li *LiveIterator) Valid() bool {
	return li.mi.Valid()
}

func (li *LiveIterator) Peek() kv.Record {
	return li.mi.Peek()
}

func (li *LiveIterator) Next() {
	li.mi.SkipUnique()
	li.skipTombstones()
}

func (li *LiveIterator) skipTombstones() {
	for li.mi.Valid() && li.mi.Peek().Tombstone {
		li.mi.SkipUnique()
	}
}

package memindex

import "github.com/Kevin-Yang1/remixdb/kv"

// Iterator is a pull-based cursor over an Index's keys in order (spec.md
// §4.2's iter_create/iter_seek/iter_peek/iter_skip1 family). It holds no
// lock between calls: each Seek/Next takes the current leaf's read lock just
// long enough to resolve the sorted order and copy out the current record.
type Iterator struct {
	idx *Index

	leaf  *leaf
	pos   int
	valid bool
	rec   kv.Record
}

// NewIterator returns an iterator positioned before the first key. Call
// Seek(nil) to position it at the first key in the index.
func NewIterator(idx *Index) *Iterator {
	return &Iterator{idx: idx}
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	meta := it.idx.active.Load()
	l := it.idx.findLeaf(meta, key)
	for {
		l.mu.RLock()
		l.sortMu.Lock()
		l.syncSorted()
		l.sortMu.Unlock()
		pos := l.seekSorted(key)
		if pos >= l.nrKeys && l.next != nil {
			next := l.next
			l.mu.RUnlock()
			l = next
			continue
		}
		it.settle(l, pos)
		l.mu.RUnlock()
		return
	}
}

// settle must be called holding at least l's read lock.
func (it *Iterator) settle(l *leaf, pos int) {
	it.leaf = l
	it.pos = pos
	if pos < l.nrKeys {
		it.valid = true
		it.rec = l.recs[l.ss[pos]]
	} else {
		it.valid = false
	}
}

// Valid reports whether the iterator currently rests on a record.
func (it *Iterator) Valid() bool {
	return it.valid
}

// Record returns a copy of the current record. Valid must be true.
func (it *Iterator) Record() kv.Record {
	return it.rec
}

// Key returns the current record's key. Valid must be true.
func (it *Iterator) Key() []byte {
	return it.rec.Key
}

// Next advances to the next key in order, crossing leaf boundaries as
// needed.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	l := it.leaf
	pos := it.pos + 1
	first := true
	for {
		l.mu.RLock()
		if !first {
			l.sortMu.Lock()
			l.syncSorted()
			l.sortMu.Unlock()
		}
		if pos < l.nrKeys {
			it.settle(l, pos)
			l.mu.RUnlock()
			return
		}
		next := l.next
		l.mu.RUnlock()
		if next == nil {
			it.valid = false
			return
		}
		l = next
		pos = 0
		first = false
	}
}

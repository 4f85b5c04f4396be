// Package memindex implements the ordered in-memory index backing a
// memtable (spec.md §4.2): a trie of hashed key prefixes accelerating
// lookups into a doubly linked list of fixed-fan-out sorted leaves.
//
// The metadata trie is double buffered: an atomic pointer names the active
// map, structural changes are built into the inactive map first, published
// with a pointer swap, and the previous map is brought up to date only after
// a caller-supplied Quiesce callback confirms no reader can still observe
// the old pointer. This mirrors valuelocmap's split/unsplit a/b/c/d/e
// bookkeeping and its "publish, then repair the other side" discipline,
// generalized from valuelocmap's binary key-space tree to a byte-string
// prefix trie.
package memindex

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// MergeFunc is the user callback for Merge: given the current record (ok
// false if absent), it returns a replacement record (ok2 false to leave the
// key deleted/absent). It may be invoked more than once and must be pure
// with respect to its return value.
type MergeFunc func(current kv.Record, ok bool) (replacement kv.Record, ok2 bool)

// Index is a concurrent ordered map from byte-string keys to kv.Record.
type Index struct {
	structLock sync.Mutex
	active     atomic.Pointer[metaMap]
	other      *metaMap // touched only while holding structLock

	byteSize int64 // atomic

	localVersion uint64 // atomic, used when NextVersion is nil

	// Quiesce is invoked after a structural change publishes a new active
	// meta map, before the inactive copy is brought up to date. nil means
	// no reclamation coordination is needed (single-writer/single-reader
	// use, e.g. a sealed immutable memtable).
	Quiesce func(version uint64)
	// NextVersion returns the version to stamp a structural change with
	// and to pass to Quiesce. nil means use an internal atomic counter.
	NextVersion func() uint64
}

// New creates an empty Index with a single leaf spanning the whole key
// space.
func New() *Index {
	idx := &Index{}
	first := newLeaf(nil)
	root := newMetaNode(nil)
	root.lmost, root.rmost, root.lpath = first, first, first
	m := newMetaMap(16)
	m.insert(root, kv.Hash32(nil))
	idx.active.Store(m)
	idx.other = m.clone()
	return idx
}

func (idx *Index) nextVersion() uint64 {
	if idx.NextVersion != nil {
		return idx.NextVersion()
	}
	return atomic.AddUint64(&idx.localVersion, 1)
}

func (idx *Index) quiesce(v uint64) {
	if idx.Quiesce != nil {
		idx.Quiesce(v)
	}
}

// ByteSize returns the approximate number of key+value bytes held live in
// the index, maintained incrementally by Put/Del/Merge.
func (idx *Index) ByteSize() int64 {
	return atomic.LoadInt64(&idx.byteSize)
}

func recSize(r kv.Record) int64 {
	return int64(len(r.Key) + len(r.Value))
}

// Clean discards every record, resetting idx to the same empty single-leaf
// state New returns. It is meant for reuse of a retired immutable memtable
// once the compaction orchestrator has confirmed (via Quiesce) that no
// reader can still reach it, so no further coordination happens here.
func (idx *Index) Clean() {
	idx.structLock.Lock()
	defer idx.structLock.Unlock()
	first := newLeaf(nil)
	root := newMetaNode(nil)
	root.lmost, root.rmost, root.lpath = first, first, first
	m := newMetaMap(16)
	m.insert(root, kv.Hash32(nil))
	idx.active.Store(m)
	idx.other = m.clone()
	atomic.StoreInt64(&idx.byteSize, 0)
}

// findLeaf returns the leaf responsible for key under the given meta map
// snapshot. The trie descent gives an accelerator hint; a bounded walk over
// the leaf linked list confirms (and corrects, if the hint is stale mid
// structural-change) that the returned leaf's range actually contains key.
func (idx *Index) findLeaf(meta *metaMap, key []byte) *leaf {
	node := lpmNode(meta, key)
	var hint *leaf
	switch {
	case len(node.prefix) == len(key):
		hint = node.lpath
	default:
		b := key[len(node.prefix)]
		switch {
		case !node.hasAny || b < node.bitmin:
			hint = node.lpath
		case b > node.bitmax:
			hint = node.rmost
		default:
			hint = nearestChildRmost(meta, node, b)
			if hint == nil {
				hint = node.lpath
			}
		}
	}
	if hint == nil {
		hint = node.lpath
	}
	for hint.next != nil && bytes.Compare(key, hint.next.anchor) >= 0 {
		hint = hint.next
	}
	for hint.prev != nil && bytes.Compare(key, hint.anchor) < 0 {
		hint = hint.prev
	}
	return hint
}

// lpmNode performs the longest-prefix-match binary descent of spec.md
// §4.2.3: the predicate "key[:L] is a metadata node" is monotonic in L
// because every ancestor of an anchor is itself inserted as a node
// (§4.2.4), so a binary search finds the greatest matching length.
func lpmNode(meta *metaMap, key []byte) *metaNode {
	lo, hi := 0, len(key)+1
	var lastHit *metaNode
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if n := meta.lookup(key[:mid], kv.Hash32(key[:mid])); n != nil {
			lo = mid
			lastHit = n
		} else {
			hi = mid
		}
	}
	if lastHit == nil || len(lastHit.prefix) != lo {
		lastHit = meta.lookup(key[:lo], kv.Hash32(key[:lo]))
	}
	return lastHit
}

// nearestChildRmost handles the rare case (spec.md §4.2.3 step 3) where b
// falls within [bitmin, bitmax] but does not itself extend the longest
// prefix match: walk the child bitmap downward from b to find the nearest
// existing sibling and return the rightmost leaf of its subtree.
func nearestChildRmost(meta *metaMap, node *metaNode, b byte) *leaf {
	for c := int(b); c >= int(node.bitmin); c-- {
		if !node.children[byte(c)] {
			continue
		}
		childPrefix := append(append([]byte(nil), node.prefix...), byte(c))
		if child := meta.lookup(childPrefix, kv.Hash32(childPrefix)); child != nil {
			return child.rmost
		}
	}
	return nil
}

// Get returns a copy of the record for kref, if present.
func (idx *Index) Get(kref kv.KeyRef) (kv.Record, bool) {
	meta := idx.active.Load()
	l := idx.findLeaf(meta, kref.Key)
	l.mu.RLock()
	rec, ok := l.get(kref)
	l.mu.RUnlock()
	return rec, ok
}

// Probe reports whether kref is present, without copying its value.
func (idx *Index) Probe(kref kv.KeyRef) bool {
	_, ok := idx.Get(kref)
	return ok
}

// Put inserts or replaces a record, splitting leaves as needed.
func (idx *Index) Put(rec kv.Record) {
	kref := kv.KeyRef{Key: rec.Key, Hash: rec.Hash}
	for {
		meta := idx.active.Load()
		l := idx.findLeaf(meta, kref.Key)
		l.mu.Lock()
		old, hadOld, err := l.put(rec)
		l.mu.Unlock()
		if err == nil {
			if hadOld {
				atomic.AddInt64(&idx.byteSize, recSize(rec)-recSize(old))
			} else {
				atomic.AddInt64(&idx.byteSize, recSize(rec))
			}
			return
		}
		idx.split(l)
	}
}

// Del removes a record, reporting whether one was present.
func (idx *Index) Del(kref kv.KeyRef) bool {
	meta := idx.active.Load()
	l := idx.findLeaf(meta, kref.Key)
	l.mu.Lock()
	old, ok := l.del(kref)
	l.mu.Unlock()
	if ok {
		atomic.AddInt64(&idx.byteSize, -recSize(old))
	}
	return ok
}

// Merge performs an atomic (with respect to this key) read-modify-write.
// fn may be called more than once if a split forces a retry and must be
// pure with respect to its return value. Merge reports whether fn's
// replacement was stored; it returns false when fn leaves the key absent.
func (idx *Index) Merge(kref kv.KeyRef, fn MergeFunc) bool {
	for {
		meta := idx.active.Load()
		l := idx.findLeaf(meta, kref.Key)
		l.mu.Lock()
		cur, ok := l.get(kref)
		repl, ok2 := fn(cur, ok)
		if !ok2 {
			var old kv.Record
			var hadOld bool
			if ok {
				old, hadOld = l.del(kref)
			}
			l.mu.Unlock()
			if hadOld {
				atomic.AddInt64(&idx.byteSize, -recSize(old))
			}
			return false
		}
		old, hadOld, err := l.put(repl)
		l.mu.Unlock()
		if err == nil {
			if hadOld {
				atomic.AddInt64(&idx.byteSize, recSize(repl)-recSize(old))
			} else {
				atomic.AddInt64(&idx.byteSize, recSize(repl))
			}
			return true
		}
		idx.split(l)
	}
}

// DelRange deletes every key in [start, end). Returns the count removed.
// start == end or start > end deletes nothing.
func (idx *Index) DelRange(start, end []byte) int {
	if bytes.Compare(start, end) >= 0 {
		return 0
	}
	count := 0
	meta := idx.active.Load()
	l := idx.findLeaf(meta, start)
	for l != nil {
		if len(l.anchor) > 0 && bytes.Compare(l.anchor, end) >= 0 {
			break
		}
		l.mu.Lock()
		l.syncSorted()
		for i := 0; i < l.nrKeys; {
			key := l.recs[l.ss[i]].Key
			if bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0 {
				kref := kv.KeyRef{Key: key, Hash: l.recs[l.ss[i]].Hash}
				old, _ := l.del(kref)
				atomic.AddInt64(&idx.byteSize, -recSize(old))
				count++
				continue // removeAt rebuilt ss; re-check the same position
			}
			i++
		}
		next := l.next
		l.mu.Unlock()
		l = next
	}
	return count
}

// split grows full into two leaves and publishes the metadata change,
// following spec.md §4.2.4: build on the inactive map, publish, wait for
// quiescence, then mirror the change onto the now-inactive map.
func (idx *Index) split(full *leaf) {
	idx.structLock.Lock()
	defer idx.structLock.Unlock()

	full.mu.Lock()
	if full.nrKeys < KPN {
		// Another writer already split this leaf while we waited for the
		// lock.
		full.mu.Unlock()
		return
	}
	right := full.split()
	full.mu.Unlock()

	v := idx.nextVersion()
	full.bumpVersion(v)
	right.bumpVersion(v)

	oldActive := idx.active.Load()
	idx.touchPath(idx.other, right.anchor, right, true)
	published := idx.other
	idx.active.Store(published)
	idx.quiesce(v)
	// oldActive is now unreachable by any reader that started after the
	// quiesce wait began; bring it up to parity and make it the inactive
	// map for the next structural change.
	idx.touchPath(oldActive, right.anchor, right, true)
	idx.other = oldActive
}

// touchPath walks every prefix of anchor, creating metadata nodes as
// needed and recording newLeaf as a child/boundary, per spec.md §4.2.4 step
// 4. insertMode true means a leaf was added (split); false means one was
// removed (merge) and callers should use removePrefixesFor instead.
func (idx *Index) touchPath(m *metaMap, anchor []byte, newLeafNode *leaf, insertMode bool) {
	for l := 0; l <= len(anchor); l++ {
		prefix := anchor[:l]
		hash := kv.Hash32(prefix)
		node := m.lookup(prefix, hash)
		if node == nil {
			node = newMetaNode(prefix)
			node.lmost, node.rmost, node.lpath = newLeafNode, newLeafNode, newLeafNode
			m2 := m.insertGrowing(node, hash)
			*m = *m2
		}
		if l < len(anchor) {
			node.addChild(anchor[l])
		}
		if insertMode {
			if bytes.Compare(newLeafNode.anchor, node.lmost.anchor) < 0 {
				node.lmost = newLeafNode
			}
			if bytes.Compare(newLeafNode.anchor, node.rmost.anchor) >= 0 {
				node.rmost = newLeafNode
			}
			node.lpath = newLeafNode
		}
	}
}

func (idx *Index) cloneFrom(m *metaMap) *metaMap {
	return m.clone()
}

// Compact merges adjacent leaves that together fit within one leaf's
// capacity. It is intended to be run by a caller that owns exclusive access
// to the index (e.g. the compaction orchestrator against a sealed immutable
// memtable) since, unlike Put/Del, it is not designed to interleave with
// concurrent structural changes from other goroutines.
func (idx *Index) Compact() {
	idx.structLock.Lock()
	defer idx.structLock.Unlock()
	meta := idx.active.Load()
	l := idx.leftmost(meta)
	for l != nil && l.next != nil {
		l.mu.Lock()
		l.next.mu.Lock()
		if l.canMergeWith(l.next) {
			removed := l.next
			l.mergeInto(removed)
			removed.mu.Unlock()
			v := idx.nextVersion()
			l.bumpVersion(v)
			oldActive := idx.active.Load()
			idx.removePrefixesFor(idx.other, removed)
			published := idx.other
			idx.active.Store(published)
			l.mu.Unlock()
			idx.quiesce(v)
			// Bring the retired map up to parity with the same removal,
			// then hand it back as the inactive side for the next change.
			idx.removePrefixesFor(oldActive, removed)
			idx.other = oldActive
			// l keeps its merged content and may still be mergeable with its
			// new next, so the loop retries it without advancing.
		} else {
			l.next.mu.Unlock()
			l.mu.Unlock()
			l = l.next
		}
	}
}

func (idx *Index) leftmost(meta *metaMap) *leaf {
	root := meta.lookup(nil, kv.Hash32(nil))
	if root == nil {
		return nil
	}
	return root.lmost
}

// removePrefixesFor deletes metadata nodes whose subtree collapsed to
// nothing now that removed is gone, per spec.md §4.2.4's merge dual.
func (idx *Index) removePrefixesFor(m *metaMap, removed *leaf) {
	anchor := removed.anchor
	for l := len(anchor); l >= 0; l-- {
		prefix := anchor[:l]
		hash := kv.Hash32(prefix)
		node := m.lookup(prefix, hash)
		if node == nil {
			continue
		}
		if l < len(anchor) {
			stillHasOther := false
			for c := 0; c < 256; c++ {
				if node.children[byte(c)] && !(l == len(anchor)-1 && byte(c) == anchor[l]) {
					stillHasOther = true
					break
				}
			}
			if !stillHasOther {
				node.removeChild(anchor[l])
			}
		}
		if node.lpath == removed {
			if removed.prev != nil {
				node.lpath = removed.prev
			}
		}
		if node.lmost == removed && removed.next != nil {
			node.lmost = removed.next
		}
		if node.rmost == removed && removed.prev != nil {
			node.rmost = removed.prev
		}
		if l != 0 && !node.hasAny {
			m.delete(prefix, hash)
		}
	}
}

package memindex

import (
	"bytes"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// metaNode is one prefix node in the trie/hash metadata layer (spec.md
// §4.2.2). A node exists for every prefix that is an actual leaf anchor or a
// common ancestor of anchors, so longest-prefix-match descent is monotonic:
// if a prefix of length L is present, every shorter prefix on its path is
// present too.
type metaNode struct {
	prefix []byte
	lmost  *leaf
	rmost  *leaf
	lpath  *leaf
	bitmin byte
	bitmax byte
	// children records which immediate child bytes exist below this
	// prefix. spec.md describes a packed 256-bit bitmap; a plain array is
	// used here since Go gains nothing from hand-packing 256 bools into
	// words outside of a cache-line micro-optimization this module does
	// not benchmark for.
	children [256]bool
	hasAny   bool
}

func newMetaNode(prefix []byte) *metaNode {
	n := &metaNode{prefix: append([]byte(nil), prefix...)}
	n.bitmin = 0xff
	n.bitmax = 0x00
	return n
}

func (n *metaNode) addChild(b byte) {
	if !n.children[b] {
		n.children[b] = true
	}
	if !n.hasAny || b < n.bitmin {
		n.bitmin = b
	}
	if !n.hasAny || b > n.bitmax {
		n.bitmax = b
	}
	n.hasAny = true
}

func (n *metaNode) removeChild(b byte) {
	if !n.children[b] {
		return
	}
	n.children[b] = false
	if b != n.bitmin && b != n.bitmax {
		return
	}
	n.hasAny = false
	n.bitmin = 0xff
	n.bitmax = 0x00
	for c := 0; c < 256; c++ {
		if n.children[byte(c)] {
			n.addChild(byte(c))
		}
	}
}

// cuckooSlot is one of a bucket's 8 slots: a 16 bit partial hash (cheap to
// compare before touching the node pointer) and the node itself.
type cuckooSlot struct {
	used    bool
	partial uint16
	node    *metaNode
}

const bucketSlots = 8

type cuckooBucket struct {
	slots [bucketSlots]cuckooSlot
}

// metaMap is the cuckoo hash table mapping key prefixes to metaNodes
// (spec.md §4.2.2). A key's two candidate buckets are hash&mask and
// bswap32(hash)&mask.
type metaMap struct {
	buckets []cuckooBucket
	mask    uint32
	count   int
}

func bswap32(x uint32) uint32 {
	return x>>24 | (x>>8)&0xff00 | (x<<8)&0xff0000 | x<<24
}

func newMetaMap(initialBuckets int) *metaMap {
	if initialBuckets < 2 {
		initialBuckets = 2
	}
	n := 1
	for n < initialBuckets {
		n <<= 1
	}
	return &metaMap{
		buckets: make([]cuckooBucket, n),
		mask:    uint32(n - 1),
	}
}

func partialOf(hash uint32) uint16 {
	p := uint16(hash >> 16)
	if p == 0 {
		p = 1
	}
	return p
}

func (m *metaMap) candidateBuckets(hash uint32) (uint32, uint32) {
	return hash & m.mask, bswap32(hash) & m.mask
}

func (m *metaMap) lookup(prefix []byte, hash uint32) *metaNode {
	partial := partialOf(hash)
	b1, b2 := m.candidateBuckets(hash)
	for _, bi := range [2]uint32{b1, b2} {
		bucket := &m.buckets[bi]
		for i := range bucket.slots {
			s := &bucket.slots[i]
			if s.used && s.partial == partial && bytes.Equal(s.node.prefix, prefix) {
				return s.node
			}
		}
	}
	return nil
}

// insert places node into the table, evicting up to a fixed recursion
// depth before reporting that the table needs to grow.
func (m *metaMap) insert(node *metaNode, hash uint32) bool {
	return m.insertDepth(node, hash, 0)
}

const maxEvictDepth = 2

func (m *metaMap) insertDepth(node *metaNode, hash uint32, depth int) bool {
	partial := partialOf(hash)
	b1, b2 := m.candidateBuckets(hash)
	for _, bi := range [2]uint32{b1, b2} {
		bucket := &m.buckets[bi]
		for i := range bucket.slots {
			s := &bucket.slots[i]
			if s.used && s.partial == partial && bytes.Equal(s.node.prefix, node.prefix) {
				s.node = node
				return true
			}
		}
	}
	for _, bi := range [2]uint32{b1, b2} {
		bucket := &m.buckets[bi]
		for i := range bucket.slots {
			s := &bucket.slots[i]
			if !s.used {
				s.used = true
				s.partial = partial
				s.node = node
				m.count++
				return true
			}
		}
	}
	if depth >= maxEvictDepth {
		return false
	}
	// Evict from the primary bucket and recursively reinsert the evictee.
	bucket := &m.buckets[b1]
	victim := bucket.slots[0]
	bucket.slots[0] = cuckooSlot{used: true, partial: partial, node: node}
	return m.insertDepth(victim.node, kv.Hash32(victim.node.prefix), depth+1)
}

func (m *metaMap) delete(prefix []byte, hash uint32) {
	partial := partialOf(hash)
	b1, b2 := m.candidateBuckets(hash)
	for _, bi := range [2]uint32{b1, b2} {
		bucket := &m.buckets[bi]
		for i := range bucket.slots {
			s := &bucket.slots[i]
			if s.used && s.partial == partial && bytes.Equal(s.node.prefix, prefix) {
				*s = cuckooSlot{}
				m.count--
				return
			}
		}
	}
}

// clone deep-copies both the table structure and every metaNode value into
// a freshly sized table, used to build the "other" map in the
// double-buffering scheme. The two maps must own fully independent node
// objects: readers only ever touch the active map's nodes, so the inactive
// map's nodes can be mutated in place while a structural change is being
// built without any synchronization against readers.
func (m *metaMap) clone() *metaMap {
	out := newMetaMap(len(m.buckets))
	for bi := range m.buckets {
		for si := range m.buckets[bi].slots {
			s := &m.buckets[bi].slots[si]
			if s.used {
				nodeCopy := *s.node
				node := &nodeCopy
				node.prefix = append([]byte(nil), s.node.prefix...)
				if !out.insert(node, kv.Hash32(node.prefix)) {
					out = out.grow()
					out.insert(node, kv.Hash32(node.prefix))
				}
			}
		}
	}
	return out
}

// grow returns a new table of double the capacity with every current entry
// reinserted.
func (m *metaMap) grow() *metaMap {
	out := newMetaMap(len(m.buckets) * 2)
	for bi := range m.buckets {
		for si := range m.buckets[bi].slots {
			s := &m.buckets[bi].slots[si]
			if s.used {
				for !out.insert(s.node, kv.Hash32(s.node.prefix)) {
					out = newMetaMap(len(out.buckets) * 2)
					for bj := range m.buckets[:bi+1] {
						limit := len(m.buckets[bj].slots)
						if bj == bi {
							limit = si + 1
						}
						for sj := 0; sj < limit; sj++ {
							t := &m.buckets[bj].slots[sj]
							if t.used {
								out.insert(t.node, kv.Hash32(t.node.prefix))
							}
						}
					}
				}
			}
		}
	}
	return out
}

// insertGrowing inserts node into m, returning a (possibly new, larger)
// table that contains it. Callers must replace their reference to m with
// the returned table.
func (m *metaMap) insertGrowing(node *metaNode, hash uint32) *metaMap {
	if m.insert(node, hash) {
		return m
	}
	g := m.grow()
	for !g.insert(node, hash) {
		g = g.grow()
	}
	return g
}

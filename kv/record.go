package kv

import "hash/crc32"

// KVSeed is the fixed seed CRC32C (Castagnoli) key hashes are computed
// with. It matches the constant the original remixdb wormhole index uses so
// the hash of a key is stable across the WAL, the memtable, and the zone
// manager.
const KVSeed = 0x5bd1e995

// lenMask masks out the tombstone bit from a stored value-length field.
const lenMask = uint32(1)<<31 - 1

// tombstoneFlag marks a record as a deletion marker in its stored vlen.
const tombstoneFlag = uint32(1) << 31

// MaxCombinedSize is the largest klen+vlen a record may have.
const MaxCombinedSize = 65500

// MaxFieldSize is the exclusive upper bound on an individual key or value
// length: each must be shorter than this.
const MaxFieldSize = 1 << 16

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Hash32 computes the CRC32C hash of key seeded the way spec'd records are.
func Hash32(key []byte) uint32 {
	return crc32.Update(KVSeed, crc32cTable, key)
}

// KeyRef is a lightweight borrow of a key, avoiding a copy during lookup
// paths. The null key reference (len 0, hash KVSeed) is NullKeyRef; the
// zero value has hash 0.
type KeyRef struct {
	Key  []byte
	Hash uint32
}

// NewKeyRef borrows key and computes its hash.
func NewKeyRef(key []byte) KeyRef {
	return KeyRef{Key: key, Hash: Hash32(key)}
}

// NullKeyRef is the key reference with length 0.
var NullKeyRef = KeyRef{Key: nil, Hash: KVSeed}

// Record is a key-value pair plus the bookkeeping spec.md's data model
// requires: a tombstone flag packed into the stored length and a
// precomputed key hash.
type Record struct {
	Key       []byte
	Value     []byte
	Hash      uint32
	Tombstone bool
}

// NewRecord builds a live (non-tombstone) record, computing its hash.
func NewRecord(key, value []byte) Record {
	return Record{Key: key, Value: value, Hash: Hash32(key)}
}

// NewTombstone builds a deletion marker for key.
func NewTombstone(key []byte) Record {
	return Record{Key: key, Tombstone: true, Hash: Hash32(key)}
}

// CombinedSize returns klen+vlen, the quantity spec.md bounds at 65500.
func (r Record) CombinedSize() int {
	return len(r.Key) + len(r.Value)
}

// StoredVlen returns the wire-format value-length field: the tombstone flag
// packed into the high bit over the actual payload length. A tombstone's
// actual payload length is always 0 but the full field (flag included) must
// still round-trip.
func (r Record) StoredVlen() uint32 {
	vlen := uint32(len(r.Value))
	if r.Tombstone {
		return tombstoneFlag | vlen
	}
	return vlen
}

// DecodeVlen splits a stored vlen field into (tombstone, actual length).
func DecodeVlen(stored uint32) (tombstone bool, length uint32) {
	return stored&tombstoneFlag != 0, stored & lenMask
}

// TooLarge reports whether key/value exceed spec.md's size limits.
func TooLarge(key, value []byte) bool {
	if len(key) >= MaxFieldSize || len(value) >= MaxFieldSize {
		return true
	}
	return len(key)+len(value) > MaxCombinedSize
}

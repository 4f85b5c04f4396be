// Package zone declares the contract the core consumes from the sorted-run
// tier: block-level storage, the block cache, and the compaction worker pool
// all live behind this interface and are not implemented here (spec.md §1,
// §6 "Contract consumed from the zone manager").
package zone

import (
	"os"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// Anchor is one partition boundary of a Snapshot, surfaced after a Compact
// call so the core can reinsert any keys the zone rejected.
type Anchor struct {
	Key      []byte
	Rejected bool
}

// OrderedIterator walks a Snapshot's records in key order. It is the
// sub-iterator shape remixdb.MergeIterator expects from a zone layer.
type OrderedIterator interface {
	Seek(key []byte)
	Valid() bool
	Record() kv.Record
	Next()
}

// Snapshot is a reference-counted, immutable view of the on-disk tier.
type Snapshot interface {
	Ref()
	Unref()
	GetTS(kref kv.KeyRef) (kv.Record, bool)
	ProbeTS(kref kv.KeyRef) bool
	Anchors() []Anchor
	NewIterator() OrderedIterator
}

// MergeIterator is what Manager.Compact consumes to read the sealed
// immutable memtable it is merging against the previous snapshot.
type MergeIterator interface {
	Valid() bool
	Record() kv.Record
	Next()
}

// Manager is the opaque zone manager the core drives during compaction
// (spec.md §6). Open/Close lifecycle is left to the concrete implementation;
// this interface covers everything the core calls once a Manager exists.
type Manager interface {
	Close() error
	Version() uint64
	LogFD() *os.File
	GetSnapshot() Snapshot
	PutSnapshot(Snapshot)
	Compact(iter MergeIterator, workers, coPerWorker int, maxRejectBytes uint64) error
	Stats() (writes, reads uint64)
}

// Package memzone is a minimal in-memory stand-in for the sorted-run tier
// (spec.md §1's "external collaborator"). It has no block cache, no on-disk
// page format, and no coroutine I/O ring — all explicitly out of scope for
// the core this repository teaches — but it satisfies the zone.Manager
// contract well enough to exercise compaction, the merge iterator, and
// recovery end to end.
package memzone

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/kv"
	"github.com/Kevin-Yang1/remixdb/zone"
)

// partitionSpan is the number of records grouped under one anchor partition
// for accounting purposes, loosely mirroring the teacher's fixed-size
// value-file pages.
const partitionSpan = 256

// snapshot is an immutable, sorted run of live records (tombstones included,
// so a later snapshot can still shadow an older one's key during merge).
type snapshot struct {
	refs    int32 // atomic
	records []kv.Record
	anchors []zone.Anchor
}

func newSnapshot(records []kv.Record) *snapshot {
	s := &snapshot{records: records, refs: 1}
	for i := 0; i < len(records); i += partitionSpan {
		s.anchors = append(s.anchors, zone.Anchor{Key: records[i].Key})
	}
	return s
}

func (s *snapshot) Ref()   { atomic.AddInt32(&s.refs, 1) }
func (s *snapshot) Unref() { atomic.AddInt32(&s.refs, -1) }

func (s *snapshot) search(key []byte) int {
	return sort.Search(len(s.records), func(i int) bool {
		return bytes.Compare(s.records[i].Key, key) >= 0
	})
}

func (s *snapshot) GetTS(kref kv.KeyRef) (kv.Record, bool) {
	i := s.search(kref.Key)
	if i < len(s.records) && bytes.Equal(s.records[i].Key, kref.Key) {
		return s.records[i], true
	}
	return kv.Record{}, false
}

func (s *snapshot) ProbeTS(kref kv.KeyRef) bool {
	r, ok := s.GetTS(kref)
	return ok && !r.Tombstone
}

func (s *snapshot) Anchors() []zone.Anchor {
	return s.anchors
}

func (s *snapshot) NewIterator() zone.OrderedIterator {
	return &snapshotIterator{s: s}
}

type snapshotIterator struct {
	s   *snapshot
	pos int
}

func (it *snapshotIterator) Seek(key []byte) {
	it.pos = it.s.search(key)
}

func (it *snapshotIterator) Valid() bool {
	return it.pos < len(it.s.records)
}

func (it *snapshotIterator) Record() kv.Record {
	return it.s.records[it.pos]
}

func (it *snapshotIterator) Next() {
	it.pos++
}

// Manager is the reference zone.Manager implementation.
type Manager struct {
	dir         string
	compactKeys bool
	tags        bool

	mu      sync.Mutex
	current *snapshot
	version uint64 // atomic

	logfp *os.File

	writes uint64 // atomic
	reads  uint64 // atomic
}

// Open creates a fresh, empty zone rooted at dir. dir must already exist;
// the core owns WAL files there but the zone owns everything else.
func Open(dir string, cacheMB int, compactKeys, tags bool) (*Manager, error) {
	logfp, err := os.OpenFile(filepath.Join(dir, "zone.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:         dir,
		compactKeys: compactKeys,
		tags:        tags,
		current:     newSnapshot(nil),
		logfp:       logfp,
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.logfp.Close()
}

func (m *Manager) Version() uint64 {
	return atomic.LoadUint64(&m.version)
}

func (m *Manager) LogFD() *os.File {
	return m.logfp
}

func (m *Manager) GetSnapshot() zone.Snapshot {
	m.mu.Lock()
	s := m.current
	s.Ref()
	m.mu.Unlock()
	return s
}

func (m *Manager) PutSnapshot(s zone.Snapshot) {
	s.Unref()
}

func (m *Manager) Stats() (writes, reads uint64) {
	return atomic.LoadUint64(&m.writes), atomic.LoadUint64(&m.reads)
}

// Compact merges the current snapshot with iter (the sealed IMT's records,
// already in key order) into a new snapshot, replacing it atomically.
// Partitions whose merged byte size exceeds maxRejectBytes are reported
// rejected through Anchors: the new snapshot keeps only the previous
// snapshot's records in that key range, and the caller reinserts iter's
// records for the range into the live write path (spec.md §4.5 step 6).
func (m *Manager) Compact(iter zone.MergeIterator, workers, coPerWorker int, maxRejectBytes uint64) error {
	m.mu.Lock()
	old := m.current
	old.Ref()
	m.mu.Unlock()
	defer old.Unref()

	merged := mergeRecords(old.records, iter)

	var accepted []kv.Record
	var anchors []zone.Anchor
	for i := 0; i < len(merged); i += partitionSpan {
		end := i + partitionSpan
		if end > len(merged) {
			end = len(merged)
		}
		part := merged[i:end]
		var size uint64
		for _, r := range part {
			size += uint64(r.CombinedSize())
		}
		rejected := maxRejectBytes > 0 && size > maxRejectBytes
		anchors = append(anchors, zone.Anchor{Key: part[0].Key, Rejected: rejected})
		if !rejected {
			accepted = append(accepted, part...)
		} else {
			lo, hi := old.search(part[0].Key), len(old.records)
			if end < len(merged) {
				hi = old.search(merged[end].Key)
			}
			accepted = append(accepted, old.records[lo:hi]...)
		}
		atomic.AddUint64(&m.writes, size)
	}

	next := newSnapshot(accepted)
	next.anchors = anchors

	m.mu.Lock()
	m.current = next
	atomic.AddUint64(&m.version, 1)
	m.mu.Unlock()
	return nil
}

// mergeRecords merges old (already sorted, possibly containing tombstones)
// with iter (also sorted); iter's records win ties since they are newer.
func mergeRecords(old []kv.Record, iter zone.MergeIterator) []kv.Record {
	merged := make([]kv.Record, 0, len(old))
	i := 0
	for iter.Valid() {
		r := iter.Record()
		for i < len(old) && bytes.Compare(old[i].Key, r.Key) < 0 {
			merged = append(merged, old[i])
			i++
		}
		if i < len(old) && bytes.Equal(old[i].Key, r.Key) {
			i++
		}
		merged = append(merged, r)
		iter.Next()
	}
	merged = append(merged, old[i:]...)
	return merged
}

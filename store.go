package remixdb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Kevin-Yang1/remixdb/kv"
	"github.com/Kevin-Yang1/remixdb/memindex"
	"github.com/Kevin-Yang1/remixdb/qsbr"
	"github.com/Kevin-Yang1/remixdb/zone"
)

// MergeFunc is the user callback for Store.Merge; see memindex.MergeFunc.
type MergeFunc = memindex.MergeFunc

// RefStats are the per-Ref operation counters supplemented from
// original_source/kv.c's ref-local hit/miss bookkeeping (SPEC_FULL.md §13).
type RefStats struct {
	Gets         uint64
	Probes       uint64
	Puts         uint64
	Dels         uint64
	Merges       uint64
	MergeRetries uint64
}

// Ref is a thread/goroutine-local handle registered with QSBR, holding an
// active memtable view and a zone snapshot (spec.md §3's lifecycle table
// and §4.7). Callers must call Unref when done; a Ref is not safe for
// concurrent use from more than one goroutine.
type Ref struct {
	store *Store
	qref  *qsbr.Ref
	view  *view
	snap  zone.Snapshot
	stats RefStats
}

// Stats returns a copy of this ref's operation counters.
func (r *Ref) Stats() RefStats {
	return r.stats
}

// refresh reacquires the current view/snapshot pair if a compaction rotated
// them since r's last operation, and always reports r's qstate as caught up
// to the version counter observed right now. Every public Store method
// other than NewIterator is a self-contained critical section with no
// pointer surviving past its own return, so such a ref never holds anything
// older than the version it reports here (spec.md §4.4's "a ref's quiescent point is any operation boundary").
func (r *Ref) refresh() {
	v := r.store.curView.Load()
	if v != r.view {
		if r.snap != nil {
			r.store.zone.PutSnapshot(r.snap)
		}
		r.view = v
		r.snap = r.store.zone.GetSnapshot()
	}
	r.store.qsbr.Update(r.qref, atomic.LoadUint64(&r.store.versionCounter))
}

// park reports r quiescent (spec.md §5: "advanced past the target version,
// or parked"). Every self-contained operation (Get/Probe/Put/Del/Merge/
// Sync) parks on return, since nothing it did survives past the call; a
// ref idle between calls never blocks a compaction's quiesce wait. An
// iterator obtained from NewIterator is the one exception: it holds leaf
// pointers across calls, so the ref backing it must stay resumed — and
// therefore able to stall a quiesce wait — for as long as the caller keeps
// driving that iterator.
func (r *Ref) park() {
	r.store.qsbr.Park(r.qref)
}

// Store is the top-level embedded key-value store (spec.md §4.7/C7).
type Store struct {
	dir string
	cfg *Config

	// mu is the single store-wide spinlock (spec.md §5): it protects WAL
	// append/flush state and the view-rotation pointer swap. Critical
	// sections held under it never perform the memtable merge itself.
	mu sync.Mutex

	curView atomic.Pointer[view]
	views   *viewRing

	versionCounter uint64 // atomic; also the QSBR epoch source

	wal  *WAL
	qsbr *qsbr.QSBR
	zone zone.Manager

	compactSignal chan struct{}
	shutdown      chan struct{}
	compactDone   chan struct{}
	closeOnce     sync.Once
}

// Open opens or creates a store rooted at cfg.Dir, replaying any existing
// WAL files (spec.md §4.8) and wiring zm as the zone manager. The caller
// owns zm's lifecycle up to the point it is handed here; Store.Close closes
// it.
func Open(cfg *Config, zm zone.Manager) (*Store, error) {
	cfg = resolveConfig(cfg)

	wal, err := openWAL(cfg.Dir, int64(cfg.WALMB)*1<<20, cfg.LogError)
	if err != nil {
		return nil, fmt.Errorf("remixdb: open wal: %w", err)
	}

	mtA := memindex.New()
	mtB := memindex.New()

	s := &Store{
		dir:           cfg.Dir,
		cfg:           cfg,
		wal:           wal,
		zone:          zm,
		views:         newViewRing(mtA, mtB),
		compactSignal: make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
		compactDone:   make(chan struct{}),
	}
	for _, mt := range [2]*memindex.Index{mtA, mtB} {
		mt.NextVersion = s.nextVersion
		mt.Quiesce = s.quiesce
	}

	shards, shardCap := cfg.QSBRShards, cfg.QSBRShardCapacity
	var opts []qsbr.Option
	if shards > 0 {
		opts = append(opts, qsbr.OptShards(shards))
	}
	if shardCap > 0 {
		opts = append(opts, qsbr.OptShardCapacity(shardCap))
	}
	s.qsbr = qsbr.New(opts...)

	if err := s.recover(); err != nil {
		wal.close()
		return nil, err
	}

	go s.compactionLoop()
	return s, nil
}

func (s *Store) nextVersion() uint64 {
	return atomic.AddUint64(&s.versionCounter, 1)
}

func (s *Store) quiesce(v uint64) {
	s.qsbr.Wait(v)
}

// Close stops the compaction worker and releases the WAL and zone manager.
// It is the caller's responsibility to have quiesced all live Refs first
// (spec.md §7): Close is not safe to call concurrently with live operations.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		<-s.compactDone
	})
	if err := s.zone.Close(); err != nil {
		return err
	}
	return s.wal.close()
}

// NewRef registers a new reference with the store (spec.md §4.7's ref()).
func (s *Store) NewRef() (*Ref, error) {
	qref, err := s.qsbr.Register(atomic.LoadUint64(&s.versionCounter))
	if err != nil {
		return nil, err
	}
	r := &Ref{store: s, qref: qref}
	r.refresh()
	r.park()
	return r, nil
}

// Unref releases r, deregistering it from QSBR and releasing its zone
// snapshot.
func (s *Store) Unref(r *Ref) {
	if r.snap != nil {
		s.zone.PutSnapshot(r.snap)
	}
	s.qsbr.Unregister(r.qref)
}

func (s *Store) lookup(v *view, snap zone.Snapshot, kref kv.KeyRef) (kv.Record, bool) {
	if rec, ok := v.wmt.Get(kref); ok {
		return rec, true
	}
	if v.imt != nil {
		if rec, ok := v.imt.Get(kref); ok {
			return rec, true
		}
	}
	if snap != nil {
		if rec, ok := snap.GetTS(kref); ok {
			return rec, true
		}
	}
	return kv.Record{}, false
}

// Get fills value, reporting whether key is present and not tombstoned.
// The error return is reserved for ErrDisabled (store closed/closing); a
// plain absent key is (nil, false, nil), never an error (spec.md §7:
// "NotFound is not an error").
func (s *Store) Get(r *Ref, key []byte) ([]byte, bool, error) {
	if s.closing() {
		return nil, false, ErrDisabled
	}
	r.refresh()
	defer r.park()
	r.stats.Gets++
	rec, found := s.lookup(r.view, r.snap, kv.NewKeyRef(key))
	if !found || rec.Tombstone {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Probe reports whether key is present and not tombstoned, without
// returning its value. See Get for the error contract.
func (s *Store) Probe(r *Ref, key []byte) (bool, error) {
	if s.closing() {
		return false, ErrDisabled
	}
	r.refresh()
	defer r.park()
	r.stats.Probes++
	rec, found := s.lookup(r.view, r.snap, kv.NewKeyRef(key))
	return found && !rec.Tombstone, nil
}

func (s *Store) closing() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// write appends rec to the WAL and merges it into the writable memtable,
// retrying if a compaction rotated the view out from under it (spec.md
// §4.7: "a writer whose merge callback observes that cur_view has changed
// returns a sentinel; the top-level retries on a newly refreshed view").
func (s *Store) write(r *Ref, rec kv.Record) {
	for {
		r.refresh()
		v := r.view
		s.mu.Lock()
		if s.curView.Load() != v {
			s.mu.Unlock()
			continue
		}
		if err := s.wal.append(rec); err != nil {
			s.mu.Unlock()
			panic(fmt.Errorf("remixdb: wal append: %w", err))
		}
		s.mu.Unlock()
		v.wmt.Put(rec)
		return
	}
}

// Put inserts or replaces key/value, returning false without writing
// anything if the combined size exceeds the limit (spec.md §7
// UserInputTooLarge).
func (s *Store) Put(r *Ref, key, value []byte) bool {
	if kv.TooLarge(key, value) {
		return false
	}
	defer r.park()
	s.write(r, kv.NewRecord(key, value))
	r.stats.Puts++
	return true
}

// Del marks key deleted, returning whether it was present and live
// immediately beforehand.
func (s *Store) Del(r *Ref, key []byte) bool {
	defer r.park()
	r.refresh()
	rec, found := s.lookup(r.view, r.snap, kv.NewKeyRef(key))
	existed := found && !rec.Tombstone
	s.write(r, kv.NewTombstone(key))
	r.stats.Dels++
	return existed
}

// Merge performs an atomic read-modify-write against key. The read, fn, and
// the resulting put/del all happen inside a single v.wmt.Merge call, which
// holds the key's leaf lock across all three (memindex/memindex.go's
// Merge), so two concurrent Merge calls against the same key can never both
// read the same cur and both write, unlike a separate lookup-then-put
// (spec.md §8 scenario 6, §4.2's per-key atomicity guarantee). fn may still
// be invoked more than once if a leaf split forces memindex to retry, and
// must be pure with respect to its return value (spec.md §9). The store
// spinlock is taken only around the WAL append and the view-version check,
// exactly as for every other writer (spec.md §4.7), never around the
// memtable merge itself.
func (s *Store) Merge(r *Ref, key []byte, fn MergeFunc) bool {
	defer r.park()
	kref := kv.NewKeyRef(key)
	for {
		r.refresh()
		v := r.view
		snap := r.snap

		var rec kv.Record
		var applied bool
		v.wmt.Merge(kref, func(wmtCur kv.Record, wmtOK bool) (kv.Record, bool) {
			cur, found := wmtCur, wmtOK
			if !found && v.imt != nil {
				cur, found = v.imt.Get(kref)
			}
			if !found && snap != nil {
				cur, found = snap.GetTS(kref)
			}
			ok := found && !cur.Tombstone
			if !ok {
				cur = kv.Record{}
			}
			repl, ok2 := fn(cur, ok)
			applied = ok2
			if ok2 {
				rec = kv.NewRecord(key, repl.Value)
			} else {
				rec = kv.NewTombstone(key)
			}
			return repl, ok2
		})

		s.mu.Lock()
		if s.curView.Load() != v {
			s.mu.Unlock()
			r.stats.MergeRetries++
			continue
		}
		if err := s.wal.append(rec); err != nil {
			s.mu.Unlock()
			panic(fmt.Errorf("remixdb: wal append: %w", err))
		}
		s.mu.Unlock()
		r.stats.Merges++
		return applied
	}
}

// Sync flushes and fsyncs the WAL, returning the store version made durable
// by this call (SPEC_FULL.md §13, from original_source/xdb.c's kv_sync).
func (s *Store) Sync(r *Ref) uint64 {
	r.refresh()
	defer r.park()
	s.mu.Lock()
	s.wal.flushSyncWait()
	s.mu.Unlock()
	return atomic.LoadUint64(&s.versionCounter)
}

// NewIterator builds a merging iterator over r's current view plus zone
// snapshot, honoring tombstones (spec.md §4.6).
func (s *Store) NewIterator(r *Ref) *LiveIterator {
	r.refresh()
	var sources []mergeSource
	sources = append(sources, r.snap.NewIterator())
	if r.view.imt != nil {
		sources = append(sources, memindex.NewIterator(r.view.imt))
	}
	sources = append(sources, memindex.NewIterator(r.view.wmt))
	li := NewLiveIterator(NewMergeIterator(sources...))
	li.ref = r
	return li
}

// Package qsbr implements quiescent-state based reclamation: a writer can
// wait until every currently registered reader has either advanced past a
// target version, unregistered, or parked.
//
// The registration table is sharded into fixed-size buckets keyed by a hash
// of the *Ref address, each an open-addressed slot array with occupancy
// tracked alongside the slot. A per-shard mutex serializes Wait against
// concurrent Register/Unregister the way the teacher's valuelocmap shards
// its buckets behind per-bucket sync.RWMutex instead of one global lock.
package qsbr

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrCapacityExceeded is returned by Register when the ref's shard is full.
// Shards should be sized so this is unreachable in practice.
var ErrCapacityExceeded = errors.New("qsbr: capacity exceeded")

// parked is stored in Ref.qstate while parked; it compares greater than any
// real version so a waiter treats a parked ref as having satisfied any
// target.
const parked = ^uint64(0)

// Ref is a per-thread (or per-goroutine) registration handle.
type Ref struct {
	qstate uint64
	shard  uint32
	slot   uint32
	inUse  uint32
}

type slot struct {
	occupied uint32
	ref      *Ref
}

type shard struct {
	mu    sync.Mutex
	slots []slot
}

// QSBR is the registration table and wait coordinator.
type QSBR struct {
	shards   []shard
	shardCap int
}

// Option configures a QSBR instance.
type Option func(*config)

type config struct {
	numShards int
	shardCap  int
}

// OptShards sets the number of registration shards. Defaults to 64.
func OptShards(n int) Option {
	return func(c *config) { c.numShards = n }
}

// OptShardCapacity sets the number of slots per shard. Defaults to 256.
func OptShardCapacity(n int) Option {
	return func(c *config) { c.shardCap = n }
}

// New creates a QSBR instance ready for Register calls.
func New(opts ...Option) *QSBR {
	cfg := &config{numShards: 64, shardCap: 256}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.numShards < 1 {
		cfg.numShards = 1
	}
	if cfg.shardCap < 1 {
		cfg.shardCap = 1
	}
	q := &QSBR{
		shards:   make([]shard, cfg.numShards),
		shardCap: cfg.shardCap,
	}
	for i := range q.shards {
		q.shards[i].slots = make([]slot, cfg.shardCap)
	}
	return q
}

func addrHash(p unsafe.Pointer) uint64 {
	x := uint64(uintptr(p))
	// MurmurHash3's fmix64 finalizer over the pointer value to spread
	// shard/slot selection.
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Register creates and registers a new Ref at the given starting version.
func (q *QSBR) Register(version uint64) (*Ref, error) {
	r := &Ref{qstate: version}
	h := addrHash(unsafe.Pointer(r))
	shardIdx := uint32(h % uint64(len(q.shards)))
	sh := &q.shards[shardIdx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	start := uint32(h>>32) % uint32(len(sh.slots))
	for i := uint32(0); i < uint32(len(sh.slots)); i++ {
		idx := (start + i) % uint32(len(sh.slots))
		if atomic.LoadUint32(&sh.slots[idx].occupied) == 0 {
			sh.slots[idx].ref = r
			atomic.StoreUint32(&sh.slots[idx].occupied, 1)
			r.shard = shardIdx
			r.slot = idx
			r.inUse = 1
			return r, nil
		}
	}
	return nil, ErrCapacityExceeded
}

// Unregister removes the ref from its shard. It is a programmer error to
// unregister a ref twice or one that was never registered; callers that do
// so get a false return rather than a panic since the reclamation table is
// advisory bookkeeping, not a safety-critical structure.
func (q *QSBR) Unregister(r *Ref) bool {
	if r == nil || atomic.SwapUint32(&r.inUse, 0) == 0 {
		return false
	}
	sh := &q.shards[r.shard]
	sh.mu.Lock()
	sh.slots[r.slot].ref = nil
	atomic.StoreUint32(&sh.slots[r.slot].occupied, 0)
	sh.mu.Unlock()
	return true
}

// Update records that r has reached version. Called by the owning
// goroutine only.
func (q *QSBR) Update(r *Ref, version uint64) {
	atomic.StoreUint64(&r.qstate, version)
}

// Park marks r as temporarily quiescent; any concurrent Wait treats it as
// satisfied regardless of target version.
func (q *QSBR) Park(r *Ref) {
	atomic.StoreUint64(&r.qstate, parked)
}

// Resume reinstates r at version after a Park.
func (q *QSBR) Resume(r *Ref, version uint64) {
	atomic.StoreUint64(&r.qstate, version)
}

// Wait blocks until every ref currently registered has either stored a
// qstate >= target since Wait began, unregistered, or parked.
func (q *QSBR) Wait(target uint64) {
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		for j := range sh.slots {
			for {
				if atomic.LoadUint32(&sh.slots[j].occupied) == 0 {
					break
				}
				ref := sh.slots[j].ref
				if ref == nil {
					break
				}
				st := atomic.LoadUint64(&ref.qstate)
				if st == parked || st >= target {
					break
				}
				sh.mu.Unlock()
				runtime.Gosched()
				sh.mu.Lock()
				// Slot may have been vacated while unlocked; re-check.
				if atomic.LoadUint32(&sh.slots[j].occupied) == 0 {
					break
				}
			}
		}
		sh.mu.Unlock()
	}
}

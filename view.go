package remixdb

import "github.com/Kevin-Yang1/remixdb/memindex"

// viewState is one of the four states in spec.md §3/§4.4's memtable-pair
// ring: S0 -> S1 -> S2 -> S3 -> S0.
type viewState int

const (
	viewS0 viewState = iota
	viewS1
	viewS2
	viewS3
)

// view names which memtable is currently writable (wmt) and which, if any,
// is sealed awaiting compaction (imt). Views are immutable; rotation
// replaces the ring's current pointer rather than mutating a view in place,
// so a Ref can safely hold a *view across an unbounded span of reads.
type view struct {
	wmt   *memindex.Index
	imt   *memindex.Index
	state viewState
}

// viewRing owns the two memtable instances and computes each view's
// successor (spec.md §4.4). The atomic pointer naming the current view is
// Store.curView; only the compaction driver advances it to next(), and only
// while holding the store spinlock.
type viewRing struct {
	mtA, mtB *memindex.Index
}

func newViewRing(mtA, mtB *memindex.Index) *viewRing {
	return &viewRing{mtA: mtA, mtB: mtB}
}

func (vr *viewRing) initial() *view {
	return &view{wmt: vr.mtA, state: viewS0}
}

// next returns the view that follows cur in the ring, per spec.md §4.4's
// table:
//
//	S0 = { w: A, i: -   }   S1 = { w: B, i: A }
//	S2 = { w: B, i: -   }   S3 = { w: A, i: B }
func (vr *viewRing) next(cur *view) *view {
	switch cur.state {
	case viewS0:
		return &view{wmt: vr.mtB, imt: vr.mtA, state: viewS1}
	case viewS1:
		return &view{wmt: vr.mtB, state: viewS2}
	case viewS2:
		return &view{wmt: vr.mtA, imt: vr.mtB, state: viewS3}
	case viewS3:
		return &view{wmt: vr.mtA, state: viewS0}
	default:
		panic("remixdb: invalid view state")
	}
}

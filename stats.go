package remixdb

import (
	"fmt"

	"github.com/gholt/brimtext"
)

// StoreStats is the store's memtable, WAL and zone accounting, gathered on
// demand; the compactor does not log it (SPEC_FULL.md §11, grounded on
// ValuesStoreStats).
type StoreStats struct {
	extended bool

	wmtBytes     int64
	imtBytes     int64
	walWoff      int64
	walMaxSize   int64
	zoneVersion  uint64
	zoneWrites   uint64
	zoneReads    uint64
	writeAmp     float64
	readAmp      float64

	// topologyVersion/topologyReplicas are read from cfg.Topology.Ring()
	// the way grouppullreplication_GEN_.go reads vs.msgRing.Ring() before
	// computing which partitions this node owns. Zero when Topology is nil.
	topologyVersion  int64
	topologyReplicas int
}

// GatherStats snapshots the store's current accounting. extended requests
// the fuller breakdown, mirroring ValuesStore.GatherStats(extended bool).
func (s *Store) GatherStats(extended bool) *StoreStats {
	v := s.curView.Load()
	writes, reads := s.zone.Stats()
	st := &StoreStats{
		extended:    extended,
		wmtBytes:    v.wmt.ByteSize(),
		walWoff:     s.wal.Woff(),
		walMaxSize:  s.wal.MaxSize(),
		zoneVersion: s.zone.Version(),
		zoneWrites:  writes,
		zoneReads:   reads,
	}
	if v.imt != nil {
		st.imtBytes = v.imt.ByteSize()
	}
	if writes > 0 {
		st.writeAmp = float64(writes) / float64(st.wmtBytes+st.imtBytes+1)
	}
	if reads > 0 {
		st.readAmp = float64(reads) / float64(writes+1)
	}
	if s.cfg.Topology != nil {
		if r := s.cfg.Topology.Ring(); r != nil {
			st.topologyVersion = r.Version()
			st.topologyReplicas = r.ReplicaCount()
		}
	}
	return st
}

// String renders the stats as an aligned two-column table, the way
// ValuesStoreStats.String renders via brimtext.Align.
func (st *StoreStats) String() string {
	rows := [][]string{
		{"wmtBytes", fmt.Sprintf("%d", st.wmtBytes)},
		{"imtBytes", fmt.Sprintf("%d", st.imtBytes)},
		{"zoneVersion", fmt.Sprintf("%d", st.zoneVersion)},
	}
	if st.extended {
		rows = append(rows,
			[]string{"walWoff", fmt.Sprintf("%d", st.walWoff)},
			[]string{"walMaxSize", fmt.Sprintf("%d", st.walMaxSize)},
			[]string{"zoneWrites", fmt.Sprintf("%d", st.zoneWrites)},
			[]string{"zoneReads", fmt.Sprintf("%d", st.zoneReads)},
			[]string{"writeAmp", fmt.Sprintf("%.2f", st.writeAmp)},
			[]string{"readAmp", fmt.Sprintf("%.2f", st.readAmp)},
		)
		if st.topologyVersion != 0 {
			rows = append(rows,
				[]string{"topologyVersion", fmt.Sprintf("%d", st.topologyVersion)},
				[]string{"topologyReplicas", fmt.Sprintf("%d", st.topologyReplicas)},
			)
		}
	}
	return brimtext.Align(rows, nil)
}

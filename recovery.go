package remixdb

import (
	"fmt"

	"github.com/Kevin-Yang1/remixdb/memindex"
)

// recover implements spec.md §4.8 (C8): it decides which of the two WAL
// files (if either) holds unreplayed writes, replays them into MT_A, and
// leaves the store ready to begin normal operation at view S0.
func (s *Store) recover() error {
	mtA := s.views.mtA

	v0, err := s.wal.readVersion(0)
	if err != nil {
		return fmt.Errorf("remixdb: read wal1 version: %w", err)
	}
	v1, err := s.wal.readVersion(1)
	if err != nil {
		return fmt.Errorf("remixdb: read wal2 version: %w", err)
	}

	switch {
	case v0 == 0 && v1 == 0:
		if err := s.wal.beginFresh(s.zone.Version() + 1); err != nil {
			return fmt.Errorf("remixdb: begin fresh wal: %w", err)
		}

	case v0 > 0 && v1 == 0:
		if err := s.wal.replay(0, mtA); err != nil {
			return fmt.Errorf("remixdb: replay wal1: %w", err)
		}
		s.wal.truncate(0)
		if err := s.wal.beginFresh(v0 + 1); err != nil {
			return fmt.Errorf("remixdb: begin fresh wal: %w", err)
		}

	case v0 == 0 && v1 > 0:
		s.wal.selectCurrent(1)
		if err := s.wal.replay(0, mtA); err != nil {
			return fmt.Errorf("remixdb: replay wal2: %w", err)
		}
		s.wal.truncate(0)
		if err := s.wal.beginFresh(v1 + 1); err != nil {
			return fmt.Errorf("remixdb: begin fresh wal: %w", err)
		}

	default:
		// Both nonzero: the previous run crashed mid-rotation. Replay the
		// older file first so the newer one's records correctly shadow it,
		// then fold the combined memtable into the zone immediately with
		// max_reject=0 so nothing can be rejected back into a WAL that is
		// about to be truncated out from under it.
		olderIdx, newerIdx := 0, 1
		if v1 < v0 {
			olderIdx, newerIdx = 1, 0
		}
		if err := s.wal.replay(olderIdx, mtA); err != nil {
			return fmt.Errorf("remixdb: replay older wal: %w", err)
		}
		if err := s.wal.replay(newerIdx, mtA); err != nil {
			return fmt.Errorf("remixdb: replay newer wal: %w", err)
		}

		iter := memindex.NewIterator(mtA)
		iter.Seek(nil)
		if err := s.zone.Compact(iter, s.cfg.Workers, s.cfg.CoPerWorker, 0); err != nil {
			return fmt.Errorf("remixdb: recovery compaction: %w", err)
		}
		mtA.Clean()

		s.wal.truncate(0)
		s.wal.truncate(1)
		if err := s.wal.beginFresh(s.zone.Version() + 1); err != nil {
			return fmt.Errorf("remixdb: begin fresh wal: %w", err)
		}
	}

	s.curView.Store(s.views.initial())
	return nil
}

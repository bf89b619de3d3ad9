package wal

import (
	"errors"
	"io"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
)

// ApplyFunc receives a decoded page update during recovery
type ApplyFunc func(rec UpdateRecord) error

// RecoveryStats reports what a recovery pass did
type RecoveryStats struct {
	ScannedRecords int
	AppliedRecords int
	UndoneRecords  int
	CommitLsn      page.Lsn
	LastLsn        page.Lsn
}

// Recover replays the log against the data file. Records at or below
// the highest durable commit LSN are redone in order using their
// after-images; records past it are undone in reverse using their
// before-images, erasing uncommitted writes that may have reached the
// data file through dirty eviction. The scan stops at the first torn
// or corrupt frame, discarding the tail.
func Recover(e env.Env, prefix string, redo, undo ApplyFunc) (RecoveryStats, error) {
	var stats RecoveryStats

	reader, err := NewReader(e, prefix)
	if err != nil {
		return stats, err
	}

	var updates []scanRecord
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.ScannedRecords++
		if rec.lsn > stats.LastLsn {
			stats.LastLsn = rec.lsn
		}
		if rec.commit {
			stats.CommitLsn = rec.lsn
		} else {
			updates = append(updates, rec)
		}
	}

	for _, rec := range updates {
		if rec.lsn > stats.CommitLsn {
			continue
		}
		update, err := decodePayload(rec.lsn, rec.payload)
		if err != nil {
			return stats, err
		}
		if err := redo(update); err != nil {
			return stats, err
		}
		stats.AppliedRecords++
	}

	for i := len(updates) - 1; i >= 0; i-- {
		rec := updates[i]
		if rec.lsn <= stats.CommitLsn {
			break
		}
		update, err := decodePayload(rec.lsn, rec.payload)
		if err != nil {
			return stats, err
		}
		if err := undo(update); err != nil {
			return stats, err
		}
		stats.UndoneRecords++
	}

	return stats, nil
}

// RemoveAllSegments deletes every segment sharing prefix. Called once
// recovery has made the data file consistent and durable, at which
// point the log's history is obsolete.
func RemoveAllSegments(e env.Env, prefix string) error {
	segments, err := listSegments(e, prefix)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if err := e.Remove(seg.path); err != nil {
			return err
		}
	}
	return nil
}

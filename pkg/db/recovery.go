// ABOUTME: Open-time recovery coordinator
// ABOUTME: Replays committed WAL records, undoes uncommitted ones, rewrites the header

package db

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
	"github.com/nainya/calicodb/pkg/wal"
)

// recover restores the last committed state of an existing data file:
// read and validate the header, redo committed WAL records, undo
// uncommitted ones, rewrite the header, sync, and retire the log
func (d *DB) recover() error {
	hdr, hdrErr := d.readHeader(d.opts.PageSize)
	if hdrErr != nil {
		// A torn root-page write can leave the header invalid while
		// the log still holds the bytes to repair it
		if !status.IsCorruption(hdrErr) {
			return hdrErr
		}
		if ok, err := wal.HasSegments(d.env, d.opts.WalPrefix); err != nil || !ok {
			return hdrErr
		}
		hdr.pageSize = d.opts.PageSize
	}
	pageSize := hdr.pageSize

	redo := func(rec wal.UpdateRecord) error {
		base := int64(rec.PageId-1) * int64(pageSize)
		for _, e := range rec.Entries {
			if _, err := d.file.WriteAt(e.After, base+int64(e.Offset)); err != nil {
				return err
			}
		}
		if !rec.PageId.IsRoot() {
			var lsn [page.LsnSlot]byte
			binary.LittleEndian.PutUint64(lsn[:], uint64(rec.Lsn))
			if _, err := d.file.WriteAt(lsn[:], base); err != nil {
				return err
			}
		}
		return nil
	}
	undo := func(rec wal.UpdateRecord) error {
		base := int64(rec.PageId-1) * int64(pageSize)
		for _, e := range rec.Entries {
			if _, err := d.file.WriteAt(e.Before, base+int64(e.Offset)); err != nil {
				return err
			}
		}
		return nil
	}

	stats, err := wal.Recover(d.env, d.opts.WalPrefix, redo, undo)
	if err != nil {
		return err
	}

	// The replay may have rewritten any header field
	hdr, err = d.readHeader(pageSize)
	if err != nil {
		return err
	}
	d.header = hdr

	if stats.ScannedRecords > 0 {
		d.metrics.RecoveriesTotal.Inc()
		d.log.LogRecovery(stats.ScannedRecords, stats.AppliedRecords,
			stats.UndoneRecords, uint64(stats.CommitLsn))
	}
	if stats.CommitLsn > d.header.commitLsn {
		d.header.commitLsn = stats.CommitLsn
	}
	// Undone records burned LSNs past the last commit; the writer must
	// not hand them out again
	d.walStart = d.header.commitLsn
	if stats.LastLsn > d.walStart {
		d.walStart = stats.LastLsn
	}

	// Persist the recovered state before the log is retired
	buf := make([]byte, headerSize)
	if _, err := d.file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	d.header.encode(buf)
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return err
	}

	// Drop any tail the data file grew past the committed page count
	if size, err := d.file.Size(); err == nil {
		if committed := int64(d.header.pageCount) * int64(pageSize); size > committed {
			if err := d.env.Resize(d.path, committed); err != nil {
				return err
			}
		}
	}

	if d.opts.SyncMode != SyncNone {
		if err := d.file.Sync(); err != nil {
			return err
		}
	}
	return wal.RemoveAllSegments(d.env, d.opts.WalPrefix)
}

// readHeader loads and validates the header prefix of the root page
func (d *DB) readHeader(fallbackPageSize int) (fileHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := d.file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return fileHeader{pageSize: fallbackPageSize}, err
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return fileHeader{pageSize: fallbackPageSize}, err
	}
	return hdr, nil
}

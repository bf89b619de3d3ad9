package wal

import (
	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
)

// Options configures a log writer
type Options struct {
	// Env is the storage environment segments live in
	Env env.Env

	// Prefix is the shared path prefix of all segment files
	Prefix string

	// SegmentSize is the roll threshold; DefaultSegmentSize if zero
	SegmentSize int64

	// StartLsn is the LSN preceding the first record this writer will
	// append; the first appended record gets StartLsn+1
	StartLsn page.Lsn
}

// Stats is a snapshot of writer activity counters
type Stats struct {
	RecordsWritten  uint64
	BytesWritten    uint64
	SegmentsCreated uint64
	Syncs           uint64
}

// Writer is the append side of the log. Records are written to the
// active segment as they are logged but only become durable once
// FlushTo or Commit has synced past their LSN.
type Writer struct {
	env     env.Env
	prefix  string
	segSize int64

	file       env.File
	segPath    string
	offset     int64
	lastLsn    page.Lsn // last assigned LSN
	flushed    page.Lsn // durable through this LSN
	appended   page.Lsn // written through this LSN
	lastSegLsn page.Lsn // LSN the newest segment was named with
	stats      Stats
	closed     bool
}

// OpenWriter opens the append side of a log. The caller is expected
// to have finished recovery and removed stale segments first.
func OpenWriter(opts Options) (*Writer, error) {
	segSize := opts.SegmentSize
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	return &Writer{
		env:        opts.Env,
		prefix:     opts.Prefix,
		segSize:    segSize,
		lastLsn:    opts.StartLsn,
		flushed:    opts.StartLsn,
		lastSegLsn: opts.StartLsn,
	}, nil
}

// LastLsn returns the most recently assigned LSN
func (w *Writer) LastLsn() page.Lsn { return w.lastLsn }

// FlushedLsn returns the LSN through which the log is durable
func (w *Writer) FlushedLsn() page.Lsn { return w.flushed }

// Stats returns a snapshot of the writer's activity counters
func (w *Writer) Stats() Stats { return w.stats }

// LogUpdate appends a page update record and returns its LSN. The
// record is buffered in the active segment; it is not durable until
// the log has been flushed past the returned LSN.
func (w *Writer) LogUpdate(pid page.Id, entries []DeltaEntry) (page.Lsn, error) {
	if w.closed {
		return 0, ErrLogClosed
	}
	lsn := w.lastLsn + 1
	if err := w.appendPayload(lsn, encodePayload(UpdateRecord{PageId: pid, Entries: entries}), false); err != nil {
		return 0, err
	}
	w.lastLsn = lsn
	w.appended = lsn
	w.stats.RecordsWritten++
	return lsn, nil
}

// LogCommit appends a commit record at the next LSN without forcing
// it to disk. Used by relaxed sync modes; Commit is the durable form.
func (w *Writer) LogCommit() (page.Lsn, error) {
	if w.closed {
		return 0, ErrLogClosed
	}
	lsn := w.lastLsn + 1
	if err := w.appendPayload(lsn, nil, true); err != nil {
		return 0, err
	}
	w.lastLsn = lsn
	w.appended = lsn
	w.stats.RecordsWritten++
	return lsn, nil
}

// Commit appends a commit record at the next LSN and flushes the log
// so every record at or before it is durable.
func (w *Writer) Commit() (page.Lsn, error) {
	lsn, err := w.LogCommit()
	if err != nil {
		return 0, err
	}
	if err := w.FlushTo(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// FlushTo syncs the log so that every record with an LSN at or below
// lsn is durable
func (w *Writer) FlushTo(lsn page.Lsn) error {
	if w.closed {
		return ErrLogClosed
	}
	if lsn <= w.flushed || w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.stats.Syncs++
	w.flushed = w.appended
	return nil
}

// Cleanup removes sealed segments whose records all precede upTo.
// The active segment is never removed.
func (w *Writer) Cleanup(upTo page.Lsn) error {
	segments, err := listSegments(w.env, w.prefix)
	if err != nil {
		return err
	}
	for i, seg := range segments {
		if seg.path == w.segPath {
			continue
		}
		// A sealed segment's records end where the next one begins
		var segLast page.Lsn
		if i+1 < len(segments) {
			segLast = segments[i+1].first - 1
		} else {
			segLast = w.lastLsn
		}
		if segLast < upTo {
			if err := w.env.Remove(seg.path); err != nil && !status.IsNotFound(err) {
				return err
			}
		}
	}
	return nil
}

// Close flushes and closes the active segment
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// appendPayload frames payload into the active segment, fragmenting
// across segment boundaries when the remaining space cannot hold it
func (w *Writer) appendPayload(lsn page.Lsn, payload []byte, commit bool) error {
	if commit {
		if err := w.ensureSegment(lsn); err != nil {
			return err
		}
		return w.writeFrame(lsn, TypeCommit, nil)
	}

	written := 0
	first := true
	for {
		if err := w.ensureSegment(lsn); err != nil {
			return err
		}
		space := w.segSize - w.offset - FrameHeaderSize
		if space < 1 {
			if err := w.roll(lsn); err != nil {
				return err
			}
			continue
		}
		remaining := len(payload) - written
		chunk := remaining
		if int64(chunk) > space {
			chunk = int(space)
		}
		if chunk > MaxFragmentPayload {
			chunk = MaxFragmentPayload
		}

		var rtype RecordType
		switch {
		case first && chunk == remaining:
			rtype = TypeFull
		case first:
			rtype = TypeFirst
		case chunk == remaining:
			rtype = TypeLast
		default:
			rtype = TypeMiddle
		}
		if err := w.writeFrame(lsn, rtype, payload[written:written+chunk]); err != nil {
			return err
		}
		written += chunk
		first = false
		if written == len(payload) {
			return nil
		}
	}
}

// ensureSegment opens the active segment, rolling first if the
// current one has reached the size threshold
func (w *Writer) ensureSegment(nextLsn page.Lsn) error {
	if w.file != nil && w.offset >= w.segSize {
		return w.roll(nextLsn)
	}
	if w.file == nil {
		// A record fragmented across segments reuses its LSN for the
		// continuation segment; bump the name to keep paths unique
		// and ordered
		first := nextLsn
		if first <= w.lastSegLsn {
			first = w.lastSegLsn + 1
		}
		w.lastSegLsn = first
		w.segPath = segmentName(w.prefix, first)
		file, err := w.env.NewFile(w.segPath, env.ModeReadWrite)
		if err != nil {
			return err
		}
		w.file = file
		w.offset = 0
		w.stats.SegmentsCreated++
	}
	return nil
}

// roll seals the active segment and arranges for the next frame to
// open a fresh one
func (w *Writer) roll(nextLsn page.Lsn) error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.stats.Syncs++
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}
	return w.ensureSegment(nextLsn)
}

func (w *Writer) writeFrame(lsn page.Lsn, rtype RecordType, payload []byte) error {
	frame := encodeFrame(nil, lsn, rtype, payload)
	if _, err := w.file.WriteAt(frame, w.offset); err != nil {
		return err
	}
	w.offset += int64(len(frame))
	w.stats.BytesWritten += uint64(len(frame))
	return nil
}

package wal

import (
	"errors"
	"io"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
)

// scanRecord is one reassembled logical record
type scanRecord struct {
	lsn     page.Lsn
	commit  bool
	payload []byte
}

// Reader iterates a log's segments in LSN order, reassembling
// fragmented payloads. Scanning stops silently at the first CRC
// mismatch or truncated frame; everything beyond that point is a torn
// tail from an interrupted write. Partial payloads without their
// matching first or last fragment are dropped.
type Reader struct {
	env      env.Env
	segments []segmentInfo
	seg      int
	buf      []byte
	pos      int

	pendingLsn page.Lsn
	pending    []byte
	havePart   bool
	done       bool
}

// NewReader opens a reader over every segment sharing prefix
func NewReader(e env.Env, prefix string) (*Reader, error) {
	segments, err := listSegments(e, prefix)
	if err != nil {
		return nil, err
	}
	return &Reader{env: e, segments: segments, seg: -1}, nil
}

// Next returns the next complete logical record, or io.EOF when the
// valid portion of the log is exhausted
func (r *Reader) Next() (scanRecord, error) {
	for !r.done {
		if r.pos >= len(r.buf) {
			if err := r.nextSegment(); err != nil {
				r.done = true
				break
			}
			continue
		}
		lsn, rtype, payload, size, err := decodeFrame(r.buf[r.pos:])
		if err != nil {
			// Torn tail; discard it and everything after
			r.done = true
			break
		}
		r.pos += size

		switch rtype {
		case TypeCommit:
			r.dropPartial()
			return scanRecord{lsn: lsn, commit: true}, nil
		case TypeFull:
			r.dropPartial()
			return scanRecord{lsn: lsn, payload: append([]byte(nil), payload...)}, nil
		case TypeFirst:
			r.dropPartial()
			r.havePart = true
			r.pendingLsn = lsn
			r.pending = append(r.pending[:0], payload...)
		case TypeMiddle, TypeLast:
			if !r.havePart || lsn != r.pendingLsn {
				// Orphan continuation: the partial it belongs to was
				// torn or its opening segment already cleaned up
				r.dropPartial()
				continue
			}
			r.pending = append(r.pending, payload...)
			if rtype == TypeLast {
				r.havePart = false
				return scanRecord{lsn: lsn, payload: append([]byte(nil), r.pending...)}, nil
			}
		}
	}
	return scanRecord{}, io.EOF
}

func (r *Reader) dropPartial() {
	r.havePart = false
	r.pending = r.pending[:0]
}

// nextSegment loads the next segment file. A partial payload that is
// not continued by the next segment is dropped at the boundary.
func (r *Reader) nextSegment() error {
	r.seg++
	if r.seg >= len(r.segments) {
		return io.EOF
	}
	seg := r.segments[r.seg]

	file, err := r.env.NewFile(seg.path, env.ModeReadOnly)
	if err != nil {
		return err
	}
	defer file.Close()

	size, err := file.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	r.buf = buf
	r.pos = 0

	// Reset reassembly unless the new segment opens with the expected
	// continuation of the pending payload
	if r.havePart {
		lsn, rtype, _, _, err := decodeFrame(r.buf)
		if err != nil || lsn != r.pendingLsn || (rtype != TypeMiddle && rtype != TypeLast) {
			r.havePart = false
			r.pending = r.pending[:0]
		}
	}
	return nil
}

// Package wal implements the segmented write-ahead log: physical
// record framing, fragmentation across segments, commit fences,
// recovery scanning and segment cleanup
package wal

import "errors"

var (
	// ErrCorrupted indicates a record that fails its CRC check
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrTruncated indicates a record cut short by a torn write
	ErrTruncated = errors.New("wal: truncated record")

	// ErrFragmentOrder indicates fragments arriving out of sequence
	ErrFragmentOrder = errors.New("wal: unexpected fragment order")

	// ErrLogClosed indicates an operation on a closed log
	ErrLogClosed = errors.New("wal: log closed")
)

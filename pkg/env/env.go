// Package env abstracts the storage environment: files, directories and
// the failure points the rest of the engine must survive
package env

import "io"

// OpenMode selects how a file is opened
type OpenMode int

const (
	// ModeReadOnly opens an existing file for random reads
	ModeReadOnly OpenMode = iota

	// ModeReadWrite opens or creates a file for random reads and writes
	ModeReadWrite

	// ModeAppend opens or creates a file for appending (log files)
	ModeAppend
)

// File is a randomly addressable file handle
type File interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
	Size() (int64, error)
}

// Env is the capability set the storage core consumes. Two variants
// exist: PosixEnv over the real filesystem and MemEnv, a fully
// controllable in-memory backend used for fault injection.
type Env interface {
	// NewFile opens filename in the given mode
	NewFile(filename string, mode OpenMode) (File, error)

	// Remove deletes filename
	Remove(filename string) error

	// Rename moves oldname to newname, replacing any existing file
	Rename(oldname, newname string) error

	// Resize truncates or extends filename to size bytes
	Resize(filename string, size int64) error

	// Exists reports whether filename exists
	Exists(filename string) bool

	// FileSize returns the size of filename in bytes
	FileSize(filename string) (int64, error)

	// List returns the names of all entries under dir
	List(dir string) ([]string, error)
}

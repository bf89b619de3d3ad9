package env

import (
	"os"
	"path/filepath"

	"github.com/nainya/calicodb/pkg/status"
)

// PosixEnv implements Env over the real filesystem
type PosixEnv struct{}

// NewPosixEnv returns the default filesystem-backed environment
func NewPosixEnv() *PosixEnv {
	return &PosixEnv{}
}

type posixFile struct {
	fd *os.File
}

// NewFile opens filename in the given mode
func (e *PosixEnv) NewFile(filename string, mode OpenMode) (File, error) {
	var flags int
	switch mode {
	case ModeReadOnly:
		flags = os.O_RDONLY
	case ModeReadWrite:
		flags = os.O_RDWR | os.O_CREATE
	case ModeAppend:
		flags = os.O_RDWR | os.O_CREATE | os.O_APPEND
	default:
		return nil, status.InvalidArgument("unknown open mode %d", mode)
	}
	fd, err := os.OpenFile(filename, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFound("open %s: %s", filename, err)
		}
		return nil, status.SystemFrom("open "+filename, err)
	}
	return &posixFile{fd: fd}, nil
}

// Remove deletes filename
func (e *PosixEnv) Remove(filename string) error {
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			return status.NotFound("remove %s: %s", filename, err)
		}
		return status.SystemFrom("remove "+filename, err)
	}
	return nil
}

// Rename moves oldname to newname
func (e *PosixEnv) Rename(oldname, newname string) error {
	if err := os.Rename(oldname, newname); err != nil {
		return status.SystemFrom("rename "+oldname, err)
	}
	return nil
}

// Resize truncates or extends filename to size bytes
func (e *PosixEnv) Resize(filename string, size int64) error {
	if err := os.Truncate(filename, size); err != nil {
		return status.SystemFrom("resize "+filename, err)
	}
	return nil
}

// Exists reports whether filename exists
func (e *PosixEnv) Exists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

// FileSize returns the size of filename in bytes
func (e *PosixEnv) FileSize(filename string) (int64, error) {
	info, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, status.NotFound("stat %s: %s", filename, err)
		}
		return 0, status.SystemFrom("stat "+filename, err)
	}
	return info.Size(), nil
}

// List returns the names of all entries under dir
func (e *PosixEnv) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, status.SystemFrom("readdir "+dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, filepath.Join(dir, entry.Name()))
		}
	}
	return names, nil
}

func (f *posixFile) ReadAt(p []byte, off int64) (int, error) {
	return f.fd.ReadAt(p, off)
}

func (f *posixFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.fd.WriteAt(p, off)
	if err != nil {
		return n, status.SystemFrom("write", err)
	}
	return n, nil
}

func (f *posixFile) Sync() error {
	if err := f.fd.Sync(); err != nil {
		return status.SystemFrom("fsync", err)
	}
	return nil
}

func (f *posixFile) Close() error {
	return f.fd.Close()
}

func (f *posixFile) Size() (int64, error) {
	info, err := f.fd.Stat()
	if err != nil {
		return 0, status.SystemFrom("fstat", err)
	}
	return info.Size(), nil
}

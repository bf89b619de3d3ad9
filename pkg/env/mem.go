package env

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nainya/calicodb/pkg/status"
)

// OpKind identifies the syscall an interceptor fires on
type OpKind int

const (
	OpOpen OpKind = iota
	OpRead
	OpWrite
	OpSync
	OpRemove
	OpResize
	opKindCount
)

// Interceptor is a fault-injection hook consulted before each matching
// syscall on the in-memory env. A non-nil result aborts the syscall.
type Interceptor struct {
	Prefix string
	Kind   OpKind
	Fn     func() error
}

type memFileState struct {
	buf   []byte
	saved []byte // contents at last successful sync
}

// MemEnv implements Env entirely in memory. It is the sole
// fault-injection surface: interceptors registered on it abort
// matching syscalls, and DropAfterLastSync rolls a file back to its
// contents at the last successful Sync, simulating a torn crash.
type MemEnv struct {
	mu           sync.Mutex
	files        map[string]*memFileState
	interceptors []Interceptor
}

// NewMemEnv returns an empty in-memory environment
func NewMemEnv() *MemEnv {
	return &MemEnv{files: make(map[string]*memFileState)}
}

// AddInterceptor registers a fault-injection hook
func (e *MemEnv) AddInterceptor(prefix string, kind OpKind, fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interceptors = append(e.interceptors, Interceptor{Prefix: prefix, Kind: kind, Fn: fn})
}

// ClearInterceptors removes all registered hooks
func (e *MemEnv) ClearInterceptors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interceptors = nil
}

// Clone returns a deep copy of the environment, without interceptors
func (e *MemEnv) Clone() *MemEnv {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := NewMemEnv()
	for name, state := range e.files {
		clone.files[name] = &memFileState{
			buf:   append([]byte(nil), state.buf...),
			saved: append([]byte(nil), state.saved...),
		}
	}
	return clone
}

// DropAfterLastSync rolls filename back to its contents at the last
// successful Sync. Files never synced are rolled back to empty.
func (e *MemEnv) DropAfterLastSync(filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.files[filename]; ok {
		state.buf = append([]byte(nil), state.saved...)
	}
}

// DropAllAfterLastSync applies DropAfterLastSync to every file
func (e *MemEnv) DropAllAfterLastSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, state := range e.files {
		state.buf = append([]byte(nil), state.saved...)
	}
}

// GetFileContents returns a copy of a file's current contents
func (e *MemEnv) GetFileContents(filename string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.files[filename]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), state.buf...), true
}

// PutFileContents replaces a file's contents
func (e *MemEnv) PutFileContents(filename string, contents []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[filename] = &memFileState{buf: append([]byte(nil), contents...)}
}

func (e *MemEnv) intercept(kind OpKind, filename string) error {
	for _, itc := range e.interceptors {
		if itc.Kind == kind && strings.HasPrefix(filename, itc.Prefix) {
			if err := itc.Fn(); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewFile opens filename in the given mode
func (e *MemEnv) NewFile(filename string, mode OpenMode) (File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.intercept(OpOpen, filename); err != nil {
		return nil, err
	}
	state, ok := e.files[filename]
	if !ok {
		if mode == ModeReadOnly {
			return nil, status.NotFound("open %s: no such file", filename)
		}
		state = &memFileState{}
		e.files[filename] = state
	}
	return &memFile{name: filename, env: e, state: state, appendOnly: mode == ModeAppend}, nil
}

// Remove deletes filename
func (e *MemEnv) Remove(filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.intercept(OpRemove, filename); err != nil {
		return err
	}
	if _, ok := e.files[filename]; !ok {
		return status.NotFound("remove %s: no such file", filename)
	}
	delete(e.files, filename)
	return nil
}

// Rename moves oldname to newname
func (e *MemEnv) Rename(oldname, newname string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.files[oldname]
	if !ok {
		return status.NotFound("rename %s: no such file", oldname)
	}
	delete(e.files, oldname)
	e.files[newname] = state
	return nil
}

// Resize truncates or extends filename to size bytes
func (e *MemEnv) Resize(filename string, size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.intercept(OpResize, filename); err != nil {
		return err
	}
	state, ok := e.files[filename]
	if !ok {
		return status.NotFound("resize %s: no such file", filename)
	}
	if int64(len(state.buf)) > size {
		state.buf = state.buf[:size]
	} else {
		state.buf = append(state.buf, make([]byte, size-int64(len(state.buf)))...)
	}
	return nil
}

// Exists reports whether filename exists
func (e *MemEnv) Exists(filename string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[filename]
	return ok
}

// FileSize returns the size of filename in bytes
func (e *MemEnv) FileSize(filename string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.files[filename]
	if !ok {
		return 0, status.NotFound("stat %s: no such file", filename)
	}
	return int64(len(state.buf)), nil
}

// List returns the names of all files whose path begins with dir
func (e *MemEnv) List(dir string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name := range e.files {
		if strings.HasPrefix(name, dir) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type memFile struct {
	name       string
	env        *MemEnv
	state      *memFileState
	appendOnly bool
	closed     bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.env.mu.Lock()
	defer f.env.mu.Unlock()
	if err := f.env.intercept(OpRead, f.name); err != nil {
		return 0, err
	}
	if off >= int64(len(f.state.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.state.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.env.mu.Lock()
	defer f.env.mu.Unlock()
	if err := f.env.intercept(OpWrite, f.name); err != nil {
		return 0, err
	}
	if f.appendOnly {
		off = int64(len(f.state.buf))
	}
	end := off + int64(len(p))
	if end > int64(len(f.state.buf)) {
		f.state.buf = append(f.state.buf, make([]byte, end-int64(len(f.state.buf)))...)
	}
	copy(f.state.buf[off:], p)
	return len(p), nil
}

func (f *memFile) Sync() error {
	f.env.mu.Lock()
	defer f.env.mu.Unlock()
	if err := f.env.intercept(OpSync, f.name); err != nil {
		return err
	}
	f.state.saved = append([]byte(nil), f.state.buf...)
	return nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.env.mu.Lock()
	defer f.env.mu.Unlock()
	return int64(len(f.state.buf)), nil
}

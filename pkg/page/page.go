// Package page defines page identity, the in-frame page handle, and
// the delta tracking that feeds WAL payload compression
package page

import "encoding/binary"

// Id is a 1-based page id; 0 is the reserved null id
type Id uint64

// Null is the reserved "no page" id
const Null Id = 0

// Root is the id of the root/file-header page
const Root Id = 1

// IsNull reports whether id is the reserved null id
func (id Id) IsNull() bool { return id == Null }

// IsRoot reports whether id addresses the root/file-header page
func (id Id) IsRoot() bool { return id == Root }

// Lsn is a log sequence number, the monotone identity of a WAL record
type Lsn uint64

// LsnSlot is the number of bytes reserved at the front of every page
// for the LSN of its last logged modification
const LsnSlot = 8

// FileHeaderSize is the space the file header occupies on the root
// page, rounded up so node content starts aligned
const FileHeaderSize = 64

// ContentOffset returns the byte offset where usable content begins
// on the given page. The root page also hosts the file header.
func ContentOffset(id Id) int {
	if id.IsRoot() {
		return FileHeaderSize
	}
	return LsnSlot
}

// Page is a handle over one resident page. Read access is always
// available; Write and the typed put helpers require the handle to
// have been upgraded by the pager, which attaches the owning frame's
// delta list so every modified byte range is recorded.
type Page struct {
	id     Id
	data   []byte
	deltas *[]Delta // nil until upgraded
}

// NewView wraps buf as a read-only handle for page id
func NewView(id Id, buf []byte) *Page {
	return &Page{id: id, data: buf}
}

// Id returns the page id
func (p *Page) Id() Id { return p.id }

// Size returns the page size in bytes
func (p *Page) Size() int { return len(p.data) }

// Data exposes the full page buffer for reading
func (p *Page) Data() []byte { return p.data }

// View returns a read-only window into the page
func (p *Page) View(offset, size int) []byte {
	return p.data[offset : offset+size]
}

// Writable reports whether the handle has been upgraded
func (p *Page) Writable() bool { return p.deltas != nil }

// Attach marks the handle writable, recording modifications into
// deltas. Called by the pager on upgrade; not for general use.
func (p *Page) Attach(deltas *[]Delta) { p.deltas = deltas }

// Write copies data into the page at offset and records the delta
func (p *Page) Write(offset int, data []byte) {
	if p.deltas == nil {
		panic("write to non-writable page")
	}
	if len(data) == 0 {
		return
	}
	copy(p.data[offset:], data)
	*p.deltas = InsertDelta(*p.deltas, Delta{Offset: uint32(offset), Size: uint32(len(data))})
}

// PutU16 writes a little-endian uint16 at offset
func (p *Page) PutU16(offset int, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	p.Write(offset, buf[:])
}

// PutU32 writes a little-endian uint32 at offset
func (p *Page) PutU32(offset int, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.Write(offset, buf[:])
}

// PutU64 writes a little-endian uint64 at offset
func (p *Page) PutU64(offset int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	p.Write(offset, buf[:])
}

// U16 reads a little-endian uint16 at offset
func (p *Page) U16(offset int) uint16 {
	return binary.LittleEndian.Uint16(p.data[offset:])
}

// U32 reads a little-endian uint32 at offset
func (p *Page) U32(offset int) uint32 {
	return binary.LittleEndian.Uint32(p.data[offset:])
}

// U64 reads a little-endian uint64 at offset
func (p *Page) U64(offset int) uint64 {
	return binary.LittleEndian.Uint64(p.data[offset:])
}

// Lsn returns the LSN of the page's last logged modification
func (p *Page) Lsn() Lsn {
	return Lsn(binary.LittleEndian.Uint64(p.data[:LsnSlot]))
}

// SetLsn stamps the page with the LSN of a new modification record
func (p *Page) SetLsn(lsn Lsn) {
	var buf [LsnSlot]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(lsn))
	p.Write(0, buf[:])
}

// Zero clears the whole page except the LSN slot
func (p *Page) Zero() {
	if p.deltas == nil {
		panic("zero non-writable page")
	}
	p.Write(LsnSlot, make([]byte, len(p.data)-LsnSlot))
}

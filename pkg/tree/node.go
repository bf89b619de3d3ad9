// ABOUTME: B+Tree node layout over slotted pages
// ABOUTME: Header, slot directory, cell encoding and intra-page space management

package tree

import (
	"encoding/binary"

	"github.com/nainya/calicodb/pkg/page"
)

// Page kinds, stored in the first content byte
const (
	kindInternal     = 1
	kindExternal     = 2
	kindOverflowHead = 3
	kindOverflowCont = 4
)

// Node header layout, relative to the page's content offset:
//
//	+0  kind      u8
//	+1  frag      u8   fragmented bytes lost to tiny free blocks
//	+2  ncells    u16
//	+4  cellStart u16  lowest cell offset; 0 means "content end"
//	+6  freeHead  u16  offset of first free block; 0 means none
//	+8  parent    u64
//	+16 rightmost u64  internal only: rightmost child
//	+24 prev      u64  external only: left sibling
//	+32 next      u64  external only: right sibling
//	+40 slot directory: ncells little-endian u16 cell offsets
//
// Cells are allocated from the content end downward; the slot
// directory grows upward. Free blocks carry a u16 size and u16 next
// in their first four bytes.
const (
	nodeKindOffset      = 0
	nodeFragOffset      = 1
	nodeCellCountOffset = 2
	nodeCellStartOffset = 4
	nodeFreeHeadOffset  = 6
	nodeParentOffset    = 8
	nodeRightmostOffset = 16
	nodePrevOffset      = 24
	nodeNextOffset      = 32
	nodeHeaderSize      = 40

	freeBlockMinSize = 4
)

// node interprets an acquired page as a B+Tree node. All offsets held
// by a node are relative to the page's content area so the layout is
// identical on the root page and everywhere else.
type node struct {
	pg   *page.Page
	base int // content offset within the page
}

func asNode(pg *page.Page) node {
	return node{pg: pg, base: page.ContentOffset(pg.Id())}
}

func (n node) id() page.Id       { return n.pg.Id() }
func (n node) contentSize() int  { return n.pg.Size() - n.base }
func (n node) kind() int         { return int(n.pg.Data()[n.base+nodeKindOffset]) }
func (n node) isExternal() bool  { return n.kind() == kindExternal }
func (n node) frag() int         { return int(n.pg.Data()[n.base+nodeFragOffset]) }
func (n node) cellCount() int    { return int(n.pg.U16(n.base + nodeCellCountOffset)) }
func (n node) freeHead() int     { return int(n.pg.U16(n.base + nodeFreeHeadOffset)) }
func (n node) parent() page.Id   { return page.Id(n.pg.U64(n.base + nodeParentOffset)) }
func (n node) rightmost() page.Id { return page.Id(n.pg.U64(n.base + nodeRightmostOffset)) }
func (n node) prevSibling() page.Id { return page.Id(n.pg.U64(n.base + nodePrevOffset)) }
func (n node) nextSibling() page.Id { return page.Id(n.pg.U64(n.base + nodeNextOffset)) }

func (n node) cellStart() int {
	start := int(n.pg.U16(n.base + nodeCellStartOffset))
	if start == 0 {
		return n.contentSize()
	}
	return start
}

func (n node) setKind(kind int) { n.pg.Write(n.base+nodeKindOffset, []byte{byte(kind)}) }

// setFrag saturates at the byte range; undercounting free space only
// costs an early split, never corruption
func (n node) setFrag(frag int) {
	if frag > 255 {
		frag = 255
	}
	n.pg.Write(n.base+nodeFragOffset, []byte{byte(frag)})
}
func (n node) setCellCount(count int) { n.pg.PutU16(n.base+nodeCellCountOffset, uint16(count)) }
func (n node) setCellStart(start int) { n.pg.PutU16(n.base+nodeCellStartOffset, uint16(start)) }
func (n node) setFreeHead(head int)  { n.pg.PutU16(n.base+nodeFreeHeadOffset, uint16(head)) }
func (n node) setParent(pid page.Id) { n.pg.PutU64(n.base+nodeParentOffset, uint64(pid)) }
func (n node) setRightmost(pid page.Id) { n.pg.PutU64(n.base+nodeRightmostOffset, uint64(pid)) }
func (n node) setPrevSibling(pid page.Id) { n.pg.PutU64(n.base+nodePrevOffset, uint64(pid)) }
func (n node) setNextSibling(pid page.Id) { n.pg.PutU64(n.base+nodeNextOffset, uint64(pid)) }

// initNode formats a writable page as an empty node
func initNode(pg *page.Page, kind int) node {
	n := asNode(pg)
	hdr := make([]byte, nodeHeaderSize)
	hdr[nodeKindOffset] = byte(kind)
	n.pg.Write(n.base, hdr)
	n.setCellStart(n.contentSize())
	return n
}

func (n node) slotOffset(idx int) int {
	return n.base + nodeHeaderSize + 2*idx
}

// cellOffset returns the content-relative offset of cell idx
func (n node) cellOffset(idx int) int {
	return int(n.pg.U16(n.slotOffset(idx)))
}

func (n node) setCellOffset(idx, off int) {
	n.pg.PutU16(n.slotOffset(idx), uint16(off))
}

// cell is a decoded view of one record within a node. Byte slices
// alias the page buffer and are only valid while the page is pinned.
type cell struct {
	offset   int // content-relative position, 0 for detached cells
	size     int // encoded size in the page
	key      []byte
	localVal []byte
	totalVal int     // full value length including overflow
	overflow page.Id // overflow chain head, or null
	child    page.Id // internal cells only
}

// readCell decodes the cell at content-relative offset off
func (n node) readCell(off int) cell {
	buf := n.pg.Data()[n.base+off:]
	c := cell{offset: off}
	pos := 0
	if !n.isExternal() {
		c.child = page.Id(binary.LittleEndian.Uint64(buf))
		pos += 8
	}
	klen, k := binary.Uvarint(buf[pos:])
	pos += k
	if n.isExternal() {
		vlen, v := binary.Uvarint(buf[pos:])
		pos += v
		c.totalVal = int(vlen)
		c.key = buf[pos : pos+int(klen)]
		pos += int(klen)
		local := c.totalVal
		if local > maxLocalValue(n.pg.Size(), int(klen)) {
			local = maxLocalValue(n.pg.Size(), int(klen))
		}
		c.localVal = buf[pos : pos+local]
		pos += local
		if local < c.totalVal {
			c.overflow = page.Id(binary.LittleEndian.Uint64(buf[pos:]))
			pos += 8
		}
	} else {
		c.key = buf[pos : pos+int(klen)]
		pos += int(klen)
	}
	c.size = pos
	return c
}

// cellAt decodes cell idx through the slot directory
func (n node) cellAt(idx int) cell {
	return n.readCell(n.cellOffset(idx))
}

// encodeCell serialises a detached cell for the given node kind
func encodeCell(external bool, c cell) []byte {
	buf := make([]byte, 0, 8+2*binary.MaxVarintLen32+len(c.key)+len(c.localVal)+8)
	if !external {
		var child [8]byte
		binary.LittleEndian.PutUint64(child[:], uint64(c.child))
		buf = append(buf, child[:]...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(c.key)))
	if external {
		buf = binary.AppendUvarint(buf, uint64(c.totalVal))
	}
	buf = append(buf, c.key...)
	if external {
		buf = append(buf, c.localVal...)
		if len(c.localVal) < c.totalVal {
			var ov [8]byte
			binary.LittleEndian.PutUint64(ov[:], uint64(c.overflow))
			buf = append(buf, ov[:]...)
		}
	}
	return buf
}

// maxLocalValue is the per-cell budget for inline value bytes given
// the key length; the remainder spills into an overflow chain. The
// budget depends only on the page size so cells decode identically
// before and after moving between the root and ordinary pages.
func maxLocalValue(pageSize, keyLen int) int {
	budget := pageSize/4 - cellOverhead - keyLen
	if budget < 0 {
		budget = 0
	}
	return budget
}

// MaxKeyLength is the largest key the tree accepts for the given page
// size; keys are always stored fully inline
func MaxKeyLength(pageSize int) int {
	return pageSize/4 - cellOverhead
}

// cellOverhead bounds the encoding overhead of one cell: child or
// overflow id plus two varint length prefixes
const cellOverhead = 8 + 2*binary.MaxVarintLen32

// usedSpace returns the bytes consumed by the header, slot directory
// and live cells
func (n node) usedSpace() int {
	used := nodeHeaderSize + 2*n.cellCount()
	for i := 0; i < n.cellCount(); i++ {
		used += n.cellAt(i).size
	}
	return used
}

// freeSpace returns the bytes available for new cells, counting the
// gap, the free block list and fragmented bytes
func (n node) freeSpace() int {
	free := n.cellStart() - (nodeHeaderSize + 2*n.cellCount()) + n.frag()
	for off := n.freeHead(); off != 0; {
		size := int(n.pg.U16(n.base + off))
		free += size
		off = int(n.pg.U16(n.base + off + 2))
	}
	return free
}

// gapSpace returns the contiguous bytes between the slot directory
// and the cell area
func (n node) gapSpace() int {
	return n.cellStart() - (nodeHeaderSize + 2*n.cellCount())
}

// allocBlock finds room for a cell of the given size, first from the
// free block list, then from the gap. Returns the content-relative
// offset or -1 when only a defragmentation could help.
func (n node) allocBlock(size int) int {
	prev := 0
	for off := n.freeHead(); off != 0; {
		blockSize := int(n.pg.U16(n.base + off))
		next := int(n.pg.U16(n.base + off + 2))
		if blockSize >= size {
			rest := blockSize - size
			if rest >= freeBlockMinSize {
				restOff := off + size
				n.pg.PutU16(n.base+restOff, uint16(rest))
				n.pg.PutU16(n.base+restOff+2, uint16(next))
				next = restOff
			} else if rest > 0 {
				n.setFrag(n.frag() + rest)
			}
			if prev == 0 {
				n.setFreeHead(next)
			} else {
				n.pg.PutU16(n.base+prev+2, uint16(next))
			}
			return off
		}
		prev = off
		off = next
	}
	// Carve from the gap, leaving room for the new slot
	if n.gapSpace() >= size+2 {
		off := n.cellStart() - size
		n.setCellStart(off)
		return off
	}
	return -1
}

// freeBlock returns a cell's bytes to the intra-page free list.
// Blocks too small to carry list links are counted as fragmentation.
func (n node) freeBlock(off, size int) {
	if off == n.cellStart() {
		n.setCellStart(off + size)
		return
	}
	if size < freeBlockMinSize {
		n.setFrag(n.frag() + size)
		return
	}
	n.pg.PutU16(n.base+off, uint16(size))
	n.pg.PutU16(n.base+off+2, uint16(n.freeHead()))
	n.setFreeHead(off)
}

// insertCellAt places an encoded cell at slot idx. Defragments when
// the space exists but is not contiguous. Returns false when the node
// must split.
func (n node) insertCellAt(idx int, encoded []byte) bool {
	if n.freeSpace() < len(encoded)+2 {
		return false
	}
	if n.gapSpace() < 2 {
		// No room left for the new slot next to the directory
		n.defragment()
	}
	off := n.allocBlock(len(encoded))
	if off < 0 {
		n.defragment()
		off = n.allocBlock(len(encoded))
		if off < 0 {
			return false
		}
	}
	n.pg.Write(n.base+off, encoded)

	// Shift the slot directory open
	count := n.cellCount()
	for i := count; i > idx; i-- {
		n.setCellOffset(i, n.cellOffset(i-1))
	}
	n.setCellOffset(idx, off)
	n.setCellCount(count + 1)
	return true
}

// removeCellAt drops slot idx and frees its block
func (n node) removeCellAt(idx int) {
	c := n.cellAt(idx)
	n.freeBlock(c.offset, c.size)
	count := n.cellCount()
	for i := idx; i < count-1; i++ {
		n.setCellOffset(i, n.cellOffset(i+1))
	}
	n.setCellCount(count - 1)
}

// defragment rewrites all cells compactly against the content end,
// clearing the free list and fragmentation count
func (n node) defragment() {
	count := n.cellCount()
	type packed struct {
		buf []byte
	}
	cells := make([]packed, count)
	for i := 0; i < count; i++ {
		c := n.cellAt(i)
		cells[i] = packed{buf: append([]byte(nil), n.pg.Data()[n.base+c.offset:n.base+c.offset+c.size]...)}
	}
	off := n.contentSize()
	for i := 0; i < count; i++ {
		off -= len(cells[i].buf)
		n.pg.Write(n.base+off, cells[i].buf)
		n.setCellOffset(i, off)
	}
	n.setCellStart(off)
	n.setFreeHead(0)
	n.setFrag(0)
}

// ABOUTME: Overflow chains for values that exceed the per-cell budget
// ABOUTME: Singly-linked pages with back pointers so vacuum can relocate them

package tree

import (
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
)

// Overflow page layout, relative to the content offset:
//
//	+0  kind u8   kindOverflowHead or kindOverflowCont
//	+1  pad  u8
//	+2  size u16  payload bytes stored in this page
//	+4  next u64  next chain page, or null on the last page
//	+12 back u64  owning external node (head) or previous chain page
//	+20 payload
const (
	overflowSizeOffset = 2
	overflowNextOffset = 4
	overflowBackOffset = 12
	overflowHeaderSize = 20
)

type overflowPage struct {
	pg   *page.Page
	base int
}

func asOverflow(pg *page.Page) overflowPage {
	return overflowPage{pg: pg, base: page.ContentOffset(pg.Id())}
}

func (o overflowPage) kind() int      { return int(o.pg.Data()[o.base]) }
func (o overflowPage) size() int      { return int(o.pg.U16(o.base + overflowSizeOffset)) }
func (o overflowPage) next() page.Id  { return page.Id(o.pg.U64(o.base + overflowNextOffset)) }
func (o overflowPage) back() page.Id  { return page.Id(o.pg.U64(o.base + overflowBackOffset)) }
func (o overflowPage) capacity() int  { return o.pg.Size() - o.base - overflowHeaderSize }
func (o overflowPage) payload() []byte {
	return o.pg.View(o.base+overflowHeaderSize, o.size())
}

func (o overflowPage) setKind(kind int)    { o.pg.Write(o.base, []byte{byte(kind)}) }
func (o overflowPage) setSize(size int)    { o.pg.PutU16(o.base+overflowSizeOffset, uint16(size)) }
func (o overflowPage) setNext(pid page.Id) { o.pg.PutU64(o.base+overflowNextOffset, uint64(pid)) }
func (o overflowPage) setBack(pid page.Id) { o.pg.PutU64(o.base+overflowBackOffset, uint64(pid)) }

// writeOverflowChain spills data into freshly allocated pages and
// returns the chain head. The head's back pointer names the owning
// external node; continuation pages point at their predecessor.
func (t *Tree) writeOverflowChain(data []byte, owner page.Id) (page.Id, error) {
	var head, prev page.Id
	for len(data) > 0 {
		pg, err := t.pager.Allocate()
		if err != nil {
			return page.Null, err
		}
		o := asOverflow(pg)
		chunk := len(data)
		if chunk > o.capacity() {
			chunk = o.capacity()
		}
		if head.IsNull() {
			head = pg.Id()
			o.setKind(kindOverflowHead)
			o.setBack(owner)
		} else {
			o.setKind(kindOverflowCont)
			o.setBack(prev)
			// Link the predecessor forward
			prevPg, err := t.pager.Acquire(prev)
			if err != nil {
				t.pager.Release(pg)
				return page.Null, err
			}
			t.pager.Upgrade(prevPg)
			asOverflow(prevPg).setNext(pg.Id())
			t.pager.Release(prevPg)
		}
		o.setSize(chunk)
		o.pg.Write(o.base+overflowHeaderSize, data[:chunk])
		data = data[chunk:]
		prev = pg.Id()
		t.pager.Release(pg)
	}
	return head, nil
}

// readOverflowChain collects size payload bytes starting at head
func (t *Tree) readOverflowChain(head page.Id, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	pid := head
	for !pid.IsNull() && len(out) < size {
		pg, err := t.pager.Acquire(pid)
		if err != nil {
			return nil, err
		}
		o := asOverflow(pg)
		if o.kind() != kindOverflowHead && o.kind() != kindOverflowCont {
			t.pager.Release(pg)
			return nil, status.Corruption("page %d is not an overflow page", pid)
		}
		out = append(out, o.payload()...)
		pid = o.next()
		t.pager.Release(pg)
	}
	if len(out) != size {
		return nil, status.Corruption("overflow chain at %d is short: %d of %d bytes", head, len(out), size)
	}
	return out, nil
}

// freeOverflowChain returns every page of a chain to the free list
func (t *Tree) freeOverflowChain(head page.Id) error {
	pid := head
	for !pid.IsNull() {
		pg, err := t.pager.Acquire(pid)
		if err != nil {
			return err
		}
		next := asOverflow(pg).next()
		t.pager.Upgrade(pg)
		t.pager.Destroy(pg)
		pid = next
	}
	return nil
}

// setOverflowOwner repoints a chain head at the external node that
// now holds its cell
func (t *Tree) setOverflowOwner(head, owner page.Id) error {
	pg, err := t.pager.Acquire(head)
	if err != nil {
		return err
	}
	o := asOverflow(pg)
	if o.back() != owner {
		t.pager.Upgrade(pg)
		o.setBack(owner)
	}
	t.pager.Release(pg)
	return nil
}

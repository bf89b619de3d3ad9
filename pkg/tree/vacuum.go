// ABOUTME: Online compaction: relocates the highest-numbered live pages
// ABOUTME: into free-list holes so the data file can be truncated

package tree

import (
	"encoding/binary"

	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
)

// Vacuum moves the highest-numbered live pages into free-list holes
// and empties the free list, returning the page count the file can be
// truncated to. Every pointer rewrite is a logged page modification;
// the caller commits before the file is actually resized.
func (t *Tree) Vacuum() (newCount uint64, err error) {
	holes := make(map[page.Id]bool)
	for pid := t.pager.FreeListHead(); !pid.IsNull(); {
		pg, err := t.pager.Acquire(pid)
		if err != nil {
			return 0, err
		}
		holes[pid] = true
		pid = page.Id(pg.U64(page.LsnSlot))
		t.pager.Release(pg)
	}

	newCount = t.pager.PageCount()
	if len(holes) == 0 {
		return newCount, nil
	}
	t.pager.SetFreeListHead(page.Null)
	t.version++
	t.log.Debug("vacuum started").
		Int("free_pages", len(holes)).
		Uint64("page_count", newCount).
		Msg("")

	for {
		for newCount > 1 && holes[page.Id(newCount)] {
			delete(holes, page.Id(newCount))
			newCount--
		}
		if len(holes) == 0 {
			break
		}
		var hole page.Id
		for pid := range holes {
			if hole.IsNull() || pid < hole {
				hole = pid
			}
		}
		if uint64(hole) >= newCount {
			return 0, status.Corruption("free page %d beyond page count %d", hole, newCount)
		}
		if err := t.relocate(page.Id(newCount), hole); err != nil {
			return 0, err
		}
		delete(holes, hole)
		newCount--
	}
	return newCount, nil
}

// relocate moves the live page at from into the hole at to and
// rewrites every pointer into it
func (t *Tree) relocate(from, to page.Id) error {
	src, err := t.pager.Acquire(from)
	if err != nil {
		return err
	}
	dst, err := t.pager.Acquire(to)
	if err != nil {
		t.pager.Release(src)
		return err
	}
	t.pager.Upgrade(dst)
	dst.Write(page.LsnSlot, src.View(page.LsnSlot, src.Size()-page.LsnSlot))

	kind := int(src.Data()[page.LsnSlot])
	t.pager.Release(src)

	switch kind {
	case kindInternal, kindExternal:
		err = t.relocateNode(asNode(dst), from, to)
	case kindOverflowHead:
		err = t.relocateOverflowHead(asOverflow(dst), from, to)
	case kindOverflowCont:
		err = t.relocateOverflowCont(asOverflow(dst), from, to)
	default:
		err = status.Corruption("page %d has unknown kind %d", from, kind)
	}
	t.pager.Release(dst)
	return err
}

func (t *Tree) relocateNode(n node, from, to page.Id) error {
	// Repoint the parent's reference
	parent, err := t.acquire(n.parent())
	if err != nil {
		return err
	}
	t.upgrade(parent)
	found := false
	for i := 0; i < parent.cellCount(); i++ {
		if parent.cellAt(i).child == from {
			t.replaceChild(parent, i, to)
			found = true
			break
		}
	}
	if !found {
		if parent.rightmost() != from {
			t.release(parent)
			return status.Corruption("node %d is not a child of %d", from, parent.id())
		}
		parent.setRightmost(to)
	}
	t.release(parent)

	if n.isExternal() {
		if prev := n.prevSibling(); !prev.IsNull() {
			sib, err := t.acquire(prev)
			if err != nil {
				return err
			}
			t.upgrade(sib)
			sib.setNextSibling(to)
			t.release(sib)
		}
		if next := n.nextSibling(); !next.IsNull() {
			if err := t.setPrevSibling(next, to); err != nil {
				return err
			}
		}
		return t.fixOverflowOwners(n)
	}
	return t.fixChildParents(n)
}

func (t *Tree) relocateOverflowHead(o overflowPage, from, to page.Id) error {
	// The owning leaf's cell stores the chain head id
	owner, err := t.acquire(o.back())
	if err != nil {
		return err
	}
	t.upgrade(owner)
	found := false
	for i := 0; i < owner.cellCount(); i++ {
		c := owner.cellAt(i)
		if c.overflow == from {
			// The overflow id occupies the last 8 bytes of the cell
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(to))
			owner.pg.Write(owner.base+c.offset+c.size-8, buf[:])
			found = true
			break
		}
	}
	t.release(owner)
	if !found {
		return status.Corruption("leaf %d does not reference overflow chain %d", o.back(), from)
	}
	return t.repointSuccessor(o, to)
}

func (t *Tree) relocateOverflowCont(o overflowPage, from, to page.Id) error {
	prev, err := t.pager.Acquire(o.back())
	if err != nil {
		return err
	}
	t.pager.Upgrade(prev)
	asOverflow(prev).setNext(to)
	t.pager.Release(prev)
	return t.repointSuccessor(o, to)
}

// repointSuccessor updates the back pointer of the next chain page
func (t *Tree) repointSuccessor(o overflowPage, to page.Id) error {
	next := o.next()
	if next.IsNull() {
		return nil
	}
	pg, err := t.pager.Acquire(next)
	if err != nil {
		return err
	}
	t.pager.Upgrade(pg)
	asOverflow(pg).setBack(to)
	t.pager.Release(pg)
	return nil
}

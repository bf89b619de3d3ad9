// ABOUTME: Cursor positioning and traversal over external nodes
// ABOUTME: Holds a leaf id and cell index; invalidated by structural changes

package tree

import (
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
)

// Cursor is a position within the key space. It records the tree
// version it was positioned under; any structural change invalidates
// it and further use reports not-found.
type Cursor struct {
	tree    *Tree
	version uint64
	leaf    page.Id
	index   int
	valid   bool

	key   []byte
	value []byte
}

// Cursor returns an unpositioned cursor
func (t *Tree) Cursor() *Cursor {
	return &Cursor{tree: t}
}

// Valid reports whether the cursor is positioned on a record
func (c *Cursor) Valid() bool {
	return c.valid && c.version == c.tree.version
}

// Key returns the key under the cursor
func (c *Cursor) Key() []byte { return c.key }

// Value returns the value under the cursor
func (c *Cursor) Value() []byte { return c.value }

func (c *Cursor) invalidate() {
	c.valid = false
	c.key = nil
	c.value = nil
}

// load captures the record at (leaf, index) into the cursor
func (c *Cursor) load(n node, index int) error {
	cl := n.cellAt(index)
	value, err := c.tree.readValue(cl)
	if err != nil {
		c.invalidate()
		return err
	}
	c.leaf = n.id()
	c.index = index
	c.key = append(c.key[:0], cl.key...)
	c.value = value
	c.version = c.tree.version
	c.valid = true
	return nil
}

// SeekFirst positions the cursor on the smallest key
func (c *Cursor) SeekFirst() error {
	return c.seekEdge(true)
}

// SeekLast positions the cursor on the largest key
func (c *Cursor) SeekLast() error {
	return c.seekEdge(false)
}

func (c *Cursor) seekEdge(first bool) error {
	t := c.tree
	n, err := t.acquire(page.Root)
	if err != nil {
		c.invalidate()
		return err
	}
	for !n.isExternal() {
		var child page.Id
		if first {
			if n.cellCount() > 0 {
				child = n.cellAt(0).child
			} else {
				child = n.rightmost()
			}
		} else {
			child = n.rightmost()
		}
		t.release(n)
		if n, err = t.acquire(child); err != nil {
			c.invalidate()
			return err
		}
	}
	defer t.release(n)
	if n.cellCount() == 0 {
		c.invalidate()
		return status.NotFound("tree is empty")
	}
	if first {
		return c.load(n, 0)
	}
	return c.load(n, n.cellCount()-1)
}

// Seek positions the cursor on the first key at or after target
func (c *Cursor) Seek(target []byte) error {
	t := c.tree
	if err := t.checkKey(target); err != nil {
		c.invalidate()
		return err
	}
	leaf, err := t.findLeaf(target)
	if err != nil {
		c.invalidate()
		return err
	}
	idx, _ := leaf.search(target)
	if idx < leaf.cellCount() {
		err = c.load(leaf, idx)
		t.release(leaf)
		return err
	}
	// Past the end of this leaf; continue at the right sibling
	next := leaf.nextSibling()
	t.release(leaf)
	return c.advanceTo(next, 0)
}

// Next moves to the following key, crossing to the right sibling at
// the end of the leaf
func (c *Cursor) Next() error {
	if !c.Valid() {
		c.invalidate()
		return status.NotFound("cursor is not positioned")
	}
	t := c.tree
	n, err := t.acquire(c.leaf)
	if err != nil {
		c.invalidate()
		return err
	}
	if c.index+1 < n.cellCount() {
		err = c.load(n, c.index+1)
		t.release(n)
		return err
	}
	next := n.nextSibling()
	t.release(n)
	return c.advanceTo(next, 0)
}

// Prev moves to the preceding key, crossing to the left sibling at
// the start of the leaf
func (c *Cursor) Prev() error {
	if !c.Valid() {
		c.invalidate()
		return status.NotFound("cursor is not positioned")
	}
	t := c.tree
	n, err := t.acquire(c.leaf)
	if err != nil {
		c.invalidate()
		return err
	}
	if c.index > 0 {
		err = c.load(n, c.index-1)
		t.release(n)
		return err
	}
	prev := n.prevSibling()
	t.release(n)
	return c.advanceTo(prev, -1)
}

// advanceTo lands on a sibling chain page, skipping empty leaves.
// index -1 selects the last cell.
func (c *Cursor) advanceTo(pid page.Id, index int) error {
	t := c.tree
	for !pid.IsNull() {
		n, err := t.acquire(pid)
		if err != nil {
			c.invalidate()
			return err
		}
		if n.cellCount() > 0 {
			idx := index
			if idx < 0 {
				idx = n.cellCount() - 1
			}
			err = c.load(n, idx)
			t.release(n)
			return err
		}
		if index < 0 {
			pid = n.prevSibling()
		} else {
			pid = n.nextSibling()
		}
		t.release(n)
	}
	c.invalidate()
	return status.NotFound("no more records")
}

// Package tree implements the disk-resident B+Tree over pager-managed
// pages: variable-length keys in slotted nodes, overflow chains for
// large values, structural rebalancing, cursors and vacuum
package tree

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/calicodb/internal/logger"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/pager"
	"github.com/nainya/calicodb/pkg/status"
)

// Tree is a B+Tree rooted at the file-header page. Keys are ordered
// lexicographically over raw bytes; values of any length are
// supported through overflow chains.
type Tree struct {
	pager *pager.Pager
	log   *logger.Logger

	// version is bumped by every structural change; cursors remember
	// the version they were positioned under
	version uint64
}

// New wraps a pager in a tree handle
func New(p *pager.Pager, log *logger.Logger) *Tree {
	if log == nil {
		log = logger.Nop()
	}
	return &Tree{pager: p, log: log.Component("tree")}
}

// Init formats the root page as an empty external node. Called once
// when the database file is created.
func (t *Tree) Init() error {
	pg, err := t.pager.Acquire(page.Root)
	if err != nil {
		return err
	}
	defer t.pager.Release(pg)
	t.pager.Upgrade(pg)
	initNode(pg, kindExternal)
	return nil
}

func (t *Tree) acquire(pid page.Id) (node, error) {
	pg, err := t.pager.Acquire(pid)
	if err != nil {
		return node{}, err
	}
	return asNode(pg), nil
}

func (t *Tree) release(n node) {
	t.pager.Release(n.pg)
}

func (t *Tree) upgrade(n node) {
	t.pager.Upgrade(n.pg)
}

// checkKey validates a user key against the tree's limits
func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return status.InvalidArgument("key is empty")
	}
	if len(key) > MaxKeyLength(t.pager.PageSize()) {
		return status.InvalidArgument("key length %d exceeds maximum %d",
			len(key), MaxKeyLength(t.pager.PageSize()))
	}
	return nil
}

// search finds the lower bound of key within a node's cells
func (n node) search(key []byte) (int, bool) {
	lo, hi := 0, n.cellCount()
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(n.cellAt(mid).key, key)
		if cmp < 0 {
			lo = mid + 1
		} else if cmp > 0 {
			hi = mid
		} else {
			return mid, true
		}
	}
	return lo, false
}

// childForKey returns the child to descend into for key. Cell i's
// child holds keys strictly less than cell i's key; keys at or past
// the last separator belong to the rightmost child.
func (n node) childForKey(key []byte) page.Id {
	idx, found := n.search(key)
	if found {
		idx++
	}
	if idx >= n.cellCount() {
		return n.rightmost()
	}
	return n.cellAt(idx).child
}

// findLeaf descends to the external node covering key, returning it
// pinned
func (t *Tree) findLeaf(key []byte) (node, error) {
	n, err := t.acquire(page.Root)
	if err != nil {
		return node{}, err
	}
	for !n.isExternal() {
		child := n.childForKey(key)
		t.release(n)
		if child.IsNull() {
			return node{}, status.Corruption("internal node %d has null child", n.id())
		}
		if n, err = t.acquire(child); err != nil {
			return node{}, err
		}
	}
	return n, nil
}

// Get returns a copy of the value stored under key, or a not-found
// status
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	defer t.release(leaf)

	idx, found := leaf.search(key)
	if !found {
		return nil, status.NotFound("key does not exist")
	}
	return t.readValue(leaf.cellAt(idx))
}

// readValue materialises a cell's full value, following its overflow
// chain when the value spilled
func (t *Tree) readValue(c cell) ([]byte, error) {
	out := make([]byte, 0, c.totalVal)
	out = append(out, c.localVal...)
	if c.overflow.IsNull() {
		return out, nil
	}
	rest, err := t.readOverflowChain(c.overflow, c.totalVal-len(c.localVal))
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

// Insert stores value under key, replacing any existing value.
// Reports whether a new record was added.
func (t *Tree) Insert(key, value []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	t.upgrade(leaf)

	idx, found := leaf.search(key)
	if found {
		old := leaf.cellAt(idx)
		if !old.overflow.IsNull() {
			if err := t.freeOverflowChain(old.overflow); err != nil {
				t.release(leaf)
				return false, err
			}
		}
		leaf.removeCellAt(idx)
	}

	c, err := t.makeCell(leaf.id(), key, value)
	if err != nil {
		t.release(leaf)
		return false, err
	}
	t.version++
	encoded := encodeCell(true, c)
	if leaf.insertCellAt(idx, encoded) {
		t.release(leaf)
		return !found, nil
	}
	// Node is full; releases the leaf on all paths
	if err := t.splitInsert(leaf, idx, encoded, c.key); err != nil {
		return false, err
	}
	return !found, nil
}

// makeCell builds a detached external cell, spilling the value tail
// into a fresh overflow chain when it exceeds the local budget
func (t *Tree) makeCell(owner page.Id, key, value []byte) (cell, error) {
	c := cell{key: key, totalVal: len(value)}
	budget := maxLocalValue(t.pager.PageSize(), len(key))
	if len(value) <= budget {
		c.localVal = value
		return c, nil
	}
	c.localVal = value[:budget]
	head, err := t.writeOverflowChain(value[budget:], owner)
	if err != nil {
		return cell{}, err
	}
	c.overflow = head
	return c, nil
}

// Erase removes key and reclaims its overflow chain. Reports
// not-found when the key does not exist.
func (t *Tree) Erase(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	idx, found := leaf.search(key)
	if !found {
		t.release(leaf)
		return status.NotFound("key does not exist")
	}
	t.upgrade(leaf)

	c := leaf.cellAt(idx)
	if !c.overflow.IsNull() {
		if err := t.freeOverflowChain(c.overflow); err != nil {
			t.release(leaf)
			return err
		}
	}
	leaf.removeCellAt(idx)
	t.version++
	return t.rebalance(leaf)
}

// detachCells copies every cell out of a node as encoded buffers
// paired with owned key copies
type detachedCell struct {
	encoded []byte
	key     []byte
	child   page.Id
}

func detachCells(n node) []detachedCell {
	out := make([]detachedCell, n.cellCount())
	for i := range out {
		c := n.cellAt(i)
		out[i] = detachedCell{
			encoded: append([]byte(nil), n.pg.Data()[n.base+c.offset:n.base+c.offset+c.size]...),
			key:     append([]byte(nil), c.key...),
			child:   c.child,
		}
	}
	return out
}

// rewriteAll replaces a node's contents with the given encoded cells,
// packed against the content end
func rewriteAll(n node, cells []detachedCell) {
	n.setFreeHead(0)
	n.setFrag(0)
	n.setCellCount(len(cells))
	off := n.contentSize()
	for i, c := range cells {
		off -= len(c.encoded)
		n.pg.Write(n.base+off, c.encoded)
		n.setCellOffset(i, off)
	}
	n.setCellStart(off)
}

func totalEncoded(cells []detachedCell) int {
	total := 0
	for _, c := range cells {
		total += len(c.encoded) + 2
	}
	return total
}

// splitPoint chooses how many cells stay in the left node, targeting
// an even byte split while keeping both sides non-empty
func splitPoint(cells []detachedCell, internal bool) int {
	total := 0
	for _, c := range cells {
		total += len(c.encoded)
	}
	acc, split := 0, 0
	for i, c := range cells {
		acc += len(c.encoded)
		if acc >= total/2 {
			split = i + 1
			break
		}
	}
	hi := len(cells) - 1
	if internal {
		// The cell at the split point promotes, so the right side
		// needs one more
		hi = len(cells) - 2
	}
	if split > hi {
		split = hi
	}
	if split < 1 {
		split = 1
	}
	return split
}

// splitInsert splits a full node to make room for a new cell and
// recursively pushes the separator upward. The pinned node is
// released on all paths.
func (t *Tree) splitInsert(n node, idx int, encoded, key []byte) error {
	t.version++
	cells := detachCells(n)
	newCell := detachedCell{
		encoded: append([]byte(nil), encoded...),
		key:     append([]byte(nil), key...),
	}
	if !n.isExternal() {
		newCell.child = page.Id(binary.LittleEndian.Uint64(encoded))
	}
	cells = append(cells[:idx], append([]detachedCell{newCell}, cells[idx:]...)...)

	if n.id().IsRoot() {
		return t.splitRoot(n, cells)
	}
	return t.splitNonRoot(n, cells)
}

// splitNonRoot distributes cells between n and a fresh right sibling,
// then inserts the separator into the parent
func (t *Tree) splitNonRoot(n node, cells []detachedCell) error {
	external := n.isExternal()
	parentId := n.parent()

	rightPg, err := t.pager.Allocate()
	if err != nil {
		t.release(n)
		return err
	}
	right := initNode(rightPg, n.kind())
	right.setParent(parentId)

	split := splitPoint(cells, !external)
	var sepKey []byte
	if external {
		sepKey = cells[split].key
		rewriteAll(n, cells[:split])
		rewriteAll(right, cells[split:])
	} else {
		sepKey = cells[split].key
		rewriteAll(n, cells[:split])
		rewriteAll(right, cells[split+1:])
		right.setRightmost(n.rightmost())
		n.setRightmost(cells[split].child)
	}

	if external {
		oldNext := n.nextSibling()
		right.setNextSibling(oldNext)
		right.setPrevSibling(n.id())
		n.setNextSibling(right.id())
		if !oldNext.IsNull() {
			if err := t.setPrevSibling(oldNext, right.id()); err != nil {
				t.release(right)
				t.release(n)
				return err
			}
		}
		if err := t.fixOverflowOwners(right); err != nil {
			t.release(right)
			t.release(n)
			return err
		}
	} else {
		if err := t.fixChildParents(right); err != nil {
			t.release(right)
			t.release(n)
			return err
		}
	}

	leftId, rightId := n.id(), right.id()
	t.release(right)
	t.release(n)
	return t.insertSeparator(parentId, leftId, rightId, sepKey)
}

// splitRoot turns the fixed root page into an internal node over two
// fresh children
func (t *Tree) splitRoot(root node, cells []detachedCell) error {
	external := root.isExternal()

	leftPg, err := t.pager.Allocate()
	if err != nil {
		t.release(root)
		return err
	}
	left := initNode(leftPg, root.kind())
	left.setParent(page.Root)

	rightPg, err := t.pager.Allocate()
	if err != nil {
		t.release(left)
		t.release(root)
		return err
	}
	right := initNode(rightPg, root.kind())
	right.setParent(page.Root)

	split := splitPoint(cells, !external)
	var sepKey []byte
	if external {
		sepKey = cells[split].key
		rewriteAll(left, cells[:split])
		rewriteAll(right, cells[split:])
		left.setNextSibling(right.id())
		right.setPrevSibling(left.id())
	} else {
		sepKey = cells[split].key
		rewriteAll(left, cells[:split])
		rewriteAll(right, cells[split+1:])
		right.setRightmost(root.rightmost())
		left.setRightmost(cells[split].child)
	}

	var fixErr error
	if external {
		fixErr = t.fixOverflowOwners(left)
		if fixErr == nil {
			fixErr = t.fixOverflowOwners(right)
		}
	} else {
		fixErr = t.fixChildParents(left)
		if fixErr == nil {
			fixErr = t.fixChildParents(right)
		}
	}
	if fixErr != nil {
		t.release(right)
		t.release(left)
		t.release(root)
		return fixErr
	}

	// Rebuild the root as an internal node over the two halves
	initNode(root.pg, kindInternal)
	sep := cell{key: sepKey, child: left.id()}
	if !root.insertCellAt(0, encodeCell(false, sep)) {
		panic("separator does not fit in empty root")
	}
	root.setRightmost(right.id())

	t.release(right)
	t.release(left)
	t.release(root)
	return nil
}

// insertSeparator records that left split at sepKey, with right as
// its new successor, inside parent
func (t *Tree) insertSeparator(parentId, left, right page.Id, sepKey []byte) error {
	parent, err := t.acquire(parentId)
	if err != nil {
		return err
	}
	t.upgrade(parent)

	// Whatever referenced left now references right; the new
	// separator cell points at left.
	idx := parent.cellCount()
	for i := 0; i < parent.cellCount(); i++ {
		if parent.cellAt(i).child == left {
			idx = i
			break
		}
	}
	if idx == parent.cellCount() {
		if parent.rightmost() != left {
			t.release(parent)
			return status.Corruption("node %d is not a child of %d", left, parentId)
		}
		parent.setRightmost(right)
	} else {
		t.replaceChild(parent, idx, right)
	}

	sep := cell{key: sepKey, child: left}
	encoded := encodeCell(false, sep)
	if parent.insertCellAt(idx, encoded) {
		t.release(parent)
		return nil
	}
	return t.splitInsert(parent, idx, encoded, sepKey)
}

// replaceChild rewrites the child pointer of cell idx in place
func (t *Tree) replaceChild(n node, idx int, child page.Id) {
	off := n.cellOffset(idx)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(child))
	n.pg.Write(n.base+off, buf[:])
}

// rebalance restores occupancy invariants after an erase, merging or
// redistributing with a sibling when a node falls below half
// capacity. Releases the pinned node on all paths.
func (t *Tree) rebalance(n node) error {
	if n.id().IsRoot() {
		return t.collapseRoot(n)
	}
	if n.usedSpace() >= n.contentSize()/2 {
		t.release(n)
		return nil
	}

	parent, err := t.acquire(n.parent())
	if err != nil {
		t.release(n)
		return err
	}
	t.upgrade(parent)

	// Locate n among the parent's children
	pos := parent.cellCount()
	for i := 0; i < parent.cellCount(); i++ {
		if parent.cellAt(i).child == n.id() {
			pos = i
			break
		}
	}
	if pos == parent.cellCount() && parent.rightmost() != n.id() {
		t.release(parent)
		t.release(n)
		return status.Corruption("node %d is not a child of %d", n.id(), parent.id())
	}

	// Pair n with its left sibling when one exists, else its right
	var left, right node
	var sepIdx int
	if pos > 0 {
		sepIdx = pos - 1
		left, err = t.acquire(parent.cellAt(sepIdx).child)
		if err != nil {
			t.release(parent)
			t.release(n)
			return err
		}
		t.upgrade(left)
		right = n
	} else if parent.cellCount() > 0 {
		sepIdx = 0
		left = n
		var rightId page.Id
		if parent.cellCount() > 1 {
			rightId = parent.cellAt(1).child
		} else {
			rightId = parent.rightmost()
		}
		right, err = t.acquire(rightId)
		if err != nil {
			t.release(parent)
			t.release(n)
			return err
		}
		t.upgrade(right)
	} else {
		// Only child; nothing to balance against. A root left with a
		// single child sheds the extra level instead.
		t.release(n)
		if parent.id().IsRoot() {
			return t.collapseRoot(parent)
		}
		t.release(parent)
		return nil
	}

	err = t.balancePair(parent, sepIdx, left, right)
	if err != nil {
		return err
	}
	return nil
}

// balancePair merges right into left when the combined contents fit,
// and redistributes cells evenly otherwise. Releases left, right and
// parent.
func (t *Tree) balancePair(parent node, sepIdx int, left, right node) error {
	external := left.isExternal()
	sepCell := parent.cellAt(sepIdx)
	sepKey := append([]byte(nil), sepCell.key...)

	combined := detachCells(left)
	if !external {
		// The separator comes down between the halves
		down := cell{key: sepKey, child: left.rightmost()}
		combined = append(combined, detachedCell{
			encoded: encodeCell(false, down),
			key:     sepKey,
			child:   left.rightmost(),
		})
	}
	combined = append(combined, detachCells(right)...)

	if totalEncoded(combined)+nodeHeaderSize <= left.contentSize() {
		// Merge right into left
		rewriteAll(left, combined)
		if external {
			oldNext := right.nextSibling()
			left.setNextSibling(oldNext)
			if !oldNext.IsNull() {
				if err := t.setPrevSibling(oldNext, left.id()); err != nil {
					t.release(right)
					t.release(left)
					t.release(parent)
					return err
				}
			}
			if err := t.fixOverflowOwners(left); err != nil {
				t.release(right)
				t.release(left)
				t.release(parent)
				return err
			}
		} else {
			left.setRightmost(right.rightmost())
			if err := t.fixChildParents(left); err != nil {
				t.release(right)
				t.release(left)
				t.release(parent)
				return err
			}
		}

		// The reference that pointed at right now points at left
		if sepIdx+1 < parent.cellCount() {
			t.replaceChild(parent, sepIdx+1, left.id())
		} else {
			parent.setRightmost(left.id())
		}
		parent.removeCellAt(sepIdx)

		t.pager.Destroy(right.pg)
		t.release(left)
		return t.rebalance(parent)
	}

	// Redistribute evenly and refresh the separator
	split := splitPoint(combined, !external)
	var newSep []byte
	if external {
		newSep = combined[split].key
		rewriteAll(left, combined[:split])
		rewriteAll(right, combined[split:])
	} else {
		newSep = combined[split].key
		rightmost := right.rightmost()
		rewriteAll(left, combined[:split])
		rewriteAll(right, combined[split+1:])
		right.setRightmost(rightmost)
		left.setRightmost(combined[split].child)
	}
	var err error
	if external {
		if err = t.fixOverflowOwners(left); err == nil {
			err = t.fixOverflowOwners(right)
		}
	} else {
		if err = t.fixChildParents(left); err == nil {
			err = t.fixChildParents(right)
		}
	}
	if err != nil {
		t.release(right)
		t.release(left)
		t.release(parent)
		return err
	}

	leftId := left.id()
	t.release(right)
	t.release(left)

	parent.removeCellAt(sepIdx)
	sep := cell{key: newSep, child: leftId}
	encoded := encodeCell(false, sep)
	if parent.insertCellAt(sepIdx, encoded) {
		t.release(parent)
		return nil
	}
	return t.splitInsert(parent, sepIdx, encoded, newSep)
}

// collapseRoot shrinks the tree by one level when the root is an
// internal node left with a single child. Releases root.
func (t *Tree) collapseRoot(root node) error {
	if root.isExternal() || root.cellCount() > 0 {
		t.release(root)
		return nil
	}
	child, err := t.acquire(root.rightmost())
	if err != nil {
		t.release(root)
		return err
	}
	cells := detachCells(child)
	if totalEncoded(cells)+nodeHeaderSize > root.contentSize() {
		// The child cannot fit on the smaller root page yet
		t.release(child)
		t.release(root)
		return nil
	}
	t.upgrade(child)
	t.version++

	initNode(root.pg, child.kind())
	rewriteAll(root, cells)
	if child.isExternal() {
		if err := t.fixOverflowOwners(root); err != nil {
			t.release(child)
			t.release(root)
			return err
		}
	} else {
		root.setRightmost(child.rightmost())
		if err := t.fixChildParents(root); err != nil {
			t.release(child)
			t.release(root)
			return err
		}
	}
	t.pager.Destroy(child.pg)
	t.release(root)
	return nil
}

// setPrevSibling rewrites the left-sibling pointer of an external node
func (t *Tree) setPrevSibling(pid, prev page.Id) error {
	n, err := t.acquire(pid)
	if err != nil {
		return err
	}
	t.upgrade(n)
	n.setPrevSibling(prev)
	t.release(n)
	return nil
}

// fixChildParents points every child of an internal node back at it
func (t *Tree) fixChildParents(n node) error {
	update := func(pid page.Id) error {
		if pid.IsNull() {
			return nil
		}
		child, err := t.acquire(pid)
		if err != nil {
			return err
		}
		if child.parent() != n.id() {
			t.upgrade(child)
			child.setParent(n.id())
		}
		t.release(child)
		return nil
	}
	for i := 0; i < n.cellCount(); i++ {
		if err := update(n.cellAt(i).child); err != nil {
			return err
		}
	}
	return update(n.rightmost())
}

// fixOverflowOwners points the overflow chain heads referenced by an
// external node back at it
func (t *Tree) fixOverflowOwners(n node) error {
	for i := 0; i < n.cellCount(); i++ {
		c := n.cellAt(i)
		if c.overflow.IsNull() {
			continue
		}
		if err := t.setOverflowOwner(c.overflow, n.id()); err != nil {
			return err
		}
	}
	return nil
}

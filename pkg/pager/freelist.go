// ABOUTME: On-disk free list of reclaimed pages
// ABOUTME: LIFO singly-linked list threaded through the pages themselves

package pager

import (
	"errors"

	"github.com/nainya/calicodb/pkg/page"
)

// freeListNextOffset is where a free page stores the id of the next
// free page, right after the 8-byte LSN slot
const freeListNextOffset = page.LsnSlot

// errEmptyFreeList reports a pop on an empty list; the allocate path
// treats it as "extend the file" rather than a failure
var errEmptyFreeList = errors.New("pager: cannot pop page: free list is empty")

// FreeList is the on-disk stack of reclaimed page ids. The head id
// lives in the file header; each free page stores its successor at a
// fixed offset.
type FreeList struct {
	pager *Pager
	head  page.Id
}

// Head returns the current head page id, or the null id
func (fl *FreeList) Head() page.Id { return fl.head }

// Pop removes and returns the head page as a writable handle. The
// returned page still holds its free-list contents; callers zero it
// before use.
func (fl *FreeList) Pop() (*page.Page, error) {
	if fl.head.IsNull() {
		return nil, errEmptyFreeList
	}
	pg, err := fl.pager.Acquire(fl.head)
	if err != nil {
		return nil, err
	}
	fl.pager.Upgrade(pg)
	fl.head = page.Id(pg.U64(freeListNextOffset))
	return pg, nil
}

// Push prepends a writable page to the list. The page is zeroed
// except for its next pointer. The root page is never pushed.
func (fl *FreeList) Push(pg *page.Page) {
	if pg.Id().IsRoot() {
		panic("free list: cannot push root page")
	}
	pg.Zero()
	pg.PutU64(freeListNextOffset, uint64(fl.head))
	fl.head = pg.Id()
	fl.pager.Release(pg)
}

// ABOUTME: Two-tier page registry mapping page ids to frames
// ABOUTME: Approximates LRU-2 with hot and warm insertion-ordered tiers

package pager

import (
	"container/list"

	"github.com/nainya/calicodb/pkg/page"
)

type registryEntry struct {
	pid   page.Id
	frame *frame
	hot   bool
	elem  *list.Element
}

// registry tracks resident pages across two tiers. A page enters warm
// on first touch and is promoted to hot on its next lookup, which
// keeps one-shot scans from flushing the hot working set.
type registry struct {
	hot    *list.List // front = most recently used
	warm   *list.List
	index  map[page.Id]*registryEntry
	hits   uint64
	misses uint64
}

func newRegistry() registry {
	return registry{
		hot:   list.New(),
		warm:  list.New(),
		index: make(map[page.Id]*registryEntry),
	}
}

// put registers a newly resident page in the warm tier. The page must
// not already be registered.
func (r *registry) put(pid page.Id, f *frame) {
	if _, ok := r.index[pid]; ok {
		panic("registry: page already registered")
	}
	entry := &registryEntry{pid: pid, frame: f}
	entry.elem = r.warm.PushFront(entry)
	r.index[pid] = entry
}

// get returns the frame holding pid, or nil. A hot hit refreshes the
// entry; a warm hit promotes it to hot.
func (r *registry) get(pid page.Id) *frame {
	entry, ok := r.index[pid]
	if !ok {
		r.misses++
		return nil
	}
	r.hits++
	if entry.hot {
		r.hot.MoveToFront(entry.elem)
	} else {
		r.warm.Remove(entry.elem)
		entry.hot = true
		entry.elem = r.hot.PushFront(entry)
	}
	return entry.frame
}

// lookup returns the frame holding pid without touching recency state
func (r *registry) lookup(pid page.Id) *frame {
	if entry, ok := r.index[pid]; ok {
		return entry.frame
	}
	return nil
}

// erase removes pid from whichever tier holds it
func (r *registry) erase(pid page.Id) {
	entry, ok := r.index[pid]
	if !ok {
		panic("registry: cannot find entry to erase")
	}
	if entry.hot {
		r.hot.Remove(entry.elem)
	} else {
		r.warm.Remove(entry.elem)
	}
	delete(r.index, pid)
}

// evictionCandidate returns the oldest entry accepted by pred,
// preferring the warm tier, or nil
func (r *registry) evictionCandidate(pred func(*frame) bool) *registryEntry {
	for _, tier := range []*list.List{r.warm, r.hot} {
		for elem := tier.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*registryEntry)
			if pred(entry.frame) {
				return entry
			}
		}
	}
	return nil
}

func (r *registry) len() int {
	return len(r.index)
}

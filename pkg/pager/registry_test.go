package pager

import "testing"

func TestRegistryWarmThenHot(t *testing.T) {
	r := newRegistry()
	f := &frame{}
	r.put(2, f)

	// First lookup promotes warm -> hot
	if got := r.get(2); got != f {
		t.Fatal("lookup missed a registered page")
	}
	if r.warm.Len() != 0 || r.hot.Len() != 1 {
		t.Errorf("tiers after promotion: warm=%d hot=%d", r.warm.Len(), r.hot.Len())
	}
	if r.hits != 1 || r.misses != 0 {
		t.Errorf("counters: hits=%d misses=%d", r.hits, r.misses)
	}

	// Second lookup stays hot
	r.get(2)
	if r.hot.Len() != 1 {
		t.Errorf("hot tier grew: %d", r.hot.Len())
	}
}

func TestRegistryMissCounts(t *testing.T) {
	r := newRegistry()
	if r.get(9) != nil {
		t.Fatal("lookup of unknown page succeeded")
	}
	if r.misses != 1 {
		t.Errorf("miss counter: %d", r.misses)
	}
}

func TestRegistryErase(t *testing.T) {
	r := newRegistry()
	r.put(2, &frame{})
	r.put(3, &frame{})
	r.get(3) // promote

	r.erase(2)
	r.erase(3)
	if r.len() != 0 {
		t.Errorf("registry not empty: %d", r.len())
	}
}

func TestRegistryEvictionPrefersOldestWarm(t *testing.T) {
	r := newRegistry()
	f2, f3, f4 := &frame{pid: 2}, &frame{pid: 3}, &frame{pid: 4}
	r.put(2, f2)
	r.put(3, f3)
	r.put(4, f4)
	r.get(2) // 2 becomes hot; 3 is now the oldest warm entry

	entry := r.evictionCandidate(func(f *frame) bool { return true })
	if entry == nil || entry.frame != f3 {
		t.Errorf("eviction candidate: got %+v, want frame for page 3", entry)
	}
}

func TestRegistryEvictionSkipsRejected(t *testing.T) {
	r := newRegistry()
	f2, f3 := &frame{pid: 2, pins: 1}, &frame{pid: 3, pins: 1}
	r.put(2, f2)
	r.put(3, f3)

	entry := r.evictionCandidate(func(f *frame) bool { return f.pins == 0 })
	if entry != nil {
		t.Errorf("pinned frame offered for eviction: %+v", entry)
	}

	f3.pins = 0
	entry = r.evictionCandidate(func(f *frame) bool { return f.pins == 0 })
	if entry == nil || entry.frame != f3 {
		t.Error("unpinned frame not found")
	}
}

func TestRegistryDoublePutPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate put")
		}
	}()
	r := newRegistry()
	r.put(2, &frame{})
	r.put(2, &frame{})
}

package tree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/pager"
	"github.com/nainya/calicodb/pkg/status"
	"github.com/nainya/calicodb/pkg/wal"
)

func newTestTree(t *testing.T, pageSize int) (*Tree, *pager.Pager) {
	t.Helper()
	e := env.NewMemEnv()
	file, err := e.NewFile("/test/data", env.ModeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	w, err := wal.OpenWriter(wal.Options{Env: e, Prefix: "/test/data-wal"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := pager.Open(pager.Params{
		Env:        e,
		DataFile:   file,
		DataPath:   "/test/data",
		Wal:        w,
		PageSize:   pageSize,
		FrameCount: 64,
		PageCount:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	tr := New(p, nil)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	return tr, p
}

func mustPut(t *testing.T, tr *Tree, key, value string) {
	t.Helper()
	if _, err := tr.Insert([]byte(key), []byte(value)); err != nil {
		t.Fatalf("insert %q: %v", key, err)
	}
}

func mustGet(t *testing.T, tr *Tree, key, want string) {
	t.Helper()
	value, err := tr.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	if string(value) != want {
		t.Fatalf("get %q: got %q, want %q", key, value, want)
	}
}

func TestTreeInsertGet(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	mustPut(t, tr, "apple", "red")
	mustPut(t, tr, "banana", "yellow")
	mustPut(t, tr, "cherry", "dark red")

	mustGet(t, tr, "apple", "red")
	mustGet(t, tr, "banana", "yellow")
	mustGet(t, tr, "cherry", "dark red")

	if _, err := tr.Get([]byte("durian")); !status.IsNotFound(err) {
		t.Errorf("missing key: %v", err)
	}
}

func TestTreeInsertReplaces(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	added, err := tr.Insert([]byte("k"), []byte("v1"))
	if err != nil || !added {
		t.Fatalf("first insert: added=%v err=%v", added, err)
	}
	added, err = tr.Insert([]byte("k"), []byte("v2"))
	if err != nil || added {
		t.Fatalf("replace: added=%v err=%v", added, err)
	}
	mustGet(t, tr, "k", "v2")
}

func TestTreeKeyValidation(t *testing.T) {
	tr, _ := newTestTree(t, 512)

	if _, err := tr.Insert(nil, []byte("v")); !bytes.Contains([]byte(err.Error()), []byte("invalid argument")) {
		t.Errorf("empty key: %v", err)
	}

	// Exactly at the limit succeeds; one byte past fails
	limit := MaxKeyLength(512)
	exact := bytes.Repeat([]byte{'k'}, limit)
	if _, err := tr.Insert(exact, []byte("v")); err != nil {
		t.Errorf("key at limit: %v", err)
	}
	mustGet(t, tr, string(exact), "v")

	over := bytes.Repeat([]byte{'k'}, limit+1)
	if _, err := tr.Insert(over, []byte("v")); err == nil {
		t.Error("oversized key accepted")
	}
}

func TestTreeEraseRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 4096)
	mustPut(t, tr, "k", "v")
	if err := tr.Erase([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Get([]byte("k")); !status.IsNotFound(err) {
		t.Errorf("get after erase: %v", err)
	}
	if err := tr.Erase([]byte("k")); !status.IsNotFound(err) {
		t.Errorf("double erase: %v", err)
	}
}

func TestTreeSplitGrowsDepth(t *testing.T) {
	// Small pages with 64-byte values force splits quickly
	tr, p := newTestTree(t, 512)

	value := bytes.Repeat([]byte{'v'}, 64)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%03d", i)
		if _, err := tr.Insert([]byte(key), value); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}

	// The root must have become internal
	pg, err := p.Acquire(page.Root)
	if err != nil {
		t.Fatal(err)
	}
	root := asNode(pg)
	if root.isExternal() {
		t.Error("root still external after 100 inserts on 512-byte pages")
	}
	p.Release(pg)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%03d", i)
		got, err := tr.Get([]byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("get %s: wrong value", key)
		}
	}
}

func TestTreeLeafChainOrdered(t *testing.T) {
	tr, p := newTestTree(t, 512)

	value := bytes.Repeat([]byte{'v'}, 40)
	// Insert out of order
	for i := 99; i >= 0; i-- {
		key := fmt.Sprintf("k%03d", i)
		if _, err := tr.Insert([]byte(key), value); err != nil {
			t.Fatal(err)
		}
	}

	// Walk the leaf chain and confirm strict ascending key order
	n, err := tr.acquire(page.Root)
	if err != nil {
		t.Fatal(err)
	}
	for !n.isExternal() {
		var child page.Id
		if n.cellCount() > 0 {
			child = n.cellAt(0).child
		} else {
			child = n.rightmost()
		}
		tr.release(n)
		if n, err = tr.acquire(child); err != nil {
			t.Fatal(err)
		}
	}

	var prevKey []byte
	var prevLeaf page.Id
	count := 0
	for {
		for i := 0; i < n.cellCount(); i++ {
			key := n.cellAt(i).key
			if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
				t.Fatalf("keys out of order: %q then %q", prevKey, key)
			}
			prevKey = append(prevKey[:0], key...)
			count++
		}
		if got := n.prevSibling(); got != prevLeaf {
			t.Errorf("leaf %d prev pointer: got %d, want %d", n.id(), got, prevLeaf)
		}
		next := n.nextSibling()
		prevLeaf = n.id()
		tr.release(n)
		if next.IsNull() {
			break
		}
		if n, err = tr.acquire(next); err != nil {
			t.Fatal(err)
		}
	}
	if count != 100 {
		t.Errorf("leaf chain holds %d keys, want 100", count)
	}
	_ = p
}

func TestTreeSeparatorInvariant(t *testing.T) {
	tr, _ := newTestTree(t, 512)

	value := bytes.Repeat([]byte{'v'}, 48)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%04d", i*7%200)
		if _, err := tr.Insert([]byte(key), value); err != nil {
			t.Fatal(err)
		}
	}
	checkSeparators(t, tr, page.Root, nil, nil)
}

// checkSeparators walks the tree verifying every internal separator
// bounds its subtrees
func checkSeparators(t *testing.T, tr *Tree, pid page.Id, lo, hi []byte) {
	t.Helper()
	n, err := tr.acquire(pid)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.release(n)

	if n.isExternal() {
		for i := 0; i < n.cellCount(); i++ {
			key := n.cellAt(i).key
			if lo != nil && bytes.Compare(key, lo) < 0 {
				t.Errorf("leaf %d key %q below bound %q", pid, key, lo)
			}
			if hi != nil && bytes.Compare(key, hi) >= 0 {
				t.Errorf("leaf %d key %q at or above bound %q", pid, key, hi)
			}
		}
		return
	}
	bound := lo
	for i := 0; i < n.cellCount(); i++ {
		c := n.cellAt(i)
		sep := append([]byte(nil), c.key...)
		checkSeparators(t, tr, c.child, bound, sep)
		bound = sep
	}
	checkSeparators(t, tr, n.rightmost(), bound, hi)
}

func TestTreeEraseMergesBackToRoot(t *testing.T) {
	tr, p := newTestTree(t, 512)

	value := bytes.Repeat([]byte{'v'}, 64)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%03d", i)
		if _, err := tr.Insert([]byte(key), value); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%03d", i)
		if err := tr.Erase([]byte(key)); err != nil {
			t.Fatalf("erase %s: %v", key, err)
		}
	}

	// Everything is gone and the structure collapsed
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%03d", i)
		if _, err := tr.Get([]byte(key)); !status.IsNotFound(err) {
			t.Fatalf("get %s after erase: %v", key, err)
		}
	}
	pg, err := p.Acquire(page.Root)
	if err != nil {
		t.Fatal(err)
	}
	root := asNode(pg)
	if !root.isExternal() || root.cellCount() != 0 {
		t.Errorf("root after mass erase: external=%v cells=%d",
			root.isExternal(), root.cellCount())
	}
	p.Release(pg)
}

func TestTreeOverflowValues(t *testing.T) {
	tr, p := newTestTree(t, 512)

	// Values far beyond the local budget spill into overflow chains
	large := bytes.Repeat([]byte("0123456789abcdef"), 256) // 4 KiB
	if _, err := tr.Insert([]byte("big"), large); err != nil {
		t.Fatal(err)
	}
	mustPut(t, tr, "small", "s")

	got, err := tr.Get([]byte("big"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, large) {
		t.Fatalf("overflow round trip: got %d bytes, want %d", len(got), len(large))
	}

	// Erasing the record reclaims the chain
	pagesBefore := p.PageCount()
	if err := tr.Erase([]byte("big")); err != nil {
		t.Fatal(err)
	}
	if p.FreeListHead().IsNull() {
		t.Error("overflow pages not reclaimed")
	}
	if p.PageCount() != pagesBefore {
		t.Errorf("page count changed on erase: %d -> %d", pagesBefore, p.PageCount())
	}
	mustGet(t, tr, "small", "s")
}

func TestTreeOverflowReplacedValue(t *testing.T) {
	tr, _ := newTestTree(t, 512)

	large := bytes.Repeat([]byte{'L'}, 2000)
	if _, err := tr.Insert([]byte("k"), large); err != nil {
		t.Fatal(err)
	}
	// Replacing with a small value frees the old chain
	mustPut(t, tr, "k", "tiny")
	mustGet(t, tr, "k", "tiny")
}

func TestTreeSingleRootPage(t *testing.T) {
	// Everything fits on the root: no overflow, no splits
	tr, p := newTestTree(t, 4096)
	mustPut(t, tr, "a", "1")
	mustPut(t, tr, "b", "2")
	if err := tr.Erase([]byte("a")); err != nil {
		t.Fatal(err)
	}
	mustGet(t, tr, "b", "2")
	if p.PageCount() != 1 {
		t.Errorf("page count: %d, want 1", p.PageCount())
	}
}

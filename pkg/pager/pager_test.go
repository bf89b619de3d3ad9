package pager

import (
	"bytes"
	"testing"

	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
	"github.com/nainya/calicodb/pkg/wal"
)

const testPageSize = 512

func newTestPager(t *testing.T, frameCount int) (*Pager, *env.MemEnv) {
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
	p, err := Open(Params{
		Env:        e,
		DataFile:   file,
		DataPath:   "/test/data",
		Wal:        w,
		PageSize:   testPageSize,
		FrameCount: frameCount,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, e
}

func allocPages(t *testing.T, p *Pager, n int) []page.Id {
	t.Helper()
	ids := make([]page.Id, n)
	for i := range ids {
		pg, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = pg.Id()
		p.Release(pg)
	}
	return ids
}

func TestPagerAllocateExtendsFile(t *testing.T) {
	p, _ := newTestPager(t, 16)
	ids := allocPages(t, p, 3)
	for i, id := range ids {
		if id != page.Id(i+1) {
			t.Errorf("allocation %d: got page %d", i, id)
		}
	}
	if p.PageCount() != 3 {
		t.Errorf("page count: %d", p.PageCount())
	}
}

func TestPagerAcquireOutOfRange(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 1)
	if _, err := p.Acquire(0); !status.IsCorruption(err) {
		t.Errorf("null page: %v", err)
	}
	if _, err := p.Acquire(5); !status.IsCorruption(err) {
		t.Errorf("out of range: %v", err)
	}
}

func TestPagerWriteReadBack(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 2)

	pg, err := p.Acquire(2)
	if err != nil {
		t.Fatal(err)
	}
	p.Upgrade(pg)
	pg.Write(100, []byte("payload"))
	p.Release(pg)

	pg, err = p.Acquire(2)
	if err != nil {
		t.Fatal(err)
	}
	if got := pg.View(100, 7); string(got) != "payload" {
		t.Errorf("read back %q", got)
	}
	p.Release(pg)
}

func TestPagerFlushWritesThroughWal(t *testing.T) {
	p, e := newTestPager(t, 16)
	allocPages(t, p, 2)

	pg, err := p.Acquire(2)
	if err != nil {
		t.Fatal(err)
	}
	p.Upgrade(pg)
	pg.Write(64, []byte("durable bytes"))
	p.Release(pg)

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	// The page reached the data file
	contents, _ := e.GetFileContents("/test/data")
	off := (2 - 1) * testPageSize
	if !bytes.Equal(contents[off+64:off+77], []byte("durable bytes")) {
		t.Error("flushed page not in data file")
	}

	// And its record is in the log ahead of it
	if ok, _ := wal.HasSegments(e, "/test/data-wal"); !ok {
		t.Error("flush produced no WAL segment")
	}
	if p.wal.FlushedLsn() == 0 {
		t.Error("WAL was not made durable before the page write")
	}

	// Page LSN stamped on the way out
	pg, _ = p.Acquire(2)
	if pg.Lsn() == 0 {
		t.Error("page LSN not stamped")
	}
	p.Release(pg)
}

func TestPagerFlushCleansDirtyState(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 1)

	pg, _ := p.Acquire(1)
	p.Upgrade(pg)
	pg.Write(64, []byte("x"))
	p.Release(pg)

	if p.Stats().DirtyFrames != 1 {
		t.Fatalf("dirty frames before flush: %d", p.Stats().DirtyFrames)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if p.Stats().DirtyFrames != 0 {
		t.Errorf("dirty frames after flush: %d", p.Stats().DirtyFrames)
	}
	// Idempotent when clean
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestPagerFreeListLifo(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 4)

	destroy := func(pid page.Id) {
		pg, err := p.Acquire(pid)
		if err != nil {
			t.Fatal(err)
		}
		p.Upgrade(pg)
		p.Destroy(pg)
	}
	destroy(2)
	destroy(3)

	// Pop returns the most recently pushed id
	pg, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if pg.Id() != 3 {
		t.Errorf("first reuse: got page %d, want 3", pg.Id())
	}
	p.Release(pg)

	pg, err = p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if pg.Id() != 2 {
		t.Errorf("second reuse: got page %d, want 2", pg.Id())
	}
	p.Release(pg)

	// List exhausted; the file extends again
	pg, err = p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if pg.Id() != 5 {
		t.Errorf("extension after reuse: got page %d, want 5", pg.Id())
	}
	p.Release(pg)
	if !p.FreeListHead().IsNull() {
		t.Errorf("free list head: %d", p.FreeListHead())
	}
}

func TestPagerFreeListRoundTrip(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 2)

	pg, _ := p.Acquire(2)
	p.Upgrade(pg)
	p.Destroy(pg)

	reused, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(reused)
	if reused.Id() != 2 {
		t.Errorf("push/pop round trip: got %d, want 2", reused.Id())
	}
	// Reused pages come back zeroed
	for _, b := range reused.View(page.LsnSlot, testPageSize-page.LsnSlot) {
		if b != 0 {
			t.Fatal("reused page not zeroed")
		}
	}
}

func TestPagerBusyWhenAllFramesPinned(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 20)

	var pinned []*page.Page
	for pid := page.Id(1); pid <= 16; pid++ {
		pg, err := p.Acquire(pid)
		if err != nil {
			t.Fatal(err)
		}
		pinned = append(pinned, pg)
	}
	if _, err := p.Acquire(17); !status.IsBusy(err) {
		t.Errorf("expected busy, got %v", err)
	}

	// Releasing one frame unblocks the acquire
	p.Release(pinned[0])
	pg, err := p.Acquire(17)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(pg)
	for _, pg := range pinned[1:] {
		p.Release(pg)
	}
}

func TestPagerEvictionFlushesDirtyFrames(t *testing.T) {
	p, e := newTestPager(t, 16)
	allocPages(t, p, 40)

	pg, err := p.Acquire(5)
	if err != nil {
		t.Fatal(err)
	}
	p.Upgrade(pg)
	pg.Write(64, []byte("evict me"))
	p.Release(pg)

	// Dirty enough other pages to force page 5 out of the pool: clean
	// frames are evicted first, so only dirty ones push it out
	for pid := page.Id(20); pid <= 40; pid++ {
		pg, err := p.Acquire(pid)
		if err != nil {
			t.Fatal(err)
		}
		p.Upgrade(pg)
		pg.Write(128, []byte("filler"))
		p.Release(pg)
	}

	contents, _ := e.GetFileContents("/test/data")
	off := (5-1)*testPageSize + 64
	if !bytes.Equal(contents[off:off+8], []byte("evict me")) {
		t.Error("dirty page lost during eviction")
	}

	// Reading it back goes to the data file
	pg, err = p.Acquire(5)
	if err != nil {
		t.Fatal(err)
	}
	if got := pg.View(64, 8); string(got) != "evict me" {
		t.Errorf("read after eviction: %q", got)
	}
	p.Release(pg)
}

func TestPagerStats(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 2)

	pg, _ := p.Acquire(2)
	p.Release(pg)
	pg, _ = p.Acquire(2)
	p.Release(pg)

	stats := p.Stats()
	if stats.Hits == 0 {
		t.Error("expected registry hits")
	}
}

func TestPagerTruncate(t *testing.T) {
	p, e := newTestPager(t, 16)
	allocPages(t, p, 6)
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := p.Truncate(3); err != nil {
		t.Fatal(err)
	}
	if p.PageCount() != 3 {
		t.Errorf("page count after truncate: %d", p.PageCount())
	}
	if size, _ := e.FileSize("/test/data"); size != 3*testPageSize {
		t.Errorf("file size after truncate: %d", size)
	}
	if _, err := p.Acquire(4); !status.IsCorruption(err) {
		t.Errorf("acquire past truncation: %v", err)
	}
}

func TestPagerDiscardDirty(t *testing.T) {
	p, _ := newTestPager(t, 16)
	allocPages(t, p, 2)
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}

	pg, _ := p.Acquire(2)
	p.Upgrade(pg)
	pg.Write(100, []byte("doomed"))
	p.Release(pg)

	p.DiscardDirty()

	pg, _ = p.Acquire(2)
	defer p.Release(pg)
	for _, b := range pg.View(100, 6) {
		if b != 0 {
			t.Fatal("discarded write survived")
		}
	}
	if p.Stats().DirtyFrames != 0 {
		t.Error("dirty frames after discard")
	}
}

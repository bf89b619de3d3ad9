// Package pager implements the buffered page cache over the data
// file: a fixed frame pool, the two-tier page registry, pin/unpin
// discipline, the on-disk free list, and the WAL write-through fence
// that keeps dirty pages from reaching the data file before their log
// records are durable
package pager

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/nainya/calicodb/internal/logger"
	"github.com/nainya/calicodb/internal/metrics"
	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
	"github.com/nainya/calicodb/pkg/wal"
)

// MinFrameCount is the smallest allowed frame pool
const MinFrameCount = 16

// frame is an in-memory buffer hosting one page
type frame struct {
	buf      []byte
	pid      page.Id
	pins     int
	lsn      page.Lsn     // LSN of last logged modification
	deltas   []page.Delta // modified ranges since last flush
	snapshot []byte       // page contents at first modification
}

func (f *frame) dirty() bool { return len(f.deltas) > 0 }

func (f *frame) reset() {
	f.pid = page.Null
	f.pins = 0
	f.lsn = 0
	f.deltas = f.deltas[:0]
	f.snapshot = nil
}

// Params configures a pager
type Params struct {
	Env        env.Env
	DataFile   env.File
	DataPath   string
	Wal        *wal.Writer
	PageSize   int
	FrameCount int
	PageCount  uint64
	FreeHead   page.Id
	Log        *logger.Logger
	Metrics    *metrics.Metrics
}

// Stats is a snapshot of pager activity
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	PageReads   uint64
	PageWrites  uint64
	DirtyFrames int
}

// Pager owns the frame pool and mediates every page access
type Pager struct {
	env      env.Env
	file     env.File
	path     string
	wal      *wal.Writer
	pageSize int

	frames    []*frame
	available []*frame
	reg       registry
	fl        FreeList

	pageCount uint64
	evictions uint64
	reads     uint64
	writes    uint64

	log     *logger.Logger
	metrics *metrics.Metrics
}

// Open constructs a pager over an already-opened data file
func Open(params Params) (*Pager, error) {
	if params.FrameCount < MinFrameCount {
		params.FrameCount = MinFrameCount
	}
	if params.Log == nil {
		params.Log = logger.Nop()
	}

	p := &Pager{
		env:       params.Env,
		file:      params.DataFile,
		path:      params.DataPath,
		wal:       params.Wal,
		pageSize:  params.PageSize,
		reg:       newRegistry(),
		pageCount: params.PageCount,
		log:       params.Log.Component("pager"),
		metrics:   params.Metrics,
	}
	p.fl = FreeList{pager: p, head: params.FreeHead}

	p.frames = make([]*frame, params.FrameCount)
	p.available = make([]*frame, 0, params.FrameCount)
	for i := range p.frames {
		f := &frame{buf: make([]byte, params.PageSize)}
		p.frames[i] = f
		p.available = append(p.available, f)
	}

	p.log.Debug("pager opened").
		Int("frame_count", params.FrameCount).
		Int("page_size", params.PageSize).
		Uint64("page_count", params.PageCount).
		Msg("")
	return p, nil
}

// PageSize returns the configured page size
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the highest allocated page id
func (p *Pager) PageCount() uint64 { return p.pageCount }

// FreeListHead returns the current free-list head for header persistence
func (p *Pager) FreeListHead() page.Id { return p.fl.head }

// SetFreeListHead installs the head read from the file header
func (p *Pager) SetFreeListHead(head page.Id) { p.fl.head = head }

// Stats returns a snapshot of the pager's counters
func (p *Pager) Stats() Stats {
	dirty := 0
	for _, f := range p.frames {
		if f.dirty() {
			dirty++
		}
	}
	return Stats{
		Hits:        p.reg.hits,
		Misses:      p.reg.misses,
		Evictions:   p.evictions,
		PageReads:   p.reads,
		PageWrites:  p.writes,
		DirtyFrames: dirty,
	}
}

// Acquire pins the frame holding pid, reading the page in on a miss,
// and returns a read handle. Fails with a busy status when every
// frame is pinned.
func (p *Pager) Acquire(pid page.Id) (*page.Page, error) {
	if pid.IsNull() || uint64(pid) > p.pageCount {
		return nil, status.Corruption("page %d out of range (page count %d)", pid, p.pageCount)
	}
	if f := p.reg.get(pid); f != nil {
		f.pins++
		if p.metrics != nil {
			p.metrics.CacheHitsTotal.Inc()
		}
		return page.NewView(pid, f.buf), nil
	}
	if p.metrics != nil {
		p.metrics.CacheMissesTotal.Inc()
	}

	f, err := p.obtainFrame()
	if err != nil {
		return nil, err
	}
	if err := p.readPage(pid, f.buf); err != nil {
		p.available = append(p.available, f)
		return nil, err
	}
	f.pid = pid
	if !pid.IsRoot() {
		f.lsn = page.NewView(pid, f.buf).Lsn()
	}
	f.pins = 1
	p.reg.put(pid, f)
	return page.NewView(pid, f.buf), nil
}

// Release unpins a page handle. Every Acquire must be paired with a
// Release on all paths, including error paths.
func (p *Pager) Release(pg *page.Page) {
	f := p.reg.lookup(pg.Id())
	if f == nil || f.pins <= 0 {
		panic("release of page that is not pinned")
	}
	f.pins--
}

// Upgrade grants write access to an acquired page, capturing the
// pre-image if this is the page's first modification since the last
// flush and attaching the frame's delta list to the handle
func (p *Pager) Upgrade(pg *page.Page) {
	f := p.reg.lookup(pg.Id())
	if f == nil || f.pins <= 0 {
		panic("upgrade of page that is not pinned")
	}
	if f.snapshot == nil {
		f.snapshot = append([]byte(nil), f.buf...)
	}
	pg.Attach(&f.deltas)
}

// Allocate returns a fresh writable page, popping the free list when
// it is non-empty and extending the file otherwise
func (p *Pager) Allocate() (*page.Page, error) {
	pg, err := p.fl.Pop()
	if err == nil {
		pg.Zero()
		return pg, nil
	}
	if !errors.Is(err, errEmptyFreeList) {
		return nil, err
	}

	p.pageCount++
	pid := page.Id(p.pageCount)
	pg, err = p.Acquire(pid)
	if err != nil {
		p.pageCount--
		return nil, err
	}
	p.Upgrade(pg)
	pg.Zero()
	return pg, nil
}

// Destroy zeros a writable page and pushes it onto the free list,
// releasing the handle
func (p *Pager) Destroy(pg *page.Page) {
	if !pg.Writable() {
		panic("destroy of non-writable page")
	}
	p.fl.Push(pg)
}

// Flush makes every dirty frame clean: all pending modifications are
// logged, the WAL is made durable through the highest logged LSN, and
// only then are the pages written to the data file
func (p *Pager) Flush() error {
	var maxLsn page.Lsn
	var dirty []*frame
	for _, f := range p.frames {
		if f.dirty() {
			if err := p.logFrame(f); err != nil {
				return err
			}
			if f.lsn > maxLsn {
				maxLsn = f.lsn
			}
			dirty = append(dirty, f)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := p.wal.FlushTo(maxLsn); err != nil {
		return err
	}
	for _, f := range dirty {
		if err := p.writeFrame(f); err != nil {
			return err
		}
	}
	if p.metrics != nil {
		p.metrics.FramesDirty.Set(0)
	}
	return nil
}

// Sync fsyncs the data file
func (p *Pager) Sync() error {
	return p.file.Sync()
}

// PatchUnlogged writes bytes through to the frame and the data file
// without producing a WAL record. Reserved for the file-header stamp
// that lands after the commit fence; the page must be clean.
func (p *Pager) PatchUnlogged(pid page.Id, offset int, data []byte) error {
	pg, err := p.Acquire(pid)
	if err != nil {
		return err
	}
	defer p.Release(pg)
	f := p.reg.lookup(pid)
	if f.dirty() {
		return status.Logic("unlogged patch of dirty page %d", pid)
	}
	copy(f.buf[offset:], data)
	_, err = p.file.WriteAt(data, int64(pid-1)*int64(p.pageSize)+int64(offset))
	return err
}

// Shrink drops the in-memory state for pages past newCount and lowers
// the page count, so later allocations reuse the dead tail. Unflushed
// modifications of dropped pages are discarded: their contents have
// been relocated below newCount, and the pages themselves are dead.
// The data file keeps its length until TruncateFile, which only runs
// once the shrinking transaction has committed.
func (p *Pager) Shrink(newCount uint64) error {
	for _, f := range p.frames {
		if !f.pid.IsNull() && uint64(f.pid) > newCount {
			if f.pins > 0 {
				return status.Logic("shrink: page %d is pinned", f.pid)
			}
			p.reg.erase(f.pid)
			f.reset()
			p.available = append(p.available, f)
		}
	}
	p.pageCount = newCount
	return nil
}

// TruncateFile resizes the data file to match the current page count
func (p *Pager) TruncateFile() error {
	return p.env.Resize(p.path, int64(p.pageCount)*int64(p.pageSize))
}

// Truncate shrinks the pool and the data file in one step
func (p *Pager) Truncate(newCount uint64) error {
	if err := p.Shrink(newCount); err != nil {
		return err
	}
	return p.TruncateFile()
}

// DiscardDirty throws away all unflushed modifications by restoring
// each dirty frame's pre-image. Used when a write transaction aborts.
func (p *Pager) DiscardDirty() {
	for _, f := range p.frames {
		if f.dirty() {
			copy(f.buf, f.snapshot)
			f.deltas = f.deltas[:0]
			f.snapshot = nil
		}
	}
	if p.metrics != nil {
		p.metrics.FramesDirty.Set(0)
	}
}

// obtainFrame returns an unused frame, evicting a registered page if
// necessary. Preference order: a free frame, the oldest clean warm
// entry, the oldest clean hot entry, then flush-then-evict the oldest
// dirty unpinned entry. Never evicts a pinned frame; fails busy when
// every frame is pinned.
func (p *Pager) obtainFrame() (*frame, error) {
	if n := len(p.available); n > 0 {
		f := p.available[n-1]
		p.available = p.available[:n-1]
		return f, nil
	}

	entry := p.reg.evictionCandidate(func(f *frame) bool {
		return f.pins == 0 && !f.dirty()
	})
	if entry == nil {
		entry = p.reg.evictionCandidate(func(f *frame) bool {
			return f.pins == 0
		})
		if entry == nil {
			return nil, status.Busy("all %d frames are pinned", len(p.frames))
		}
		if err := p.flushFrame(entry.frame); err != nil {
			return nil, err
		}
	}

	f := entry.frame
	p.reg.erase(entry.pid)
	p.evictions++
	if p.metrics != nil {
		p.metrics.CacheEvictionsTotal.Inc()
	}
	f.reset()
	return f, nil
}

// flushFrame makes a single frame clean, honoring the write-through
// fence for its own records
func (p *Pager) flushFrame(f *frame) error {
	if f.dirty() {
		if err := p.logFrame(f); err != nil {
			return err
		}
		if err := p.wal.FlushTo(f.lsn); err != nil {
			return err
		}
	}
	return p.writeFrame(f)
}

// logFrame serialises a frame's compressed deltas into one WAL record
// and stamps the page with the record's LSN
func (p *Pager) logFrame(f *frame) error {
	deltas, _ := page.CompressDeltas(f.deltas)
	f.deltas = deltas

	entries := make([]wal.DeltaEntry, len(deltas))
	for i, d := range deltas {
		entries[i] = wal.DeltaEntry{
			Offset: uint16(d.Offset),
			Before: f.snapshot[d.Offset : d.Offset+d.Size],
			After:  f.buf[d.Offset : d.Offset+d.Size],
		}
	}
	lsn, err := p.wal.LogUpdate(f.pid, entries)
	if err != nil {
		return err
	}
	f.lsn = lsn
	if !f.pid.IsRoot() {
		stampPageLsn(f.buf, lsn)
	}
	if p.metrics != nil {
		p.metrics.WalRecordsTotal.Inc()
	}
	return nil
}

// writeFrame writes a logged frame to the data file and clears its
// dirty state
func (p *Pager) writeFrame(f *frame) error {
	if _, err := p.file.WriteAt(f.buf, int64(f.pid-1)*int64(p.pageSize)); err != nil {
		return err
	}
	f.deltas = f.deltas[:0]
	f.snapshot = nil
	p.writes++
	if p.metrics != nil {
		p.metrics.PageWritesTotal.Inc()
	}
	return nil
}

// readPage fills buf with the page's on-disk contents, zero-filling
// pages past the end of the file (allocated but never flushed)
func (p *Pager) readPage(pid page.Id, buf []byte) error {
	n, err := p.file.ReadAt(buf, int64(pid-1)*int64(p.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	p.reads++
	if p.metrics != nil {
		p.metrics.PageReadsTotal.Inc()
	}
	return nil
}

func stampPageLsn(buf []byte, lsn page.Lsn) {
	binary.LittleEndian.PutUint64(buf[:page.LsnSlot], uint64(lsn))
}

// ABOUTME: Database façade over the storage core
// ABOUTME: Wires env, WAL, pager and tree into the put/get/erase/commit/vacuum surface

// Package db exposes the embedded database handle: a single-writer
// transactional key/value store over the pager, WAL and B+Tree.
package db

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/calicodb/internal/logger"
	"github.com/nainya/calicodb/internal/metrics"
	"github.com/nainya/calicodb/pkg/env"
	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/pager"
	"github.com/nainya/calicodb/pkg/status"
	"github.com/nainya/calicodb/pkg/tree"
	"github.com/nainya/calicodb/pkg/wal"
)

// Page size limits
const (
	MinPageSize     = 512
	MaxPageSize     = 32768
	DefaultPageSize = 16384

	// DefaultCacheSize determines the frame count together with the
	// page size
	DefaultCacheSize = 1 << 20
)

// WalSuffix is appended to the data file path to form the default WAL
// prefix
const WalSuffix = "-wal"

// SyncMode controls fsync frequency
type SyncMode int

const (
	// SyncNormal makes the WAL durable at each commit; the data file
	// is synced at checkpoints and close
	SyncNormal SyncMode = iota

	// SyncFull additionally syncs the data file at each commit
	SyncFull

	// SyncNone skips the commit-time WAL sync and every data-file sync;
	// the WAL is still synced before dirty pages reach the data file
	// and when the handle closes
	SyncNone
)

// Options configures an Open call; zero values select the defaults
type Options struct {
	PageSize       int
	CacheSize      int
	WalSegmentSize int64

	// WalPrefix overrides where segment files live; by default they
	// sit next to the data file with the WalSuffix appended
	WalPrefix string

	SyncMode   SyncMode
	Env        env.Env
	Log        *logger.Logger
	Registerer prometheus.Registerer
}

// Stats is a point-in-time snapshot of database state and counters
type Stats struct {
	PageCount    uint64
	RecordCount  uint64
	CommitLsn    page.Lsn
	Pager        pager.Stats
	Wal          wal.Stats
	CacheHitRate float64
}

// DB is a database handle. All mutation is serialised by an internal
// lock; reads share it in this single-writer design.
type DB struct {
	mu   sync.Mutex
	opts Options
	path string

	env       env.Env
	file      env.File
	wal       *wal.Writer
	pager     *pager.Pager
	tree      *tree.Tree
	header    fileHeader
	metrics   *metrics.Metrics
	log       *logger.Logger
	registry  *prometheus.Registry

	// checkpointLsn is the commit LSN through which the data file is
	// known durable; segment cleanup never passes it
	checkpointLsn page.Lsn

	// walStart seeds the writer's LSN sequence past every LSN the
	// recovered log had handed out
	walStart page.Lsn

	// lastWalStats is the writer snapshot behind the exported
	// counters; deltas are added at each commit
	lastWalStats wal.Stats

	// needResize is set by Vacuum: the pager has already shrunk in
	// memory, and the data file gets resized after the next durable
	// commit
	needResize bool

	errored error // sticky fatal state; mutations fail until reopen
	closed  bool
}

// Open opens or creates the database at path
func Open(path string, opts Options) (*DB, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if err := checkPageSize(opts.PageSize); err != nil {
		return nil, err
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.WalSegmentSize == 0 {
		opts.WalSegmentSize = wal.DefaultSegmentSize
	}
	if opts.Env == nil {
		opts.Env = env.NewPosixEnv()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}

	if opts.WalPrefix == "" {
		opts.WalPrefix = path + WalSuffix
	}

	d := &DB{
		opts: opts,
		path: path,
		env:  opts.Env,
		log:  opts.Log.Component("db"),
	}
	if opts.Registerer != nil {
		d.metrics = metrics.NewMetrics(opts.Registerer)
	} else {
		d.registry = prometheus.NewRegistry()
		d.metrics = metrics.NewMetrics(d.registry)
	}

	// A zero-length file is fresh too: a crash can land between file
	// creation and the first header write
	fresh := !d.env.Exists(path)
	if !fresh {
		if size, err := d.env.FileSize(path); err == nil && size == 0 {
			fresh = true
		}
	}
	file, err := d.env.NewFile(path, env.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	d.file = file

	if fresh {
		err = d.initialize()
		d.walStart = d.header.commitLsn
	} else {
		err = d.recover()
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	w, err := wal.OpenWriter(wal.Options{
		Env:         d.env,
		Prefix:      opts.WalPrefix,
		SegmentSize: opts.WalSegmentSize,
		StartLsn:    d.walStart,
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	d.wal = w
	d.checkpointLsn = d.header.commitLsn

	p, err := pager.Open(pager.Params{
		Env:        d.env,
		DataFile:   d.file,
		DataPath:   path,
		Wal:        d.wal,
		PageSize:   d.header.pageSize,
		FrameCount: opts.CacheSize / d.header.pageSize,
		PageCount:  d.header.pageCount,
		FreeHead:   d.header.freeHead,
		Log:        opts.Log,
		Metrics:    d.metrics,
	})
	if err != nil {
		file.Close()
		return nil, err
	}
	d.pager = p
	d.tree = tree.New(p, opts.Log)

	if fresh {
		if err := d.tree.Init(); err != nil {
			file.Close()
			return nil, err
		}
		if err := d.commitLocked(); err != nil {
			file.Close()
			return nil, err
		}
	}

	d.log.Info("database opened").
		Str("path", path).
		Bool("created", fresh).
		Uint64("page_count", d.header.pageCount).
		Uint64("record_count", d.header.recordCount).
		Msg("")
	return d, nil
}

// initialize formats a fresh data file with an empty header page
func (d *DB) initialize() error {
	d.header = fileHeader{
		pageSize:  d.opts.PageSize,
		pageCount: 1,
		root:      page.Root,
	}
	buf := make([]byte, d.opts.PageSize)
	d.header.encode(buf)
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if d.opts.SyncMode != SyncNone {
		return d.file.Sync()
	}
	return nil
}

// Get returns a copy of the value stored under key
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, status.Logic("database is closed")
	}
	start := time.Now()
	value, err := d.tree.Get(key)
	d.metrics.RecordDbOperation("get", err)
	d.log.LogDbOperation("get", time.Since(start), ignoreNotFound(err))
	return value, err
}

// Put stores value under key. The write is visible to this handle
// immediately but durable only after Commit.
func (d *DB) Put(key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(); err != nil {
		return err
	}
	start := time.Now()
	added, err := d.tree.Insert(key, value)
	if err == nil && added {
		d.header.recordCount++
	}
	d.observe("put", start, err)
	return err
}

// Erase removes key. Reports not-found when the key does not exist;
// that is not an error state.
func (d *DB) Erase(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(); err != nil {
		return err
	}
	start := time.Now()
	err := d.tree.Erase(key)
	if err == nil {
		d.header.recordCount--
	}
	if err != nil && !status.IsNotFound(err) {
		d.fail(err)
	}
	d.metrics.RecordDbOperation("erase", err)
	d.log.LogDbOperation("erase", time.Since(start), ignoreNotFound(err))
	return err
}

// Commit makes every mutation since the previous commit durable as
// one atomic unit
func (d *DB) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(); err != nil {
		return err
	}
	return d.commitLocked()
}

func (d *DB) commitLocked() error {
	start := time.Now()

	if err := d.updateHeaderPage(); err != nil {
		d.fail(err)
		return err
	}
	if err := d.pager.Flush(); err != nil {
		d.fail(err)
		return err
	}

	var lsn page.Lsn
	var err error
	if d.opts.SyncMode == SyncNone {
		lsn, err = d.wal.LogCommit()
	} else {
		lsn, err = d.wal.Commit()
	}
	if err != nil {
		d.fail(err)
		return err
	}
	d.header.commitLsn = lsn

	if err := d.stampCommitLsn(); err != nil {
		d.fail(err)
		return err
	}

	if d.opts.SyncMode == SyncFull {
		if err := d.pager.Sync(); err != nil {
			d.fail(err)
			return err
		}
		d.checkpointLsn = lsn
	}
	if err := d.wal.Cleanup(d.checkpointLsn); err != nil {
		d.fail(err)
		return err
	}

	// The commit record is in the log, so a crash can no longer roll
	// the vacuum back; the trailing pages may go
	if d.needResize {
		if err := d.pager.TruncateFile(); err != nil {
			d.fail(err)
			return err
		}
		d.needResize = false
	}

	d.metrics.ObserveCommit(time.Since(start))
	d.metrics.RecordDbOperation("commit", nil)
	d.metrics.DbRecordsTotal.Set(float64(d.header.recordCount))
	d.metrics.DbPagesTotal.Set(float64(d.header.pageCount))
	ws := d.wal.Stats()
	d.metrics.WalBytesTotal.Add(float64(ws.BytesWritten - d.lastWalStats.BytesWritten))
	d.metrics.WalSegmentsTotal.Add(float64(ws.SegmentsCreated - d.lastWalStats.SegmentsCreated))
	d.metrics.WalSyncsTotal.Add(float64(ws.Syncs - d.lastWalStats.Syncs))
	d.lastWalStats = ws
	d.log.LogDbOperation("commit", time.Since(start), nil)
	return nil
}

// updateHeaderPage writes the transactional header fields through the
// pager so they are logged with the rest of the transaction
func (d *DB) updateHeaderPage() error {
	d.header.pageCount = d.pager.PageCount()
	d.header.freeHead = d.pager.FreeListHead()

	pg, err := d.pager.Acquire(page.Root)
	if err != nil {
		return err
	}
	defer d.pager.Release(pg)
	d.pager.Upgrade(pg)

	buf := make([]byte, headerSize)
	copy(buf, pg.View(0, headerSize))
	d.header.encode(buf)
	pg.Write(0, buf)
	return nil
}

// stampCommitLsn records the new commit LSN in the header after the
// commit record is in the log, bypassing the WAL
func (d *DB) stampCommitLsn() error {
	pg, err := d.pager.Acquire(page.Root)
	if err != nil {
		return err
	}
	buf := make([]byte, headerSize)
	copy(buf, pg.View(0, headerSize))
	d.pager.Release(pg)

	d.header.encode(buf)
	return d.pager.PatchUnlogged(page.Root, 0, buf)
}

// Vacuum relocates live pages into free-list holes so the data file
// shrinks at the next commit
func (d *DB) Vacuum() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(); err != nil {
		return err
	}
	start := time.Now()
	before := d.pager.PageCount()
	newCount, err := d.tree.Vacuum()
	if err == nil && newCount < before {
		if err = d.pager.Shrink(newCount); err == nil {
			d.needResize = true
			d.metrics.VacuumedPagesTotal.Add(float64(before - newCount))
		}
	}
	d.observe("vacuum", start, err)
	return err
}

// Cursor returns a cursor over the key space. Cursors are invalidated
// by any structural change to the tree.
func (d *DB) Cursor() *tree.Cursor {
	return d.tree.Cursor()
}

// Checkpoint syncs the data file and removes log segments that no
// longer participate in recovery
func (d *DB) Checkpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writable(); err != nil {
		return err
	}
	return d.checkpointLocked()
}

func (d *DB) checkpointLocked() error {
	if d.opts.SyncMode != SyncNone {
		if err := d.pager.Sync(); err != nil {
			d.fail(err)
			return err
		}
	}
	d.checkpointLsn = d.header.commitLsn
	if err := d.wal.Cleanup(d.checkpointLsn); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

// Stats returns a snapshot of database state and activity counters
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps := d.pager.Stats()
	hitRate := 0.0
	if total := ps.Hits + ps.Misses; total > 0 {
		hitRate = float64(ps.Hits) / float64(total)
	}
	return Stats{
		PageCount:    d.pager.PageCount(),
		RecordCount:  d.header.recordCount,
		CommitLsn:    d.header.commitLsn,
		Pager:        ps,
		Wal:          d.wal.Stats(),
		CacheHitRate: hitRate,
	}
}

// Close checkpoints and releases the handle. Uncommitted mutations
// are discarded, exactly as a crash would discard them.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.errored == nil {
		if err := d.checkpointLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.log.Info("database closed").Str("path", d.path).Msg("")
	return firstErr
}

// writable gates mutating calls on the handle's health
func (d *DB) writable() error {
	if d.closed {
		return status.Logic("database is closed")
	}
	if d.errored != nil {
		return d.errored
	}
	return nil
}

// fail records a fatal error; the handle stays readable but rejects
// mutations until reopened. Not-found, invalid-argument and busy are
// caller-facing outcomes, not failures.
func (d *DB) fail(err error) {
	if err == nil || d.errored != nil {
		return
	}
	if status.IsNotFound(err) || status.IsBusy(err) || errors.Is(err, status.ErrInvalidArgument) {
		return
	}
	d.errored = err
	d.log.Error("database entered failed state").Err(err).Msg("")
}

func (d *DB) observe(op string, start time.Time, err error) {
	if err != nil && !status.IsNotFound(err) {
		d.fail(err)
	}
	d.metrics.RecordDbOperation(op, err)
	d.log.LogDbOperation(op, time.Since(start), ignoreNotFound(err))
}

func ignoreNotFound(err error) error {
	if status.IsNotFound(err) {
		return nil
	}
	return err
}

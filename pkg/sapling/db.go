// Package sapling is an embedded page-oriented key-value engine with one
// writer, many snapshot readers and nested write transactions.
package sapling

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/pager"
	"github.com/ssargent/sapling/pkg/telemetry"
)

const tracerName = "github.com/ssargent/sapling"

// DB is a database handle. All methods are safe for concurrent use.
type DB struct {
	mu sync.Mutex

	opts    Options
	log     *zap.Logger
	tracer  trace.Tracer
	stats   *telemetry.Stats
	limiter *rate.Limiter

	pages   *page.Table
	alloc   *pager.Allocator
	readers *pager.Readers

	gen     uint64
	root    uint32
	entries uint64
	writer  *Txn
	closed  bool
}

// Stat describes the committed state of a database
type Stat struct {
	PageSize      int    `json:"page_size"`
	Pages         uint32 `json:"pages"`
	Generation    uint64 `json:"generation"`
	Entries       uint64 `json:"entries"`
	Readers       int    `json:"readers"`
	WriterActive  bool   `json:"writer_active"`
	DeferredPages uint32 `json:"deferred_pages"`
	FreeHead      uint32 `json:"free_head"`
}

// Open creates an empty database
func Open(opts Options) (*DB, error) {
	opts = opts.withDefaults()

	db := &DB{
		opts:    opts,
		log:     opts.Logger,
		limiter: rate.NewLimiter(opts.CorruptionLogRate, opts.CorruptionLogBurst),
		readers: pager.NewReaders(),
		root:    page.Invalid,
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	db.tracer = tp.Tracer(tracerName)
	db.stats = telemetry.NewStats(db.onCorruption)

	pages, err := page.NewTable(opts.PageSize, opts.MaxPages, opts.Backing)
	if err != nil {
		return nil, err
	}
	for i := 0; i < metaPages; i++ {
		if _, _, err := pages.Extend(); err != nil {
			pages.Close()
			return nil, err
		}
	}
	db.install(pages, page.Invalid)
	writeMeta(pages, db.metaLocked())

	db.log.Info("database opened",
		zap.Int("page_size", opts.PageSize),
		zap.Uint32("max_pages", opts.MaxPages))
	return db, nil
}

func (db *DB) install(pages *page.Table, freeHead uint32) {
	db.pages = pages
	db.alloc = pager.New(pages, freeHead, db.readers, db.stats)
}

func (db *DB) metaLocked() meta {
	return meta{
		gen:     db.gen,
		free:    db.alloc.FreeHead(),
		npages:  db.alloc.NumPages(),
		root:    db.root,
		entries: db.entries,
	}
}

func (db *DB) onCorruption(e telemetry.Event) {
	if !db.limiter.Allow() {
		return
	}
	db.log.Warn("corruption guard fired",
		zap.Stringer("site", e.Counter),
		zap.Uint32("pgno", e.Pgno),
		zap.String("detail", e.Detail))
}

// Close releases all page memory. It fails with ErrBusy while any
// transaction is live.
func (db *DB) Close() error {
	if db == nil {
		return dberr.ErrInvalid
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	if db.writer != nil || db.readers.Count() > 0 {
		return dberr.New(dberr.Busy, "close with live transactions")
	}
	db.closed = true
	db.pages.Close()
	db.log.Info("database closed", zap.Uint64("generation", db.gen))
	return nil
}

// Begin starts a transaction; see BeginContext
func (db *DB) Begin(parent *Txn, flags TxnFlags) (*Txn, error) {
	return db.BeginContext(context.Background(), parent, flags)
}

// BeginContext starts a read transaction, a root write transaction or, when
// parent is set, a child of that write transaction. A second root writer
// fails immediately with ErrBusy.
func (db *DB) BeginContext(ctx context.Context, parent *Txn, flags TxnFlags) (*Txn, error) {
	if db == nil {
		return nil, dberr.ErrInvalid
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if parent != nil {
		return parent.beginChild(flags)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, dberr.New(dberr.Invalid, "database is closed")
	}

	t := &Txn{
		db:      db,
		flags:   flags,
		pages:   db.pages,
		gen:     db.gen,
		root:    db.root,
		entries: db.entries,
	}
	if flags&ReadOnly != 0 {
		db.readers.Pin(t.gen)
		return t, nil
	}
	if db.writer != nil {
		return nil, dberr.New(dberr.Busy, "write transaction already active")
	}
	t.scope = db.alloc.Open()
	t.newPages = make(map[uint32]struct{})
	t.oldPages = make(map[uint32]struct{})
	_, t.span = db.tracer.Start(ctx, "sapling.write_txn",
		trace.WithAttributes(genAttr(t.gen)))
	db.writer = t
	return t, nil
}

// CorruptionStats copies the corruption counters into out
func (db *DB) CorruptionStats(out *telemetry.Snapshot) error {
	if db == nil || out == nil {
		return dberr.ErrInvalid
	}
	*out = db.stats.Snapshot()
	return nil
}

// ResetCorruptionStats zeroes the corruption counters
func (db *DB) ResetCorruptionStats() error {
	if db == nil {
		return dberr.ErrInvalid
	}
	db.stats.Reset()
	return nil
}

// FreelistCheck walks the committed free list. It fails with ErrBusy while
// a write transaction is active. Structural problems are reported in out,
// not as an error.
func (db *DB) FreelistCheck(out *freelist.Report) error {
	if db == nil || out == nil {
		return dberr.ErrInvalid
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writer != nil {
		return dberr.New(dberr.Busy, "free-list check with active writer")
	}
	*out = db.alloc.Check()
	return nil
}

// DeferredCount reports how many pages wait for readers to finish
func (db *DB) DeferredCount(out *uint32) error {
	if db == nil || out == nil {
		return dberr.ErrInvalid
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	*out = db.alloc.DeferredCount()
	return nil
}

// Stat returns a summary of the committed state
func (db *DB) Stat() Stat {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stat{
		PageSize:      db.pages.PageSize(),
		Pages:         db.alloc.NumPages(),
		Generation:    db.gen,
		Entries:       db.entries,
		Readers:       db.readers.Count(),
		WriterActive:  db.writer != nil,
		DeferredPages: db.alloc.DeferredCount(),
		FreeHead:      db.alloc.FreeHead(),
	}
}

// Update runs fn in a write transaction, committing when fn returns nil
func (db *DB) Update(fn func(*Txn) error) error {
	t, err := db.Begin(nil, 0)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

// View runs fn in a read transaction
func (db *DB) View(fn func(*Txn) error) error {
	t, err := db.Begin(nil, ReadOnly)
	if err != nil {
		return err
	}
	defer t.Abort()
	return fn(t)
}

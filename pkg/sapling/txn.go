package sapling

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/btree"
	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/pager"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// Txn is a transaction. A Txn and its children belong to one goroutine.
type Txn struct {
	db     *DB
	parent *Txn
	child  *Txn
	flags  TxnFlags
	pages  *page.Table

	// gen is the pinned snapshot for readers and the base generation for
	// writers
	gen     uint64
	root    uint32
	entries uint64

	scope    *pager.Scope
	newPages map[uint32]struct{}
	oldPages map[uint32]struct{}

	// touched counts pages copied, allocated or freed; a write that fails
	// after moving it leaves failed set and the txn can only be aborted
	touched int
	failed  error

	span trace.Span
	done bool
}

func genAttr(gen uint64) attribute.KeyValue {
	return attribute.Int64("sapling.generation", int64(gen))
}

// ReadOnly reports whether the transaction rejects writes
func (t *Txn) ReadOnly() bool { return t.flags&ReadOnly != 0 }

// Generation returns the generation the transaction started from
func (t *Txn) Generation() uint64 { return t.gen }

// Len returns the number of entries visible to the transaction
func (t *Txn) Len() uint64 { return t.entries }

func (t *Txn) beginChild(flags TxnFlags) (*Txn, error) {
	if t.done {
		return nil, dberr.New(dberr.Invalid, "parent transaction is finished")
	}
	if t.ReadOnly() || flags&ReadOnly != 0 {
		return nil, dberr.New(dberr.Invalid, "child transactions must be writers under a writer")
	}
	if t.child != nil {
		return nil, dberr.New(dberr.Busy, "parent already has an active child")
	}
	c := &Txn{
		db:       t.db,
		parent:   t,
		pages:    t.pages,
		gen:      t.gen,
		root:     t.root,
		entries:  t.entries,
		scope:    t.scope.Fork(),
		newPages: make(map[uint32]struct{}),
		oldPages: make(map[uint32]struct{}),
	}
	t.child = c
	return c, nil
}

func (t *Txn) usable() error {
	if t == nil || t.done {
		return dberr.New(dberr.Invalid, "transaction is finished")
	}
	if t.child != nil {
		return dberr.New(dberr.Busy, "transaction has an active child")
	}
	if t.failed != nil {
		return fmt.Errorf("transaction must be aborted after a failed write: %w", t.failed)
	}
	return nil
}

// mutate runs op against the tree. An error raised after op already touched
// pages leaves the tree half rewritten, so the transaction is marked failed.
func (t *Txn) mutate(op func(w txnWriter) error) error {
	before := t.touched
	err := op(txnWriter{t})
	if err != nil && t.touched != before {
		t.failed = err
		t.db.log.Warn("write failed after modifying pages", zap.Error(err))
	}
	return err
}

func (t *Txn) writable() error {
	if err := t.usable(); err != nil {
		return err
	}
	if t.ReadOnly() {
		return dberr.ErrReadOnly
	}
	return nil
}

// Get returns a copy of the value stored under key
func (t *Txn) Get(key []byte) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, dberr.ErrInvalid
	}
	v, err := btree.Get(t.pages, t.root, key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(v), nil
}

// Put stores val under key, replacing any previous value
func (t *Txn) Put(key, val []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.put(key, val)
}

func (t *Txn) put(key, val []byte) error {
	return t.mutate(func(w txnWriter) error {
		root, added, err := btree.Put(w, t.root, key, val)
		if err != nil {
			return err
		}
		t.root = root
		if added {
			t.entries++
		}
		return nil
	})
}

// PutFlags is Put with flags; NoOverwrite fails with ErrExists when key is
// already present
func (t *Txn) PutFlags(key, val []byte, flags PutFlags) error {
	if err := t.writable(); err != nil {
		return err
	}
	if flags&NoOverwrite != 0 {
		_, err := btree.Get(t.pages, t.root, key)
		switch {
		case err == nil:
			return dberr.New(dberr.Exists, "key %q already exists", key)
		case !errors.Is(err, dberr.ErrNotFound):
			return err
		}
	}
	return t.put(key, val)
}

// PutIf replaces the value of key only when it currently equals expected.
// A missing key is ErrNotFound and a different value ErrConflict.
func (t *Txn) PutIf(key, val, expected []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return dberr.ErrInvalid
	}
	cur, err := btree.Get(t.pages, t.root, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, expected) {
		return dberr.New(dberr.Conflict, "key %q changed", key)
	}
	return t.put(key, val)
}

// Delete removes key; ErrNotFound when it is absent
func (t *Txn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.mutate(func(w txnWriter) error {
		root, err := btree.Delete(w, t.root, key)
		if err != nil {
			return err
		}
		t.root = root
		t.entries--
		return nil
	})
}

// Scan calls fn for each key with the given prefix in ascending order until
// fn returns false. key and val are only valid during the call and fn must
// not modify the transaction.
func (t *Txn) Scan(prefix []byte, fn func(key, val []byte) bool) error {
	if err := t.usable(); err != nil {
		return err
	}
	return btree.Scan(t.pages, t.root, prefix, fn)
}

// Commit publishes the transaction. A child merges into its parent; a root
// writer installs a new generation; a reader is released. Committing a
// transaction whose write failed aborts it and returns the failure.
func (t *Txn) Commit() error {
	if err := t.usable(); err != nil {
		if t != nil && !t.done && t.child == nil && t.failed != nil {
			t.Abort()
		}
		return err
	}
	switch {
	case t.ReadOnly():
		t.release()
	case t.parent != nil:
		t.mergeIntoParent()
	default:
		t.commitRoot()
	}
	return nil
}

// Abort discards the transaction and any active children. Aborting a
// finished transaction is a no-op.
func (t *Txn) Abort() {
	if t == nil || t.done {
		return
	}
	if t.child != nil {
		t.child.Abort()
	}
	switch {
	case t.ReadOnly():
		t.release()
	case t.parent != nil:
		t.abortChild()
	default:
		t.abortRoot()
	}
}

func (t *Txn) release() {
	t.db.mu.Lock()
	t.db.readers.Unpin(t.gen)
	t.db.mu.Unlock()
	t.done = true
}

func (t *Txn) mergeIntoParent() {
	p := t.parent
	p.root = t.root
	p.entries = t.entries
	p.scope.Adopt(t.scope)
	for pgno := range t.newPages {
		p.newPages[pgno] = struct{}{}
	}
	for pgno := range t.oldPages {
		if _, owned := p.newPages[pgno]; owned {
			delete(p.newPages, pgno)
			if err := p.scope.FreeLocal(pgno); err != nil {
				t.db.log.Warn("dropping unfreeable page", zap.Uint32("pgno", pgno), zap.Error(err))
			}
			continue
		}
		p.oldPages[pgno] = struct{}{}
	}
	p.touched++
	p.child = nil
	t.done = true
}

func (t *Txn) abortChild() {
	outcome := t.scope.Reclaim(t.provisional())
	t.parent.scope.Adopt(t.scope)
	t.parent.child = nil
	t.done = true
	if outcome != pager.Completed {
		t.db.log.Warn("child abort reclaim truncated", zap.Stringer("outcome", outcome))
	}
}

func (t *Txn) commitRoot() {
	db := t.db
	db.mu.Lock()

	db.alloc.Install(t.scope)
	old := make([]uint32, 0, len(t.oldPages))
	for pgno := range t.oldPages {
		old = append(old, pgno)
	}
	slices.Sort(old)
	for _, pgno := range old {
		if err := db.alloc.ReleasePage(pgno, t.gen); err != nil {
			db.log.Warn("release of superseded page failed", zap.Uint32("pgno", pgno), zap.Error(err))
		}
	}

	db.gen = t.gen + 1
	db.root = t.root
	db.entries = t.entries
	reclaimed := db.alloc.OnCommit()
	writeMeta(db.pages, db.metaLocked())
	deferredN := db.alloc.DeferredCount()
	db.writer = nil
	db.mu.Unlock()

	t.done = true
	db.log.Debug("transaction committed",
		zap.Uint64("generation", t.gen+1),
		zap.Int("new_pages", len(t.newPages)),
		zap.Int("old_pages", len(old)),
		zap.Int("reclaimed", reclaimed),
		zap.Uint32("deferred", deferredN))
	t.endSpan(
		attribute.String("sapling.outcome", "committed"),
		attribute.Int("sapling.new_pages", len(t.newPages)),
		attribute.Int("sapling.old_pages", len(old)),
	)
}

func (t *Txn) abortRoot() {
	db := t.db
	db.mu.Lock()
	outcome := t.scope.Reclaim(t.provisional())
	db.alloc.Install(t.scope)
	writeMeta(db.pages, db.metaLocked())
	db.writer = nil
	db.mu.Unlock()

	t.done = true
	fields := []zap.Field{
		zap.Uint64("generation", t.gen),
		zap.Int("provisional_pages", len(t.newPages)),
		zap.Stringer("outcome", outcome),
	}
	if outcome != pager.Completed {
		db.log.Warn("abort reclaim truncated", fields...)
		t.span.SetStatus(codes.Error, outcome.String())
	} else {
		db.log.Debug("transaction aborted", fields...)
	}
	t.endSpan(attribute.String("sapling.outcome", "aborted"), attribute.Stringer("sapling.reclaim", outcome))
}

func (t *Txn) endSpan(attrs ...attribute.KeyValue) {
	if t.span == nil {
		return
	}
	t.span.SetAttributes(attrs...)
	t.span.End()
}

func (t *Txn) provisional() []uint32 {
	out := make([]uint32, 0, len(t.newPages))
	for pgno := range t.newPages {
		out = append(out, pgno)
	}
	slices.Sort(out)
	return out
}

// txnWriter gives the tree copy-on-write access through a write transaction
type txnWriter struct {
	t *Txn
}

func (w txnWriter) Resolve(pgno uint32) ([]byte, page.Fault) { return w.t.pages.Resolve(pgno) }

func (w txnWriter) PageSize() int { return w.t.pages.PageSize() }

func (w txnWriter) Alloc() (uint32, []byte, error) {
	pgno, p, err := w.t.scope.AcquirePage()
	if err != nil {
		return 0, nil, err
	}
	w.t.newPages[pgno] = struct{}{}
	w.t.touched++
	return pgno, p, nil
}

func (w txnWriter) Writable(pgno uint32) (uint32, []byte, error) {
	if _, owned := w.t.newPages[pgno]; owned {
		w.t.touched++
		return pgno, w.t.pages.Page(pgno), nil
	}
	src, fault := w.t.pages.Resolve(pgno)
	if fault != page.FaultNone {
		return 0, nil, dberr.New(dberr.Corrupt, "copy page %d: %s", pgno, fault)
	}
	npgno, np, err := w.Alloc()
	if err != nil {
		return 0, nil, err
	}
	copy(np, src)
	page.PutU32(np, 4, npgno)
	w.t.oldPages[pgno] = struct{}{}
	return npgno, np, nil
}

func (w txnWriter) Free(pgno uint32) error {
	w.t.touched++
	if _, owned := w.t.newPages[pgno]; owned {
		delete(w.t.newPages, pgno)
		return w.t.scope.FreeLocal(pgno)
	}
	w.t.oldPages[pgno] = struct{}{}
	return nil
}

func (w txnWriter) Record(c telemetry.Counter, pgno uint32, detail string) {
	w.t.db.stats.Record(c, pgno, detail)
}

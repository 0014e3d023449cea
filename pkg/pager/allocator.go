// Package pager hands out pages to write transactions and takes them back.
// Allocator holds the committed free list and the deferred queue; a Scope
// is the provisional view a write transaction allocates from until it
// commits or aborts.
package pager

import (
	"github.com/ssargent/sapling/pkg/deferred"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// Allocator is the committed allocation state. Every method must be called
// with the owning database's state lock held.
type Allocator struct {
	pages    *page.Table
	stats    *telemetry.Stats
	readers  *Readers
	free     *freelist.Manager
	queue    deferred.Queue
	released map[uint32]struct{}
}

// New creates an allocator over pages whose committed free list starts at
// freeHead
func New(pages *page.Table, freeHead uint32, readers *Readers, stats *telemetry.Stats) *Allocator {
	if readers == nil {
		readers = NewReaders()
	}
	return &Allocator{
		pages:    pages,
		stats:    stats,
		readers:  readers,
		free:     freelist.New(pages, freeHead, stats),
		released: make(map[uint32]struct{}),
	}
}

// Pages returns the page table
func (a *Allocator) Pages() *page.Table { return a.pages }

// Readers returns the reader registry consulted for reclamation
func (a *Allocator) Readers() *Readers { return a.readers }

// FreeHead returns the committed free-list head
func (a *Allocator) FreeHead() uint32 { return a.free.Head() }

// NumPages returns the size of the page address space
func (a *Allocator) NumPages() uint32 { return a.pages.Len() }

// Open forks the committed free list for a new write transaction
func (a *Allocator) Open() *Scope {
	return &Scope{
		pages: a.pages,
		stats: a.stats,
		free:  freelist.New(a.pages, a.free.Head(), a.stats),
	}
}

// Install makes the scope's free list the committed one
func (a *Allocator) Install(s *Scope) {
	a.free.SetHead(s.free.Head())
}

// ReleasePage takes back a page superseded by the generation after freedAt.
// It is freed at once when no live reader can still see it, otherwise it
// waits in the deferred queue. Releasing the same page twice before the
// next OnCommit is a no-op.
func (a *Allocator) ReleasePage(pgno uint32, freedAt uint64) error {
	if _, dup := a.released[pgno]; dup {
		return nil
	}
	if _, fault := a.pages.Resolve(pgno); fault != page.FaultNone {
		return a.free.Free(pgno)
	}
	a.released[pgno] = struct{}{}
	if freedAt < a.readers.Oldest() {
		return a.free.Free(pgno)
	}
	a.queue.Defer(pgno, freedAt)
	return nil
}

// OnCommit frees every deferred page no live reader can still observe and
// returns how many were freed
func (a *Allocator) OnCommit() int {
	n := 0
	for _, pgno := range a.queue.Drain(a.readers.Oldest()) {
		if err := a.free.Free(pgno); err == nil {
			n++
		}
	}
	clear(a.released)
	return n
}

// DeferredCount returns the number of pages waiting on readers
func (a *Allocator) DeferredCount() uint32 { return a.queue.Count() }

// Check walks the committed free list
func (a *Allocator) Check() freelist.Report {
	r := a.free.Check()
	r.DeferredCount = a.queue.Count()
	return r
}

// Deferred returns the pages still waiting on readers
func (a *Allocator) Deferred() []deferred.Record { return a.queue.Records() }

// Recycle pushes pgno straight onto the committed free list. Used when
// rebuilding state where no reader can exist.
func (a *Allocator) Recycle(pgno uint32) error { return a.free.Free(pgno) }

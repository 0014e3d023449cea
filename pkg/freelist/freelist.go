// Package freelist manages the chain of free pages. Each free page stores the
// number of the next free page in its first four bytes; the manager only
// remembers the head.
package freelist

import (
	"maps"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// Resolver gives bounds-checked access to page memory
type Resolver interface {
	Resolve(pgno uint32) ([]byte, page.Fault)
	Cap() uint32
}

// Manager owns one free-list head. It is not safe for concurrent use; each
// writer works on its own Manager.
type Manager struct {
	head  uint32
	pages Resolver
	stats *telemetry.Stats
	// issued holds pages popped and not pushed back since the manager was
	// created; a next pointer into it is a cycle
	issued map[uint32]struct{}
}

// New wraps head. stats may be nil.
func New(pages Resolver, head uint32, stats *telemetry.Stats) *Manager {
	return &Manager{head: head, pages: pages, stats: stats, issued: make(map[uint32]struct{})}
}

// Fork returns a manager on the same chain that also remembers the pages
// this one has handed out
func (m *Manager) Fork() *Manager {
	return &Manager{head: m.head, pages: m.pages, stats: m.stats, issued: maps.Clone(m.issued)}
}

// Adopt takes over the chain and allocation history of a forked manager
func (m *Manager) Adopt(f *Manager) {
	m.head = f.head
	m.issued = f.issued
}

// Head returns the first free page, or page.Invalid
func (m *Manager) Head() uint32 { return m.head }

// SetHead replaces the chain
func (m *Manager) SetHead(head uint32) { m.head = head }

// Allocate pops the head. ok is false when the list is empty or the head had
// to be discarded; the caller then extends the address space instead.
func (m *Manager) Allocate() (pgno uint32, ok bool) {
	if m.head == page.Invalid {
		return 0, false
	}
	pgno = m.head
	buf, fault := m.pages.Resolve(pgno)
	if fault != page.FaultNone {
		m.stats.Record(telemetry.FreeListHeadReset, pgno, fault.String())
		m.head = page.Invalid
		return 0, false
	}

	next := page.Next(buf)
	if next != page.Invalid {
		_, f := m.pages.Resolve(next)
		_, reissue := m.issued[next]
		switch {
		case f != page.FaultNone:
			m.stats.Record(telemetry.FreeListNextDropped, next, f.String())
			next = page.Invalid
		case next == pgno || reissue:
			m.stats.Record(telemetry.FreeListNextDropped, next, "cycle")
			next = page.Invalid
		}
	}
	m.head = next
	m.issued[pgno] = struct{}{}
	clear(buf)
	return pgno, true
}

// Free pushes pgno onto the list
func (m *Manager) Free(pgno uint32) error {
	buf, fault := m.pages.Resolve(pgno)
	if fault != page.FaultNone {
		return dberr.New(dberr.Range, "free page %d: %s", pgno, fault)
	}
	page.SetNext(buf, m.head)
	m.head = pgno
	delete(m.issued, pgno)
	return nil
}

// Check walks the list without modifying it
func (m *Manager) Check() Report {
	return Walk(m.head, m.pages.Cap(), m.next)
}

func (m *Manager) next(pgno uint32) (uint32, page.Fault) {
	buf, fault := m.pages.Resolve(pgno)
	if fault != page.FaultNone {
		return page.Invalid, fault
	}
	return page.Next(buf), page.FaultNone
}

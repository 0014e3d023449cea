// Package page holds the page address space: fixed-size byte pages indexed
// by a 32-bit page number, plus the header helpers shared by every page type.
package page

import (
	"sync/atomic"

	"github.com/ssargent/sapling/pkg/dberr"
)

const (
	// Invalid terminates free-list chains and marks an empty tree
	Invalid uint32 = 0xFFFFFFFF

	MinSize     = 256
	MaxSize     = 65535
	DefaultSize = 4096

	initialSlots = 64
)

// Fault classifies a failed page resolution
type Fault int

const (
	FaultNone Fault = iota
	FaultOutOfBounds
	FaultNullBacking
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOutOfBounds:
		return "out_of_bounds"
	case FaultNullBacking:
		return "null_backing"
	default:
		return "unknown"
	}
}

// Table maps page numbers to page memory. Growth happens on the single
// writer; readers resolve lock-free against the published slot slice.
type Table struct {
	size    int
	max     uint32
	backing Backing
	slots   atomic.Pointer[[][]byte]
}

// NewTable creates an empty table. max of 0 leaves the page count bounded
// only by the 32-bit page number space.
func NewTable(size int, max uint32, backing Backing) (*Table, error) {
	if size < MinSize || size > MaxSize {
		return nil, dberr.New(dberr.Invalid, "page size %d outside [%d, %d]", size, MinSize, MaxSize)
	}
	if backing == nil {
		backing = Heap{}
	}
	if max == 0 || max > Invalid {
		max = Invalid
	}
	t := &Table{size: size, max: max, backing: backing}
	empty := make([][]byte, 0, initialSlots)
	t.slots.Store(&empty)
	return t, nil
}

// PageSize returns the size of every page in bytes
func (t *Table) PageSize() int { return t.size }

// Len returns the number of materialized pages
func (t *Table) Len() uint32 { return uint32(len(*t.slots.Load())) }

// Cap returns the number of addressable slots, the bound used by chain walks
func (t *Table) Cap() uint32 { return uint32(cap(*t.slots.Load())) }

// Resolve returns the memory for pgno or the reason it cannot be used
func (t *Table) Resolve(pgno uint32) ([]byte, Fault) {
	slots := *t.slots.Load()
	if pgno == Invalid || uint64(pgno) >= uint64(cap(slots)) {
		return nil, FaultOutOfBounds
	}
	if int(pgno) >= len(slots) || slots[pgno] == nil {
		return nil, FaultNullBacking
	}
	return slots[pgno], FaultNone
}

// Page returns the memory for pgno or nil when it does not resolve
func (t *Table) Page(pgno uint32) []byte {
	buf, _ := t.Resolve(pgno)
	return buf
}

// Extend materializes one more zeroed page and returns its number
func (t *Table) Extend() (uint32, []byte, error) {
	slots := *t.slots.Load()
	n := uint32(len(slots))
	if n >= t.max {
		return 0, nil, dberr.New(dberr.OOM, "page table full at %d pages", n)
	}
	buf, err := t.backing.AllocPage(t.size)
	if err != nil {
		return 0, nil, err
	}
	clear(buf)

	if len(slots) == cap(slots) {
		grown := make([][]byte, len(slots), max(2*cap(slots), initialSlots))
		copy(grown, slots)
		slots = grown
	}
	slots = append(slots, buf)
	t.slots.Store(&slots)
	return n, buf, nil
}

// Close hands every page back to the backing
func (t *Table) Close() {
	slots := *t.slots.Load()
	for _, buf := range slots {
		if buf != nil {
			t.backing.FreePage(buf, t.size)
		}
	}
	empty := make([][]byte, 0)
	t.slots.Store(&empty)
}

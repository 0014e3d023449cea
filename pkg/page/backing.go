package page

import (
	"sync/atomic"

	"github.com/ssargent/sapling/pkg/dberr"
)

// Backing supplies and takes back page memory
type Backing interface {
	AllocPage(size int) ([]byte, error)
	FreePage(buf []byte, size int)
}

// Heap is the default backing: pages are plain Go allocations
type Heap struct{}

func (Heap) AllocPage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (Heap) FreePage([]byte, int) {}

// Custom routes page memory through host callbacks. Ctx is handed back to
// both callbacks untouched.
type Custom struct {
	Alloc func(ctx any, size int) ([]byte, error)
	Free  func(ctx any, buf []byte, size int)
	Ctx   any
}

func (c Custom) AllocPage(size int) ([]byte, error) {
	if c.Alloc == nil {
		return nil, dberr.ErrInvalid
	}
	buf, err := c.Alloc(c.Ctx, size)
	if err != nil {
		return nil, err
	}
	if len(buf) < size {
		return nil, dberr.New(dberr.OOM, "backing returned %d bytes, want %d", len(buf), size)
	}
	return buf[:size], nil
}

func (c Custom) FreePage(buf []byte, size int) {
	if c.Free != nil {
		c.Free(c.Ctx, buf, size)
	}
}

// Limited caps the number of live pages handed out by Inner
type Limited struct {
	Inner Backing
	Max   int64

	live atomic.Int64
}

func (l *Limited) AllocPage(size int) ([]byte, error) {
	if l.live.Add(1) > l.Max {
		l.live.Add(-1)
		return nil, dberr.ErrOOM
	}
	buf, err := l.inner().AllocPage(size)
	if err != nil {
		l.live.Add(-1)
		return nil, err
	}
	return buf, nil
}

func (l *Limited) FreePage(buf []byte, size int) {
	l.inner().FreePage(buf, size)
	l.live.Add(-1)
}

// Live returns the number of pages currently handed out
func (l *Limited) Live() int64 {
	return l.live.Load()
}

func (l *Limited) inner() Backing {
	if l.Inner == nil {
		return Heap{}
	}
	return l.Inner
}

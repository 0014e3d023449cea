package pager

import (
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// Outcome reports how an abort reclaim finished
type Outcome int

const (
	Completed Outcome = iota
	TruncatedLoopLimit
	TruncatedBounds
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TruncatedLoopLimit:
		return "truncated_loop_limit"
	case TruncatedBounds:
		return "truncated_bounds"
	default:
		return "unknown"
	}
}

// Scope is the provisional allocation state of one write transaction. It is
// owned by that transaction's goroutine.
type Scope struct {
	pages *page.Table
	stats *telemetry.Stats
	free  *freelist.Manager
}

// Fork copies the scope for a child transaction
func (s *Scope) Fork() *Scope {
	return &Scope{
		pages: s.pages,
		stats: s.stats,
		free:  s.free.Fork(),
	}
}

// Adopt takes over a committed or aborted child's free list
func (s *Scope) Adopt(child *Scope) {
	s.free.Adopt(child.free)
}

// FreeHead returns the provisional free-list head
func (s *Scope) FreeHead() uint32 { return s.free.Head() }

// AcquirePage returns a zeroed page, reusing a free one when possible
func (s *Scope) AcquirePage() (uint32, []byte, error) {
	if pgno, ok := s.free.Allocate(); ok {
		return pgno, s.pages.Page(pgno), nil
	}
	return s.pages.Extend()
}

// FreeLocal returns a page this transaction allocated and no reader has
// seen
func (s *Scope) FreeLocal(pgno uint32) error {
	return s.free.Free(pgno)
}

// Reclaim rebuilds the free list after an abort: the provisional chain is
// walked and repaired, then every page in provisional is pushed back. Both
// phases are bounded by the table capacity and sever the chain at the first
// fault instead of following it.
func (s *Scope) Reclaim(provisional []uint32) Outcome {
	outcome := Completed
	limit := s.pages.Cap()

	prev := page.Invalid
	cur := s.free.Head()
	var steps uint32
	for cur != page.Invalid {
		buf, fault := s.pages.Resolve(cur)
		if fault != page.FaultNone {
			s.stats.Record(telemetry.AbortBoundsBreak, cur, fault.String())
			s.sever(prev)
			outcome = TruncatedBounds
			break
		}
		steps++
		if steps > limit {
			s.stats.Record(telemetry.AbortLoopLimitHit, cur, "")
			s.sever(prev)
			outcome = TruncatedLoopLimit
			break
		}
		prev = cur
		cur = page.Next(buf)
	}

	for i, pgno := range provisional {
		if uint32(i) >= limit {
			s.stats.Record(telemetry.AbortLoopLimitHit, pgno, "provisional")
			if outcome == Completed {
				outcome = TruncatedLoopLimit
			}
			break
		}
		if err := s.free.Free(pgno); err != nil {
			s.stats.Record(telemetry.AbortBoundsBreak, pgno, "provisional")
			if outcome == Completed {
				outcome = TruncatedBounds
			}
		}
	}
	return outcome
}

func (s *Scope) sever(prev uint32) {
	if prev == page.Invalid {
		s.free.SetHead(page.Invalid)
		return
	}
	page.SetNext(s.pages.Page(prev), page.Invalid)
}

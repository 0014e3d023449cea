package freelist

import "github.com/ssargent/sapling/pkg/page"

// NextFunc returns the successor of pgno, or the fault that prevents reading
// pgno itself
type NextFunc func(pgno uint32) (uint32, page.Fault)

// Report is the result of a structural walk
type Report struct {
	WalkLength    uint32 `json:"walk_length"`
	OutOfBounds   uint32 `json:"out_of_bounds"`
	NullBacking   uint32 `json:"null_backing"`
	CycleDetected uint32 `json:"cycle_detected"`
	DeferredCount uint32 `json:"deferred_count"`
}

// Clean reports whether the walk found no structural fault
func (r Report) Clean() bool {
	return r.OutOfBounds == 0 && r.NullBacking == 0 && r.CycleDetected == 0
}

// Walk follows the chain from head with a tortoise and hare pair. The walk
// stops at the first fault, at a detected cycle, or after limit nodes.
// WalkLength counts the nodes that resolved cleanly.
func Walk(head, limit uint32, next NextFunc) Report {
	var r Report
	hare, tortoise := head, head
	for hare != page.Invalid {
		n, fault := next(hare)
		switch fault {
		case page.FaultOutOfBounds:
			r.OutOfBounds++
			return r
		case page.FaultNullBacking:
			r.NullBacking++
			return r
		}
		r.WalkLength++
		if r.WalkLength > limit {
			r.CycleDetected = 1
			return r
		}
		hare = n
		if r.WalkLength%2 == 0 {
			tortoise, _ = next(tortoise)
		}
		if hare != page.Invalid && hare == tortoise {
			r.CycleDetected = 1
			return r
		}
	}
	return r
}

// DetectCycle reports whether the chain from head loops
func DetectCycle(head, limit uint32, next NextFunc) bool {
	return Walk(head, limit, next).CycleDetected != 0
}

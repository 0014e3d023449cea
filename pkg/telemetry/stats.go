// Package telemetry counts corruption guard firings. Counters only ever
// grow until Reset; every read is a consistent-enough atomic snapshot.
package telemetry

import "sync/atomic"

// Counter names one guard site
type Counter int

const (
	FreeListHeadReset Counter = iota
	FreeListNextDropped
	LeafInsertBoundsReject
	AbortLoopLimitHit
	AbortBoundsBreak

	numCounters
)

var counterNames = [numCounters]string{
	FreeListHeadReset:      "free_list_head_reset",
	FreeListNextDropped:    "free_list_next_dropped",
	LeafInsertBoundsReject: "leaf_insert_bounds_reject",
	AbortLoopLimitHit:      "abort_loop_limit_hit",
	AbortBoundsBreak:       "abort_bounds_break",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters lists every counter in reporting order
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	FreeListHeadReset      uint64 `json:"free_list_head_reset"`
	FreeListNextDropped    uint64 `json:"free_list_next_dropped"`
	LeafInsertBoundsReject uint64 `json:"leaf_insert_bounds_reject"`
	AbortLoopLimitHit      uint64 `json:"abort_loop_limit_hit"`
	AbortBoundsBreak       uint64 `json:"abort_bounds_break"`
}

// Get returns the value of one counter from the snapshot
func (s Snapshot) Get(c Counter) uint64 {
	switch c {
	case FreeListHeadReset:
		return s.FreeListHeadReset
	case FreeListNextDropped:
		return s.FreeListNextDropped
	case LeafInsertBoundsReject:
		return s.LeafInsertBoundsReject
	case AbortLoopLimitHit:
		return s.AbortLoopLimitHit
	case AbortBoundsBreak:
		return s.AbortBoundsBreak
	}
	return 0
}

// Total sums every counter
func (s Snapshot) Total() uint64 {
	var n uint64
	for _, c := range Counters() {
		n += s.Get(c)
	}
	return n
}

// Event describes one guard firing
type Event struct {
	Counter Counter
	Pgno    uint32
	Detail  string
}

// Observer is notified after a counter has been bumped
type Observer func(Event)

// Stats owns the counters of one database handle
type Stats struct {
	counters [numCounters]atomic.Uint64
	observer Observer
}

// NewStats creates zeroed counters. observer may be nil.
func NewStats(observer Observer) *Stats {
	return &Stats{observer: observer}
}

// Record bumps c and notifies the observer
func (s *Stats) Record(c Counter, pgno uint32, detail string) {
	if s == nil || c < 0 || c >= numCounters {
		return
	}
	s.counters[c].Add(1)
	if s.observer != nil {
		s.observer(Event{Counter: c, Pgno: pgno, Detail: detail})
	}
}

// Load returns the current value of c
func (s *Stats) Load(c Counter) uint64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return s.counters[c].Load()
}

// Snapshot copies all counters
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FreeListHeadReset:      s.counters[FreeListHeadReset].Load(),
		FreeListNextDropped:    s.counters[FreeListNextDropped].Load(),
		LeafInsertBoundsReject: s.counters[LeafInsertBoundsReject].Load(),
		AbortLoopLimitHit:      s.counters[AbortLoopLimitHit].Load(),
		AbortBoundsBreak:       s.counters[AbortBoundsBreak].Load(),
	}
}

// Reset zeroes all counters
func (s *Stats) Reset() {
	for i := range s.counters {
		s.counters[i].Store(0)
	}
}

// Package deferred holds pages that were superseded while a reader could
// still observe them.
package deferred

import "math"

// NoReaders is the oldest-reader value to pass when no reader is live
const NoReaders uint64 = math.MaxUint64

// Record is one page waiting for every reader at or before FreedAt to finish
type Record struct {
	Pgno    uint32
	FreedAt uint64
}

// Queue is a FIFO of records. Records arrive in non-decreasing FreedAt
// order because generations only move forward. Not safe for concurrent use.
type Queue struct {
	records []Record
}

// Defer appends pgno freed at generation gen
func (q *Queue) Defer(pgno uint32, gen uint64) {
	q.records = append(q.records, Record{Pgno: pgno, FreedAt: gen})
}

// Drain removes and returns every page freed strictly before oldest, oldest
// first
func (q *Queue) Drain(oldest uint64) []uint32 {
	var out []uint32
	kept := q.records[:0]
	for _, r := range q.records {
		if r.FreedAt < oldest {
			out = append(out, r.Pgno)
			continue
		}
		kept = append(kept, r)
	}
	clear(q.records[len(kept):])
	q.records = kept
	return out
}

// Count returns the number of pending records
func (q *Queue) Count() uint32 {
	return uint32(len(q.records))
}

// Records returns a copy of the pending records
func (q *Queue) Records() []Record {
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

// Reset drops every pending record
func (q *Queue) Reset() {
	q.records = nil
}

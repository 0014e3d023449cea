package pager

import "github.com/ssargent/sapling/pkg/deferred"

// Readers is the multiset of generations pinned by live read transactions.
// Callers serialize access.
type Readers struct {
	pins map[uint64]int
	n    int
}

// NewReaders creates an empty registry
func NewReaders() *Readers {
	return &Readers{pins: make(map[uint64]int)}
}

// Pin registers a reader on gen
func (r *Readers) Pin(gen uint64) {
	r.pins[gen]++
	r.n++
}

// Unpin releases one reader on gen. Unknown generations are ignored.
func (r *Readers) Unpin(gen uint64) {
	c, ok := r.pins[gen]
	if !ok {
		return
	}
	if c <= 1 {
		delete(r.pins, gen)
	} else {
		r.pins[gen] = c - 1
	}
	r.n--
}

// Oldest returns the lowest pinned generation, or deferred.NoReaders
func (r *Readers) Oldest() uint64 {
	oldest := deferred.NoReaders
	for gen := range r.pins {
		if gen < oldest {
			oldest = gen
		}
	}
	return oldest
}

// Count returns the number of live readers
func (r *Readers) Count() int { return r.n }

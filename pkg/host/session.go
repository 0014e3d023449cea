// Package host exposes table-scoped reads and writes plus key leases to code
// running inside a single write transaction.
package host

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/sapling"
)

// Session stages work in one write transaction on behalf of an owner
type Session struct {
	txn   *sapling.Txn
	owner uuid.UUID
	now   func() time.Time
}

// Begin opens a session for owner. A nil owner gets a fresh random id.
func Begin(db *sapling.DB, owner uuid.UUID) (*Session, error) {
	txn, err := db.Begin(nil, 0)
	if err != nil {
		return nil, err
	}
	if owner == uuid.Nil {
		owner = uuid.New()
	}
	return &Session{txn: txn, owner: owner, now: time.Now}, nil
}

// Owner is the id leases are taken under
func (s *Session) Owner() uuid.UUID { return s.owner }

// SetClock replaces the time source used for lease deadlines
func (s *Session) SetClock(now func() time.Time) { s.now = now }

// Key joins a table name and a key into the stored key
func Key(table string, key []byte) ([]byte, error) {
	if table == "" || strings.IndexByte(table, 0) >= 0 {
		return nil, dberr.New(dberr.Invalid, "invalid table name %q", table)
	}
	if len(key) == 0 {
		return nil, dberr.ErrInvalid
	}
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0)
	return append(out, key...), nil
}

// Get reads key from table, seeing this session's own writes
func (s *Session) Get(table string, key []byte) ([]byte, error) {
	k, err := Key(table, key)
	if err != nil {
		return nil, err
	}
	return s.txn.Get(k)
}

// Put stages a write of val under key in table
func (s *Session) Put(table string, key, val []byte) error {
	k, err := Key(table, key)
	if err != nil {
		return err
	}
	return s.txn.Put(k, val)
}

// Del stages removal of key from table
func (s *Session) Del(table string, key []byte) error {
	k, err := Key(table, key)
	if err != nil {
		return err
	}
	return s.txn.Delete(k)
}

// LeaseAcquire claims key for d. It fails with ErrBusy while another owner
// holds a live lease; an expired lease is taken over and an owned one is
// renewed.
func (s *Session) LeaseAcquire(key []byte, d time.Duration) (Lease, error) {
	if d <= 0 {
		return Lease{}, dberr.New(dberr.Invalid, "lease duration %s", d)
	}
	now := s.now()
	next := Lease{Owner: s.owner, Deadline: now.Add(d), Attempts: 1}

	cur, err := s.Lease(key)
	switch {
	case err == nil:
		if cur.Live(now) && cur.Owner != s.owner {
			return cur, dberr.New(dberr.Busy, "lease held by %s until %s", cur.Owner, cur.Deadline.Format(time.RFC3339Nano))
		}
		next.Attempts = cur.Attempts + 1
	case !errors.Is(err, dberr.ErrNotFound):
		return Lease{}, err
	}

	raw, _ := next.MarshalBinary()
	if err := s.Put(LeaseTable, key, raw); err != nil {
		return Lease{}, err
	}
	return next, nil
}

// LeaseRelease drops this owner's lease on key. Releasing a lease held by
// someone else is ErrConflict, a missing lease ErrNotFound.
func (s *Session) LeaseRelease(key []byte) error {
	cur, err := s.Lease(key)
	if err != nil {
		return err
	}
	if cur.Owner != s.owner {
		return dberr.New(dberr.Conflict, "lease owned by %s", cur.Owner)
	}
	return s.Del(LeaseTable, key)
}

// Lease returns the current lease record on key
func (s *Session) Lease(key []byte) (Lease, error) {
	raw, err := s.Get(LeaseTable, key)
	if err != nil {
		return Lease{}, err
	}
	var l Lease
	if err := l.UnmarshalBinary(raw); err != nil {
		return Lease{}, err
	}
	return l, nil
}

// Commit publishes everything staged in the session
func (s *Session) Commit() error {
	return s.txn.Commit()
}

// Abort discards the session
func (s *Session) Abort() {
	s.txn.Abort()
}

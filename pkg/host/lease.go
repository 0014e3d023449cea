package host

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/ssargent/sapling/pkg/dberr"
)

// LeaseTable holds every lease record
const LeaseTable = "__leases"

const leaseSize = 4 + 16 + 8 + 4

var leaseMagic = []byte("LSE0")

// Lease is an exclusive, time-bounded claim on a key
type Lease struct {
	Owner    uuid.UUID
	Deadline time.Time
	// Attempts counts acquisitions, renewals and takeovers included
	Attempts uint32
}

// Live reports whether the lease still binds at now
func (l Lease) Live(now time.Time) bool {
	return !now.After(l.Deadline)
}

// MarshalBinary encodes the lease as magic, owner, deadline in unix
// milliseconds and attempts, integers little-endian
func (l Lease) MarshalBinary() ([]byte, error) {
	buf := make([]byte, leaseSize)
	copy(buf, leaseMagic)
	copy(buf[4:20], l.Owner[:])
	binary.LittleEndian.PutUint64(buf[20:], uint64(l.Deadline.UnixMilli()))
	binary.LittleEndian.PutUint32(buf[28:], l.Attempts)
	return buf, nil
}

// UnmarshalBinary decodes a lease record; anything malformed is ErrCorrupt
func (l *Lease) UnmarshalBinary(raw []byte) error {
	if len(raw) != leaseSize || !bytes.Equal(raw[:4], leaseMagic) {
		return dberr.New(dberr.Corrupt, "malformed lease record (%d bytes)", len(raw))
	}
	copy(l.Owner[:], raw[4:20])
	l.Deadline = time.UnixMilli(int64(binary.LittleEndian.Uint64(raw[20:])))
	l.Attempts = binary.LittleEndian.Uint32(raw[28:])
	return nil
}

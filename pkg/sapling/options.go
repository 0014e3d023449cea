package sapling

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ssargent/sapling/pkg/page"
)

// Options configures a database handle
type Options struct {
	// PageSize in bytes, 256 to 65535
	PageSize int
	// MaxPages caps the page address space; 0 means unbounded
	MaxPages uint32
	// Backing supplies page memory; nil uses the Go heap
	Backing page.Backing
	// Logger receives lifecycle and corruption events; nil disables logging
	Logger *zap.Logger
	// TracerProvider for write transaction spans; nil uses the global provider
	TracerProvider trace.TracerProvider
	// CorruptionLogRate limits corruption warnings per second. Counters
	// are exact regardless.
	CorruptionLogRate rate.Limit
	// CorruptionLogBurst is the number of warnings allowed in a burst
	CorruptionLogBurst int
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		PageSize:           page.DefaultSize,
		Backing:            page.Heap{},
		CorruptionLogRate:  rate.Limit(10),
		CorruptionLogBurst: 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.Backing == nil {
		o.Backing = d.Backing
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.CorruptionLogRate == 0 {
		o.CorruptionLogRate = d.CorruptionLogRate
	}
	if o.CorruptionLogBurst == 0 {
		o.CorruptionLogBurst = d.CorruptionLogBurst
	}
	return o
}

// TxnFlags select the transaction mode
type TxnFlags uint32

const (
	// ReadOnly pins a snapshot and rejects writes
	ReadOnly TxnFlags = 1 << iota
)

// PutFlags modify Txn.PutFlags
type PutFlags uint32

const (
	// NoOverwrite rejects the put with ErrExists when the key is present
	NoOverwrite PutFlags = 1 << iota
)

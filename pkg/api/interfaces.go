// Package api serves the engine over HTTP
package api

import (
	"context"

	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/sapling"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// Engine is the slice of *sapling.DB the handlers use
type Engine interface {
	Update(fn func(*sapling.Txn) error) error
	View(fn func(*sapling.Txn) error) error
	Stat() sapling.Stat
	CorruptionStats(out *telemetry.Snapshot) error
	ResetCorruptionStats() error
	FreelistCheck(out *freelist.Report) error
}

// ServerStarter defines the interface for starting the API server
type ServerStarter interface {
	// StartServer serves until ctx is cancelled
	StartServer(ctx context.Context, db Engine, config ServerConfig, log *zap.Logger) error
}

// ServerFactory creates server instances
type ServerFactory interface {
	// CreateServerStarter creates a server starter
	CreateServerStarter() ServerStarter
}

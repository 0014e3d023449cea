package api

import (
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/sapling"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// KeyValue is a single entry as returned by get and scan
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScanResponse lists the entries under a prefix
type ScanResponse struct {
	Prefix    string     `json:"prefix"`
	Entries   []KeyValue `json:"entries"`
	Truncated bool       `json:"truncated"`
}

// FreelistResponse is the integrity check report plus the state it ran on
type FreelistResponse struct {
	Report   freelist.Report `json:"report"`
	Clean    bool            `json:"clean"`
	FreeHead uint32          `json:"free_head"`
}

// CorruptionResponse carries the guard counters
type CorruptionResponse struct {
	Counters telemetry.Snapshot `json:"counters"`
	Total    uint64             `json:"total"`
}

// StatsResponse wraps the engine summary
type StatsResponse struct {
	sapling.Stat
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Port   int
	Bind   string
	APIKey string
	// ScanLimit caps entries per scan response; 0 uses the default
	ScanLimit int
	// Checkpoint, when set, is exposed as POST /api/v1/checkpoint and run
	// once more on shutdown
	Checkpoint func() (string, error)
}

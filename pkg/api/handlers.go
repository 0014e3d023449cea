package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/sapling"
	"github.com/ssargent/sapling/pkg/telemetry"
)

const (
	defaultScanLimit = 1000
	maxValueBytes    = 1 << 20
)

// Server holds the API server state
type Server struct {
	db      Engine
	config  ServerConfig
	metrics *Metrics
	log     *zap.Logger

	// writes queue here instead of failing with ErrBusy against each other
	writeMu sync.Mutex
}

// NewServer creates a new API server
func NewServer(db Engine, config ServerConfig, metrics *Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = defaultScanLimit
	}
	return &Server{db: db, config: config, metrics: metrics, log: log}
}

func (s *Server) update(fn func(*sapling.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(fn)
}

func keyParam(r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	return key, err == nil && key != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, map[string]string{"status": "healthy"})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := keyParam(r)
	if !ok {
		s.metrics.RecordDBOperation("put", false, time.Since(start))
		sendError(w, "Key is required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		s.metrics.RecordDBOperation("put", false, time.Since(start))
		sendError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	// If-None-Match: * only creates
	var flags sapling.PutFlags
	if r.Header.Get("If-None-Match") == "*" {
		flags |= sapling.NoOverwrite
	}
	err = s.update(func(txn *sapling.Txn) error {
		return txn.PutFlags([]byte(key), body, flags)
	})
	s.metrics.RecordDBOperation("put", err == nil, time.Since(start))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, map[string]any{"key": key, "size": len(body)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := keyParam(r)
	if !ok {
		sendError(w, "Key is required", http.StatusBadRequest)
		return
	}
	var val []byte
	err := s.db.View(func(txn *sapling.Txn) error {
		v, err := txn.Get([]byte(key))
		val = v
		return err
	})
	s.metrics.RecordDBOperation("get", err == nil, time.Since(start))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(val)))
		_, _ = w.Write(val)
		return
	}
	sendSuccess(w, KeyValue{Key: key, Value: string(val)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, ok := keyParam(r)
	if !ok {
		sendError(w, "Key is required", http.StatusBadRequest)
		return
	}
	err := s.update(func(txn *sapling.Txn) error {
		return txn.Delete([]byte(key))
	})
	s.metrics.RecordDBOperation("delete", err == nil, time.Since(start))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, map[string]string{"key": key})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	prefix := r.URL.Query().Get("prefix")
	limit := s.config.ScanLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, s.config.ScanLimit)
	}

	resp := ScanResponse{Prefix: prefix, Entries: []KeyValue{}}
	err := s.db.View(func(txn *sapling.Txn) error {
		return txn.Scan([]byte(prefix), func(k, v []byte) bool {
			if len(resp.Entries) == limit {
				resp.Truncated = true
				return false
			}
			resp.Entries = append(resp.Entries, KeyValue{Key: string(k), Value: string(v)})
			return true
		})
	})
	s.metrics.RecordDBOperation("scan", err == nil, time.Since(start))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, resp)
}

func (s *Server) handleFreelist(w http.ResponseWriter, r *http.Request) {
	var resp FreelistResponse
	if err := s.db.FreelistCheck(&resp.Report); err != nil {
		sendEngineError(w, err)
		return
	}
	resp.Clean = resp.Report.Clean()
	resp.FreeHead = s.db.Stat().FreeHead
	if !resp.Clean {
		s.log.Warn("free list check found damage", zap.Any("report", resp.Report))
	}
	sendSuccess(w, resp)
}

func (s *Server) handleCorruption(w http.ResponseWriter, r *http.Request) {
	var resp CorruptionResponse
	if err := s.db.CorruptionStats(&resp.Counters); err != nil {
		sendEngineError(w, err)
		return
	}
	resp.Total = resp.Counters.Total()
	sendSuccess(w, resp)
}

func (s *Server) handleResetCorruption(w http.ResponseWriter, r *http.Request) {
	if err := s.db.ResetCorruptionStats(); err != nil {
		sendEngineError(w, err)
		return
	}
	s.log.Info("corruption counters reset", zap.String("remote", r.RemoteAddr))
	sendSuccess(w, CorruptionResponse{Counters: telemetry.Snapshot{}})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.db.Stat()
	s.metrics.UpdateDBStats(st)
	sendSuccess(w, StatsResponse{st})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.writeMu.Lock()
	digest, err := s.config.Checkpoint()
	s.writeMu.Unlock()
	s.metrics.RecordDBOperation("checkpoint", err == nil, time.Since(start))
	if err != nil {
		sendEngineError(w, err)
		return
	}
	sendSuccess(w, map[string]string{"digest": digest})
}

// startMetricsUpdater refreshes the engine gauges until done closes
func (s *Server) startMetricsUpdater(done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.metrics.UpdateDBStats(s.db.Stat())
		}
	}
}

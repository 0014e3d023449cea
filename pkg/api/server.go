package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 15 * time.Second
)

// Router builds the route tree for s
func (s *Server) Router() http.Handler {
	m := s.metrics
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// unauthenticated for scraping
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		auth := apiKeyMiddleware(s.config.APIKey)
		if m != nil {
			auth = m.InstrumentAuthMiddleware(auth)
		}
		r.Use(auth)

		r.Get("/health", m.InstrumentHandler("GET", "/api/v1/health", s.handleHealth))

		r.Put("/kv/{key}", m.InstrumentHandler("PUT", "/api/v1/kv/{key}", s.handlePut))
		r.Get("/kv/{key}", m.InstrumentHandler("GET", "/api/v1/kv/{key}", s.handleGet))
		r.Delete("/kv/{key}", m.InstrumentHandler("DELETE", "/api/v1/kv/{key}", s.handleDelete))
		r.Get("/kv", m.InstrumentHandler("GET", "/api/v1/kv", s.handleScan))

		r.Get("/stats", m.InstrumentHandler("GET", "/api/v1/stats", s.handleStats))
		r.Get("/debug/freelist", m.InstrumentHandler("GET", "/api/v1/debug/freelist", s.handleFreelist))
		r.Get("/debug/corruption", m.InstrumentHandler("GET", "/api/v1/debug/corruption", s.handleCorruption))
		r.Delete("/debug/corruption", m.InstrumentHandler("DELETE", "/api/v1/debug/corruption", s.handleResetCorruption))

		if s.config.Checkpoint != nil {
			r.Post("/checkpoint", m.InstrumentHandler("POST", "/api/v1/checkpoint", s.handleCheckpoint))
		}
	})

	return r
}

// StartServer serves the API until ctx is cancelled, then drains in-flight
// requests and takes a final checkpoint when one is configured
func StartServer(ctx context.Context, db Engine, config ServerConfig, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	var src telemetry.Source
	if cs, ok := db.(telemetry.Source); ok {
		src = cs
	}
	server := NewServer(db, config, NewMetrics(src), log)

	addr := net.JoinHostPort(config.Bind, fmt.Sprint(config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return server.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go s.startMetricsUpdater(done, statsInterval)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("sapling API listening",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("auth", s.config.APIKey != ""))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if s.config.Checkpoint != nil {
		digest, err := s.config.Checkpoint()
		if err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
		s.log.Info("final checkpoint written", zap.String("digest", digest))
	}
	return nil
}

// Package api provides the HTTP surface of TwinPulse.
//
// It exposes RESTful endpoints for queueing actions, managing automation
// rules, inspecting execution history, and feeding raw signals into the
// insight pipeline. The API wraps the engine module; it holds no automation
// state of its own.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/engine"
	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds how long Shutdown waits for in-flight
// requests.
const DefaultShutdownTimeout = 5 * time.Second

// SyncStatusReader is the sync orchestrator surface the API needs for status
// lookups.
type SyncStatusReader interface {
	GetStatus(requestID string) (models.SyncRequest, bool)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr       string
	SyncReader SyncStatusReader
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSyncStatusReader enables the sync status endpoint.
func WithSyncStatusReader(r SyncStatusReader) Option {
	return func(o *Opts) { o.SyncReader = r }
}

// Server serves the TwinPulse HTTP API in front of an engine.
type Server struct {
	engine     *engine.Engine
	syncReader SyncStatusReader
	addr       string
	httpServer *http.Server
}

// NewServer creates an API server around the given engine.
func NewServer(eng *engine.Engine, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	s := &Server{
		engine:     eng,
		syncReader: opts.SyncReader,
		addr:       opts.Addr,
	}
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	return s
}

// Handler returns the route table as an http.Handler for serving and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/actions", s.actionsHandler)
	mux.HandleFunc("/rules", s.rulesHandler)
	mux.HandleFunc("/history", s.historyHandler)
	mux.HandleFunc("/evaluate", s.evaluateHandler)
	mux.HandleFunc("/signals", s.signalsHandler)
	mux.HandleFunc("/sync/status", s.syncStatusHandler)
	return mux
}

// Run starts serving and blocks until the listener fails or is shut down.
func (s *Server) Run() error {
	slog.Info("Server.Run listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Package api exposes the meter over HTTP.
//
// Routes:
//
//	GET /           placeholder page
//	GET /telemetry  drain every reading shard as raw 30-byte records
//	GET /powerloss  drain the power-loss log as raw 8-byte timestamps
//	GET /time       body: u64 LE milliseconds; stored and applied to the system clock
//	GET /token      body: access token; stored
//	GET /latest     accumulated readings as JSON
//	GET /ws         accumulated readings pushed after every sampling pass
//
// Drains are destructive: data is deleted once flushed to the client.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itohio/goctm/pkg/config"
	"github.com/itohio/goctm/pkg/logging"
	"github.com/itohio/goctm/pkg/reading"
	"github.com/itohio/goctm/pkg/storage"
)

// Store is the storage surface the handlers need.
type Store interface {
	DrainReadings(w storage.Flusher) (int64, error)
	DrainPowerLoss(w storage.Flusher) (int64, error)
	StoreTime(ms uint64) error
	StoreToken(token []byte) error
	TokenSize() int
}

// Live provides the current accumulated readings.
type Live interface {
	Snapshot() []reading.Record
}

// Server is the meter HTTP server.
type Server struct {
	cfg      config.HTTPConfig
	store    Store
	live     Live
	setClock func(ms uint64) error
	hub      *Hub
	logger   *slog.Logger
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithClockSetter sets the function applying /time to the system clock.
func WithClockSetter(set func(ms uint64) error) Option {
	return func(s *Server) { s.setClock = set }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(cfg config.HTTPConfig, store Store, live Live, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		live:     live,
		setClock: func(uint64) error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("api")
	}
	s.hub = NewHub(s.logger)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Broadcast pushes records to every websocket client. Register it with the meter.
func (s *Server) Broadcast(records []reading.Record) {
	s.hub.Broadcast(records)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Listen)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

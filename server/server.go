// Package server exposes an executor over HTTP: health, prometheus metrics,
// job inspection and control, execution history and a live event stream.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/executor"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/history"
)

// Backend is what the server needs from an executor.
type Backend interface {
	Name() string
	Jobs() *executor.JobRegistry
	History() *history.Store
}

var _ Backend = (*executor.Executor)(nil)

// Config tunes the admin server.
type Config struct {
	Port              int
	TriggersPerSecond int                 // Manual runs and messages per job and second, 0 = unlimited
	Gatherer          prometheus.Gatherer // Default: prometheus.DefaultGatherer
}

// Server is the admin HTTP server of one executor.
type Server struct {
	backend    Backend
	hub        *Hub
	cfg        Config
	router     chi.Router
	httpServer *http.Server
	logger     *zap.SugaredLogger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	state     atomic.Int32
	startedAt time.Time
}

// New builds the server and its routes. hub should be the event sink the
// executor's jobs publish to.
func New(backend Backend, hub *Hub, cfg Config, log *zap.SugaredLogger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		backend:   backend,
		hub:       hub,
		cfg:       cfg,
		logger:    log.With(logger.FieldComponent, "server"),
		limiters:  make(map[string]*rate.Limiter),
		startedAt: time.Now(),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.setState(StateRunning)
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured port until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", s.httpServer.Addr),
			"set server.port to a free port or server.enabled = false")
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Infow("Admin server listening", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin server failed")
	}
	return nil
}

// Shutdown drains HTTP requests, then disconnects event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.getState() == StateStopped {
		return nil
	}
	s.setState(StateDraining)
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	s.setState(StateStopped)
	return errors.Wrap(err, "admin server shutdown")
}

// limiter returns the manual trigger limiter of a job, nil when unlimited.
func (s *Server) limiter(job string) *rate.Limiter {
	if s.cfg.TriggersPerSecond <= 0 {
		return nil
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[job]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.TriggersPerSecond), s.cfg.TriggersPerSecond)
		s.limiters[job] = l
	}
	return l
}

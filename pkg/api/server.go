package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/config"
)

// Server wraps the relay HTTP server with lifecycle management.
type Server struct {
	server       *http.Server
	cfg          config.ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates the relay HTTP server around a prepared handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		cfg: cfg,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// OnShutdown registers a callback that runs when graceful shutdown
// begins, before in-flight requests are waited on. Used to flip the
// relay into drain mode so readiness reports "draining" and new
// submissions are refused while the grace period runs down.
func (s *Server) OnShutdown(fn func()) {
	s.server.RegisterOnShutdown(fn)
}

// Start runs the server until the context is cancelled or the listener
// fails. Cancellation triggers a graceful shutdown bounded by the
// configured grace period.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		logger.Info("relay API listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("relay API server failed: %w", err)
	case <-ctx.Done():
		grace := s.cfg.ShutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully shuts down the server, letting in-flight long-polls
// finish within the context deadline. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		logger.Info("relay API shutting down", "addr", s.server.Addr)
		err = s.server.Shutdown(ctx)
	})
	return err
}

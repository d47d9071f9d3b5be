// Package server exposes the scan service over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenscan/warden/config"
	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
	"github.com/wardenscan/warden/scan"
)

const (
	// ShutdownTimeout is how long to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is the HTTP/WebSocket gateway in front of the scan service.
type Server struct {
	scans          *scan.Service
	allowedOrigins []string
	log            *zap.SugaredLogger

	httpServer *http.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a gateway over the given scan service.
func New(scans *scan.Service, cfg config.ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		scans:          scans,
		allowedOrigins: cfg.AllowedOrigins,
		log:            logger.ComponentLogger("server"),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start binds the listener and serves until Stop is called or the listener
// fails. It blocks.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.log.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", port),
		"port", port,
	)

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Stop gracefully shuts down the server: stop accepting requests, cancel
// WebSocket streams, then shut down the scan service so running jobs settle.
func (s *Server) Stop() error {
	s.log.Infow("Initiating server shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
	}

	// Cancel streaming goroutines, then wait for them.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.log.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.scans.Shutdown()
	s.log.Infow("Server shutdown complete")
	return nil
}

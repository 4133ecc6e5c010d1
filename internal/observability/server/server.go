// Package server exposes the Prometheus metrics and health endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath = "/metrics"
	healthPath  = "/healthz"

	defaultShutdownTimeout = 5 * time.Second
)

// HealthFunc reports whether the process can serve commands.
type HealthFunc func() error

// Server serves /metrics and /healthz.
type Server struct {
	address         string
	echo            *echo.Echo
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// Option mutates server configuration.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown after the run context ends.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// New creates a server bound to address that gathers from registry.
func New(address string, registry *prometheus.Registry, health HealthFunc, options ...Option) (*Server, error) {
	if address == "" {
		return nil, fmt.Errorf("new observability server: empty listen address")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("new observability server: listen address %q: %w", address, err)
	}
	if registry == nil {
		return nil, fmt.Errorf("new observability server: nil registry")
	}

	s := &Server{
		address:         address,
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, option := range options {
		option(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	e.GET(healthPath, func(c echo.Context) error {
		if health != nil {
			if err := health(); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}

		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo = e

	return s, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("observability server listening", "address", s.address)
		errCh <- s.echo.Start(s.address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("observability server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("observability server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server: %w", err)
	}

	return nil
}

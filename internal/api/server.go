// Package api serves the operational HTTP endpoints: health, metrics and a
// manual run trigger.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthFunc reports the time of the last successful poll and whether the
// bot considers itself healthy.
type HealthFunc func(ctx context.Context) (lastCheck time.Time, err error)

// Server represents the operational HTTP server
type Server struct {
	echo     *echo.Echo
	addr     string
	gatherer prometheus.Gatherer
	health   HealthFunc
	maxAge   time.Duration
	trigger  TriggerFunc
}

// TriggerFunc asks the scheduler for a run outside the regular interval.
type TriggerFunc func(ctx context.Context) error

// NewServer creates the server. A zero maxAge disables the staleness check.
func NewServer(addr string, gatherer prometheus.Gatherer, health HealthFunc, maxAge time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		addr:     addr,
		gatherer: gatherer,
		health:   health,
		maxAge:   maxAge,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.getHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.echo.POST("/runs", s.postRun)
}

// SetTrigger enables POST /runs.
func (s *Server) SetTrigger(fn TriggerFunc) {
	s.trigger = fn
}

func (s *Server) postRun(c echo.Context) error {
	if s.trigger == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "manual runs are not enabled"})
	}
	if err := s.trigger(c.Request().Context()); err != nil {
		log.Error().Err(err).Msg("Manual run trigger failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) getHealth(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}

	lastCheck, err := s.health(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	resp := map[string]string{"status": "healthy"}
	if !lastCheck.IsZero() {
		resp["last_check"] = lastCheck.UTC().Format(time.RFC3339)
	}
	if s.maxAge > 0 && !lastCheck.IsZero() && time.Since(lastCheck) > s.maxAge {
		resp["status"] = "stale"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

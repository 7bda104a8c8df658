// Package api hosts the HTTP server: middleware, health and metrics
// endpoints, and the versioned API mounted from the v2 package.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apiv2 "github.com/sensorvision/telemetry/internal/api/v2"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
	bodyLimit       = "1M"
)

// Config configures the HTTP server.
type Config struct {
	Listen string
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Health is probed by /health; nil always reports healthy.
	Health func(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	echo       *echo.Echo
	cfg        Config
	log        logger.Logger
	Controller *apiv2.Controller
}

// NewServer builds the router. It does not listen until Run.
func NewServer(cfg Config, deps apiv2.Dependencies, log logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, log: log.With(logger.String("component", "http"))}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.GET("/health", s.health)

	s.Controller = apiv2.New(e, deps, log)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(ctx echo.Context) error {
	if s.cfg.Health != nil {
		hctx, cancel := context.WithTimeout(ctx.Request().Context(), healthTimeout)
		defer cancel()
		if err := s.cfg.Health(hctx); err != nil {
			return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.String("listen", s.cfg.Listen))
		errCh <- s.echo.Start(s.cfg.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("http").
			Category(errors.CategoryNetwork).
			Context("listen", s.cfg.Listen).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.New(err).
			Component("http").
			Category(errors.CategoryNetwork).
			Context("operation", "shutdown").
			Build()
	}
	<-errCh
	return nil
}

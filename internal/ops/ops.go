// Package ops serves the operational endpoints: liveness, readiness, and
// Prometheus metrics. They listen on their own port so probes and scrapes
// never share a surface with platform callback traffic.
package ops

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/observability"
)

// Server exposes /healthz, /readyz, and the metrics endpoint.
type Server struct {
	cfg    *config.OpsConfig
	obs    *observability.Observability
	logger *slog.Logger
	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer creates an ops server. The observability handle may be nil, in
// which case readiness always reports ok and no metrics route is mounted.
func NewServer(cfg *config.OpsConfig, obs *observability.Observability, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		obs:    obs,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.obs != nil && s.obs.Metrics != nil {
		s.okapi.HandleStd("GET", s.cfg.OpsMetricsPath(),
			promhttp.HandlerFor(s.obs.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.cfg.OpsAddr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops endpoint serving",
		slog.String("addr", s.cfg.OpsAddr()),
		slog.String("metrics_path", s.cfg.OpsMetricsPath()),
	)
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops endpoint stopping")
	return s.okapi.Shutdown(s.server)
}

// handleLiveness reports process liveness. Always ok.
func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.obs != nil && s.obs.Health != nil {
		return c.OK(s.obs.Health.CheckHealth())
	}
	return c.OK(observability.HealthStatus{Status: "ok"})
}

// handleReadiness runs the registered dependency checks and returns 200 or
// 503 with the per-check breakdown.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.obs == nil || s.obs.Health == nil {
		return c.OK(observability.HealthStatus{Status: "ok"})
	}

	status := s.obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

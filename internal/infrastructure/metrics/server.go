// Package metrics exposes the Prometheus scrape endpoint plus a small
// JSON status surface for operators.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/internal/infrastructure/health"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Server serves /metrics for Prometheus, /healthz for probes, and /status
// with the operator view (health, equity, brackets, recent events).
type Server struct {
	port    int
	health  core.IHealthMonitor
	events  *health.EventLog
	metrics *telemetry.MetricsHolder
	logger  core.ILogger
}

// NewServer creates the server. health, events and metrics may each be nil;
// the corresponding endpoints then degrade to what is available.
func NewServer(port int, healthMon core.IHealthMonitor, events *health.EventLog, metrics *telemetry.MetricsHolder, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		health:  healthMon,
		events:  events,
		metrics: metrics,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics server listening", "port", s.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Stopping metrics server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unknown"})
		return
	}

	code := http.StatusOK
	if !s.health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":    code == http.StatusOK,
		"components": s.health.GetStatus(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := make(map[string]any)
	if s.health != nil {
		body["components"] = s.health.GetStatus()
	}
	if s.metrics != nil {
		body["equity_usd"] = s.metrics.GetAccountEquity()
		body["brackets_active"] = s.metrics.GetBracketsActive()
		body["rate_limiter_tokens"] = s.metrics.GetRateLimiterTokens()
	}
	if s.events != nil {
		body["recent_events"] = s.events.Recent(50)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

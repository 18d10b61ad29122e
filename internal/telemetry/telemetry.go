// Package telemetry exposes keygate's Prometheus metrics.
//
// Every collector lives on a private registry owned by Metrics, so tests and
// multiple servers in one process never collide on the default registry.
// HTTP metrics are labelled by chi route pattern, not the raw URL, so key ids
// in paths do not inflate label cardinality.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Gates label auth decisions by the middleware that made them.
const (
	GateKey      = "key"
	GateOptional = "optional"
	GateAdmin    = "admin"
)

// Outcomes of a single auth decision.
const (
	OutcomeAPIKey       = "api_key"
	OutcomeRootAdmin    = "root_admin"
	OutcomeElevatedKey  = "elevated_key"
	OutcomeAnonymous    = "anonymous"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeError        = "error"
)

// Key lifecycle events.
const (
	EventCreated = "created"
	EventRenamed = "renamed"
	EventRevoked = "revoked"
	EventDeleted = "deleted"
)

// Metrics holds the collectors recorded by the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	authDecisions *prometheus.CounterVec
	keyEvents     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	activeKeys    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		authDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Authentication decisions, by gate and outcome.",
		}, []string{"gate", "outcome"}),
		keyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_events_total",
			Help:      "API key lifecycle events, by event.",
		}, []string{"event"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies, by method and route pattern.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		activeKeys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_keys",
			Help:      "Number of API keys that are not revoked, as last sampled.",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AuthDecision counts one decision made by gate.
func (m *Metrics) AuthDecision(gate, outcome string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(gate, outcome).Inc()
}

// KeyEvent counts one lifecycle event.
func (m *Metrics) KeyEvent(event string) {
	if m == nil {
		return
	}
	m.keyEvents.WithLabelValues(event).Inc()
}

// ObserveRequest records a finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetActiveKeys sets the active key gauge.
func (m *Metrics) SetActiveKeys(n int) {
	if m == nil {
		return
	}
	m.activeKeys.Set(float64(n))
}

// ---------------------------------------------------------------------------
// Active key sampler
// ---------------------------------------------------------------------------

// CountFunc returns the current number of active keys.
type CountFunc func(ctx context.Context) (int, error)

// Sampler periodically refreshes the active key gauge.
type Sampler struct {
	metrics  *Metrics
	count    CountFunc
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler returns a Sampler, or nil when metrics is nil. A nil *Sampler
// is safe to Start and Shutdown.
func NewSampler(metrics *Metrics, count CountFunc, interval time.Duration, logger *slog.Logger) *Sampler {
	if metrics == nil || count == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		metrics:  metrics,
		count:    count,
		interval: interval,
		logger:   logger,
	}
}

// Start samples once immediately and then every interval. Non-blocking.
func (s *Sampler) Start() {
	if s == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sample(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the background loop and waits for it to exit.
func (s *Sampler) Shutdown() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) sample(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := s.count(ctx)
	if err != nil {
		s.logger.Warn("sample active keys failed", "error", err)
		return
	}
	s.metrics.SetActiveKeys(n)
}

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for state machines and explorations.
// Every recorder is safe to call on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// State machine metrics
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	hookFailures       *prometheus.CounterVec

	// Resilience metrics
	errors           *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	checkpoints      *prometheus.CounterVec

	// Exploration metrics
	positionsAnalyzed    *prometheus.CounterVec
	analysisDuration     *prometheus.HistogramVec
	frontierSize         prometheus.Gauge
	activeExplorations   prometheus.Gauge
	explorationsFinished *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of executed state transitions",
			},
			[]string{"from", "to", "event"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of state transitions including hooks and actions",
				Buckets:   buckets,
			},
			[]string{"event"},
		),
		hookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_failures_total",
				Help:      "Total number of failed or panicking hooks",
			},
			[]string{"phase"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of handled errors by category and severity",
			},
			[]string{"category", "severity"},
		),
		recoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"operation"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Total number of checkpoint saves by status",
			},
			[]string{"status"},
		),

		positionsAnalyzed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_analyzed_total",
				Help:      "Total number of analysed positions by result source (engine, cache)",
			},
			[]string{"source"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Duration of engine analyses in seconds",
				Buckets:   buckets,
			},
			[]string{"engine"},
		),
		frontierSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "frontier_size",
				Help:      "Current number of positions waiting for analysis",
			},
		),
		activeExplorations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_explorations",
				Help:      "Current number of running explorations",
			},
		),
		explorationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "explorations_finished_total",
				Help:      "Total number of finished explorations by final state",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.transitionDuration,
		m.hookFailures,
		m.errors,
		m.recoveryAttempts,
		m.breakerState,
		m.checkpoints,
		m.positionsAnalyzed,
		m.analysisDuration,
		m.frontierSize,
		m.activeExplorations,
		m.explorationsFinished,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// State machine metrics

// RecordTransition records an executed transition and its duration.
func (m *Metrics) RecordTransition(from, to, event string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to, event).Inc()
	m.transitionDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordHookFailure records a failed hook in the given phase.
func (m *Metrics) RecordHookFailure(phase string) {
	if !m.enabled() {
		return
	}
	m.hookFailures.WithLabelValues(phase).Inc()
}

// Resilience metrics

// RecordError records a handled error.
func (m *Metrics) RecordError(category, severity string) {
	if !m.enabled() {
		return
	}
	m.errors.WithLabelValues(category, severity).Inc()
}

// RecordRecoveryAttempt records one strategy invocation.
func (m *Metrics) RecordRecoveryAttempt(strategy string, success bool) {
	if !m.enabled() {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
}

// SetBreakerState sets the gauge for a breaker (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetBreakerState(operation string, value float64) {
	if !m.enabled() {
		return
	}
	m.breakerState.WithLabelValues(operation).Set(value)
}

// RecordCheckpoint records a checkpoint save attempt.
func (m *Metrics) RecordCheckpoint(err error) {
	if !m.enabled() {
		return
	}
	status := "saved"
	if err != nil {
		status = "failed"
	}
	m.checkpoints.WithLabelValues(status).Inc()
}

// Exploration metrics

// RecordPositionAnalyzed records an analysed position. cached marks a cache hit.
func (m *Metrics) RecordPositionAnalyzed(cached bool) {
	if !m.enabled() {
		return
	}
	source := "engine"
	if cached {
		source = "cache"
	}
	m.positionsAnalyzed.WithLabelValues(source).Inc()
}

// RecordAnalysisDuration records how long an engine analysis took.
func (m *Metrics) RecordAnalysisDuration(engine string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.analysisDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// SetFrontierSize sets the current frontier size.
func (m *Metrics) SetFrontierSize(n int) {
	if !m.enabled() {
		return
	}
	m.frontierSize.Set(float64(n))
}

// RecordExplorationStarted increments the active exploration gauge.
func (m *Metrics) RecordExplorationStarted() {
	if !m.enabled() {
		return
	}
	m.activeExplorations.Inc()
}

// RecordExplorationFinished records the final state of an exploration.
func (m *Metrics) RecordExplorationFinished(state string) {
	if !m.enabled() {
		return
	}
	m.explorationsFinished.WithLabelValues(state).Inc()
	m.activeExplorations.Dec()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is cancelled. It returns once
// the listener goroutine is started; serve errors are passed to onError.
func (m *Metrics) StartMetricsServer(ctx context.Context, onError func(error)) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

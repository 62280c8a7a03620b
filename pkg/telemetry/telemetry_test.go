package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("A", "B", "GO", time.Millisecond)
		m.RecordHookFailure("before_enter")
		m.RecordError("engine", "high")
		m.RecordRecoveryAttempt("engine_recovery", true)
		m.SetBreakerState("analyze", 2)
		m.RecordCheckpoint(nil)
		m.RecordPositionAnalyzed(true)
		m.SetFrontierSize(3)
		m.RecordExplorationStarted()
		m.RecordExplorationFinished("COMPLETED")
	})

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() { disabled.RecordError("engine", "high") })
	assert.Nil(t, disabled.Registry())
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	m.RecordError("engine", "high")
	m.RecordError("engine", "high")
	m.RecordCheckpoint(errors.New("disk full"))
	m.SetFrontierSize(7)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}
	require.Contains(t, byName, "test_errors_total")
	assert.Equal(t, 2.0, byName["test_errors_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 7.0, byName["test_frontier_size"].GetMetric()[0].GetGauge().GetValue())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), `test_checkpoints_total{status="failed"} 1`))
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.WithSessionID("s1").WithState("IDLE").Info("hello")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"state":"IDLE"`)
	assert.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestWithEngineAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})
	logger.WithEngine("stockfish", "/usr/bin/stockfish").Info("started")
	assert.Contains(t, buf.String(), `"engine":"stockfish"`)
	assert.Contains(t, buf.String(), `"engine_path":"/usr/bin/stockfish"`)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())
}

func TestNilTracerProducesSpans(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartTransitionSpan(context.Background(), "IDLE", "START")
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("x"))
	assert.NoError(t, tr.Shutdown(context.Background()))
}

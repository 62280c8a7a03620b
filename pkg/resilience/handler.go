package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/clock"
	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/telemetry"
)

// DefaultHistorySize is the default capacity of the error history.
const DefaultHistorySize = 100

var errRecoveryFailed = errors.New("recovery failed")

// HandlerConfig configures an ErrorHandler.
type HandlerConfig struct {
	// MaxRetryAttempts bounds strategy attempts per handled error.
	MaxRetryAttempts int `yaml:"max_retry_attempts" validate:"gte=1"`

	// HistorySize is the capacity of the circular error history.
	HistorySize int `yaml:"history_size" validate:"gte=1"`

	// EnableCircuitBreaker wraps recovery in per-operation breakers.
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker"`

	// EnableLogging logs each handled error at a severity-mapped level.
	EnableLogging bool `yaml:"enable_logging"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultHandlerConfig returns the default handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxRetryAttempts:     3,
		HistorySize:          DefaultHistorySize,
		EnableCircuitBreaker: true,
		EnableLogging:        true,
		Breaker:              DefaultBreakerConfig(),
	}
}

// HandlerDeps are the collaborators of an ErrorHandler. All are optional.
type HandlerDeps struct {
	Clock    clock.Clock
	Logger   zerolog.Logger
	Bus      *eventbus.Bus
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Services Services
}

// HandleOptions describe where an error happened.
type HandleOptions struct {
	CurrentState   string
	MachineContext any

	// OperationName enables the per-operation circuit breaker.
	OperationName string
}

// HandlerStats are cumulative handler counters.
type HandlerStats struct {
	Total      int              `json:"total"`
	Recovered  int              `json:"recovered"`
	Failed     int              `json:"failed"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// ErrorHandler normalizes errors and drives recovery strategies.
type ErrorHandler struct {
	config   HandlerConfig
	clock    clock.Clock
	logger   zerolog.Logger
	bus      *eventbus.Bus
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	breakers *Breakers

	mu         sync.RWMutex
	services   Services
	strategies []Strategy
	history    []*Error
	next       int
	full       bool
	stats      HandlerStats
}

// NewErrorHandler creates a handler with no strategies registered.
func NewErrorHandler(cfg HandlerConfig, deps HandlerDeps) *ErrorHandler {
	def := DefaultHandlerConfig()
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &ErrorHandler{
		config:   cfg,
		clock:    clk,
		logger:   deps.Logger.With().Str("component", "error_handler").Logger(),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		breakers: NewBreakers(cfg.Breaker, clk, deps.Metrics),
		services: deps.Services,
		history:  make([]*Error, cfg.HistorySize),
		stats: HandlerStats{
			ByCategory: make(map[Category]int),
			BySeverity: make(map[Severity]int),
		},
	}
}

// AddRecoveryStrategy appends a strategy. Strategies are consulted in
// registration order.
func (h *ErrorHandler) AddRecoveryStrategy(s Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies = append(h.strategies, s)
}

// SetServices replaces the probes passed to strategies.
func (h *ErrorHandler) SetServices(s Services) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = s
}

// Breakers returns the handler's breaker registry.
func (h *ErrorHandler) Breakers() *Breakers {
	return h.breakers
}

// HandleError records err and attempts recovery.
func (h *ErrorHandler) HandleError(ctx context.Context, err error, opts HandleOptions) RecoveryResult {
	e := Normalize(err)
	if e == nil {
		return RecoveryResult{Success: true}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	h.record(e)
	h.log(e, opts)
	h.metrics.RecordError(string(e.Category), string(e.Severity))
	if h.bus != nil {
		h.bus.Emit(ctx, eventbus.Event{
			Topic:     eventbus.TopicError,
			Source:    "error_handler",
			SessionID: h.sessionID(),
			Level:     eventbus.LevelError,
			Message:   e.Error(),
			Payload:   e.Record(),
		})
	}

	ctx, span := h.tracer.StartRecoverySpan(ctx, string(e.Category), opts.OperationName)
	result := h.attempt(ctx, e, opts)
	telemetry.EndSpan(span, resultErr(result))

	h.mu.Lock()
	if result.Success {
		h.stats.Recovered++
	} else {
		h.stats.Failed++
	}
	h.mu.Unlock()

	return result
}

func (h *ErrorHandler) attempt(ctx context.Context, e *Error, opts HandleOptions) RecoveryResult {
	if !e.Recoverable {
		return RecoveryResult{Message: "error is not recoverable"}
	}

	if !h.config.EnableCircuitBreaker || opts.OperationName == "" {
		return h.runRecovery(ctx, e, opts)
	}

	var result RecoveryResult
	err := h.breakers.Get(opts.OperationName).Execute(ctx, func(ctx context.Context) error {
		result = h.runRecovery(ctx, e, opts)
		if !result.Success {
			return errRecoveryFailed
		}
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrHalfOpenExhausted) {
		h.logger.Warn().
			Str("operation", opts.OperationName).
			Err(err).
			Msg("recovery short-circuited")
		return RecoveryResult{Message: fmt.Sprintf("recovery short-circuited: %v", err)}
	}
	return result
}

func (h *ErrorHandler) runRecovery(ctx context.Context, e *Error, opts HandleOptions) RecoveryResult {
	h.mu.RLock()
	var strategy Strategy
	for _, s := range h.strategies {
		if s.CanHandle(e) {
			strategy = s
			break
		}
	}
	services := h.services
	h.mu.RUnlock()

	if strategy == nil {
		return RecoveryResult{Message: fmt.Sprintf("no recovery strategy for %s errors", e.Category)}
	}

	maxAttempts := h.config.MaxRetryAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res := h.runStrategy(ctx, strategy, RecoveryContext{
			Err:            e,
			CurrentState:   opts.CurrentState,
			MachineContext: opts.MachineContext,
			Attempt:        attempt,
			MaxAttempts:    maxAttempts,
			Services:       services,
		})
		h.metrics.RecordRecoveryAttempt(strategy.Name(), res.Success)
		h.logger.Debug().
			Str("strategy", strategy.Name()).
			Int("attempt", attempt).
			Bool("success", res.Success).
			Bool("should_retry", res.ShouldRetry).
			Str("message", res.Message).
			Msg("recovery attempt")

		if res.Success || !res.ShouldRetry {
			return res
		}
		if attempt == maxAttempts {
			break
		}
		if err := h.clock.Sleep(ctx, res.RetryDelay); err != nil {
			return RecoveryResult{Message: fmt.Sprintf("recovery interrupted: %v", err)}
		}
	}

	return RecoveryResult{Message: fmt.Sprintf("%s exhausted %d attempts", strategy.Name(), maxAttempts)}
}

func (h *ErrorHandler) runStrategy(ctx context.Context, s Strategy, rc RecoveryContext) (res RecoveryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = RecoveryResult{Message: fmt.Sprintf("%s panicked: %v", s.Name(), r)}
		}
	}()
	return s.Recover(ctx, rc)
}

func (h *ErrorHandler) record(e *Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[h.next] = e
	h.next = (h.next + 1) % len(h.history)
	if h.next == 0 {
		h.full = true
	}
	h.stats.Total++
	h.stats.ByCategory[e.Category]++
	h.stats.BySeverity[e.Severity]++
}

func (h *ErrorHandler) log(e *Error, opts HandleOptions) {
	if !h.config.EnableLogging {
		return
	}
	var ev *zerolog.Event
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		ev = h.logger.Error()
	case SeverityMedium:
		ev = h.logger.Warn()
	default:
		ev = h.logger.Info()
	}
	ev.Str("error_id", e.ID).
		Str("category", string(e.Category)).
		Str("severity", string(e.Severity)).
		Bool("recoverable", e.Recoverable).
		Bool("retryable", e.Retryable).
		Str("state", opts.CurrentState).
		Str("operation", opts.OperationName).
		AnErr("cause", e.Cause).
		Msg(e.Message)
}

func (h *ErrorHandler) sessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.services.SessionID
}

// History returns the recorded errors, oldest first.
func (h *ErrorHandler) History() []*Error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		return append([]*Error(nil), h.history[:h.next]...)
	}
	out := make([]*Error, 0, len(h.history))
	out = append(out, h.history[h.next:]...)
	out = append(out, h.history[:h.next]...)
	return out
}

// Recent returns the last n error records, oldest first.
func (h *ErrorHandler) Recent(n int) []checkpoint.ErrorRecord {
	history := h.History()
	if n >= 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]checkpoint.ErrorRecord, 0, len(history))
	for _, e := range history {
		out = append(out, e.Record())
	}
	return out
}

// Stats returns a copy of the handler counters.
func (h *ErrorHandler) Stats() HandlerStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.stats
	s.ByCategory = make(map[Category]int, len(h.stats.ByCategory))
	for k, v := range h.stats.ByCategory {
		s.ByCategory[k] = v
	}
	s.BySeverity = make(map[Severity]int, len(h.stats.BySeverity))
	for k, v := range h.stats.BySeverity {
		s.BySeverity[k] = v
	}
	return s
}

// ClearHistory drops the recorded errors. Counters are kept.
func (h *ErrorHandler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = make([]*Error, len(h.history))
	h.next = 0
	h.full = false
}

func resultErr(r RecoveryResult) error {
	if r.Success {
		return nil
	}
	return errors.New(r.Message)
}

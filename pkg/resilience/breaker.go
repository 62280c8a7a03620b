package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/clock"
	"github.com/openvariant/variant/pkg/telemetry"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// gauge maps a state to the circuit_breaker_state metric value.
func (s BreakerState) gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

var (
	// ErrCircuitOpen is returned by Execute while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrHalfOpenExhausted is returned by Execute when the half-open probe budget is used up.
	ErrHalfOpenExhausted = errors.New("circuit breaker half-open probe limit reached")
)

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" validate:"gt=0"`

	// HalfOpenMaxCalls is the number of probe calls allowed while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" validate:"gte=1"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// BreakerMetrics is a point-in-time view of a breaker.
type BreakerMetrics struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	HalfOpenCalls   int          `json:"half_open_calls"`
}

// Snapshot converts the metrics to the checkpoint form.
func (m BreakerMetrics) Snapshot() checkpoint.BreakerSnapshot {
	return checkpoint.BreakerSnapshot{
		State:           string(m.State),
		FailureCount:    m.FailureCount,
		LastFailureTime: m.LastFailureTime,
		HalfOpenCalls:   m.HalfOpenCalls,
	}
}

// Breaker is a circuit breaker guarding one named operation.
type Breaker struct {
	name    string
	config  BreakerConfig
	clock   clock.Clock
	onState func(name string, from, to BreakerState)

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	lastFailure   time.Time
	halfOpenCalls int
}

// NewBreaker creates a closed breaker. A nil clock uses the real clock.
func NewBreaker(name string, cfg BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &Breaker{name: name, config: cfg, clock: clk, state: BreakerClosed}
}

// Name returns the guarded operation name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving open to half-open when the
// recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Execute runs op through the breaker. While open, or when the half-open
// probe budget is exhausted, op is not invoked.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerOpen:
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrHalfOpenExhausted)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failureCount = 0
		if b.state == BreakerHalfOpen {
			b.halfOpenCalls = 0
			b.setState(BreakerClosed)
		}
		return nil
	}

	b.failureCount++
	b.lastFailure = b.clock.Now()
	if b.state == BreakerHalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.halfOpenCalls = 0
		b.setState(BreakerOpen)
	}
	return err
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
	b.setState(BreakerClosed)
}

// Metrics returns a snapshot of the breaker.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return BreakerMetrics{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		HalfOpenCalls:   b.halfOpenCalls,
	}
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.clock.Now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
		b.halfOpenCalls = 0
		b.setState(BreakerHalfOpen)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onState != nil {
		b.onState(b.name, from, to)
	}
}

// Breakers is a registry of lazily created breakers keyed by operation name.
type Breakers struct {
	config  BreakerConfig
	clock   clock.Clock
	metrics *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig, clk clock.Clock, metrics *telemetry.Metrics) *Breakers {
	if clk == nil {
		clk = clock.Real()
	}
	return &Breakers{
		config:   cfg,
		clock:    clk,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config, r.clock)
	b.onState = func(name string, _, to BreakerState) {
		r.metrics.SetBreakerState(name, to.gauge())
	}
	r.metrics.SetBreakerState(name, BreakerClosed.gauge())
	r.breakers[name] = b
	return b
}

// Metrics returns a snapshot of every breaker, sorted by name.
func (r *Breakers) Metrics() []BreakerMetrics {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerMetrics, 0, len(list))
	for _, b := range list {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshots returns every breaker in checkpoint form.
func (r *Breakers) Snapshots() map[string]checkpoint.BreakerSnapshot {
	out := make(map[string]checkpoint.BreakerSnapshot)
	for _, m := range r.Metrics() {
		out[m.Name] = m.Snapshot()
	}
	return out
}

// ResetAll closes every breaker.
func (r *Breakers) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

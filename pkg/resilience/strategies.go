package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/openvariant/variant/pkg/checkpoint"
)

// RecoveryResult is the advice returned by a recovery attempt.
type RecoveryResult struct {
	Success     bool          `json:"success"`
	NewState    string        `json:"new_state,omitempty"`
	ShouldRetry bool          `json:"should_retry"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// EngineProbe reports engine readiness.
type EngineProbe interface {
	IsReady(ctx context.Context) (bool, error)
}

// StorageProbe checks storage health.
type StorageProbe interface {
	HealthCheck(ctx context.Context) error
}

// ResumableLookup finds checkpoints that can be resumed.
type ResumableLookup interface {
	FindResumableStates(ctx context.Context, q checkpoint.ResumableQuery) ([]*checkpoint.SerializableState, error)
}

// Services are the probes available to strategies. Any of them may be nil.
type Services struct {
	Engine      EngineProbe
	Storage     StorageProbe
	Checkpoints ResumableLookup

	// SessionID scopes checkpoint lookups.
	SessionID string
}

// RecoveryContext is the input to Strategy.Recover.
type RecoveryContext struct {
	Err            *Error
	CurrentState   string
	MachineContext any
	Attempt        int
	MaxAttempts    int
	Services       Services
}

// Strategy attempts a targeted remedy for one kind of error.
// Recover is advisory and reports problems through its result.
type Strategy interface {
	Name() string
	CanHandle(err *Error) bool
	Recover(ctx context.Context, rc RecoveryContext) RecoveryResult
}

// EngineRecovery probes engine readiness.
type EngineRecovery struct {
	// Delay is multiplied by the attempt number.
	Delay time.Duration
}

func (s *EngineRecovery) Name() string { return "engine_recovery" }

func (s *EngineRecovery) CanHandle(err *Error) bool {
	return err.Category == CategoryEngine
}

func (s *EngineRecovery) Recover(ctx context.Context, rc RecoveryContext) RecoveryResult {
	delay := s.Delay * time.Duration(max(rc.Attempt, 1))
	if rc.Services.Engine == nil {
		return RecoveryResult{Message: "no engine service to probe"}
	}

	ready, err := rc.Services.Engine.IsReady(ctx)
	if err != nil {
		return RecoveryResult{ShouldRetry: true, RetryDelay: delay, Message: fmt.Sprintf("engine probe failed: %v", err)}
	}
	if !ready {
		return RecoveryResult{ShouldRetry: true, RetryDelay: delay, Message: "engine not ready"}
	}
	return RecoveryResult{Success: true, ShouldRetry: true, RetryDelay: delay, Message: "engine ready"}
}

// NetworkRecovery advises an exponential backoff retry for network and
// timeout errors.
type NetworkRecovery struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (s *NetworkRecovery) Name() string { return "network_recovery" }

func (s *NetworkRecovery) CanHandle(err *Error) bool {
	return err.Category == CategoryNetwork || err.Category == CategoryTimeout
}

func (s *NetworkRecovery) Recover(ctx context.Context, rc RecoveryContext) RecoveryResult {
	if !rc.Err.Retryable {
		return RecoveryResult{Message: "error is not retryable"}
	}
	return RecoveryResult{
		Success:     true,
		ShouldRetry: true,
		RetryDelay:  Backoff(s.BaseDelay, s.MaxDelay, rc.Attempt),
		Message:     fmt.Sprintf("retrying %s error", rc.Err.Category),
	}
}

// StorageRecovery probes storage health.
type StorageRecovery struct {
	Delay time.Duration
}

func (s *StorageRecovery) Name() string { return "storage_recovery" }

func (s *StorageRecovery) CanHandle(err *Error) bool {
	return err.Category == CategoryStorage
}

func (s *StorageRecovery) Recover(ctx context.Context, rc RecoveryContext) RecoveryResult {
	if rc.Services.Storage == nil {
		return RecoveryResult{Message: "no storage service to probe"}
	}
	if err := rc.Services.Storage.HealthCheck(ctx); err != nil {
		return RecoveryResult{ShouldRetry: true, RetryDelay: s.Delay, Message: fmt.Sprintf("storage unhealthy: %v", err)}
	}
	return RecoveryResult{Success: true, ShouldRetry: rc.Err.Retryable, RetryDelay: s.Delay, Message: "storage healthy"}
}

// StateRecovery looks for a resumable checkpoint of the current session.
type StateRecovery struct {
	Delay  time.Duration
	MaxAge time.Duration
}

func (s *StateRecovery) Name() string { return "state_recovery" }

func (s *StateRecovery) CanHandle(err *Error) bool {
	return err.Category == CategoryState
}

func (s *StateRecovery) Recover(ctx context.Context, rc RecoveryContext) RecoveryResult {
	if rc.Services.Checkpoints == nil || rc.Services.SessionID == "" {
		return RecoveryResult{Message: "no checkpoint lookup available"}
	}

	states, err := rc.Services.Checkpoints.FindResumableStates(ctx, checkpoint.ResumableQuery{
		SessionID: rc.Services.SessionID,
		MaxAge:    s.MaxAge,
	})
	if err != nil {
		return RecoveryResult{ShouldRetry: true, RetryDelay: s.Delay, Message: fmt.Sprintf("checkpoint lookup failed: %v", err)}
	}

	latest := checkpoint.MostRecent(states)
	if latest == nil {
		return RecoveryResult{Message: "no resumable checkpoint"}
	}
	return RecoveryResult{
		Success:  true,
		NewState: latest.Metadata.CurrentState,
		Message:  fmt.Sprintf("resumable checkpoint from %s", latest.SavedAt.Format(time.RFC3339)),
	}
}

// Backoff returns base*2^(attempt-1) capped at maxDelay. A zero maxDelay
// means no cap other than the largest representable duration.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// DefaultStrategies returns one strategy per recoverable category family.
func DefaultStrategies() []Strategy {
	return []Strategy{
		&EngineRecovery{Delay: time.Second},
		&NetworkRecovery{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		&StorageRecovery{Delay: 2 * time.Second},
		&StateRecovery{Delay: time.Second, MaxAge: 24 * time.Hour},
	}
}

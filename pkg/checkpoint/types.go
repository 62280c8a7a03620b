// Package checkpoint defines the serialized checkpoint schema written by the
// resilient state machine and the persistence contract that stores it.
//
// Checkpoints are append-only: a new checkpoint for a session supersedes the
// previous ones without deleting them, and resume logic always selects the most
// recent one by SavedAt.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the metadata version written into every checkpoint.
// Resume ignores checkpoints written with a different version.
const SchemaVersion = 1

var (
	// ErrInvalidSessionID is returned when a checkpoint has no session ID.
	ErrInvalidSessionID = errors.New("checkpoint session id is required")

	// ErrNilState is returned when a save request carries no state.
	ErrNilState = errors.New("checkpoint state is nil")

	// ErrNotFound is returned when a session has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
)

// FrontierItem is a position waiting to be analysed.
type FrontierItem struct {
	FEN          string `json:"fen"`
	Depth        int    `json:"depth"`
	ParentNodeID string `json:"parent_node_id,omitempty"`
	Move         string `json:"move,omitempty"`
}

// Stats are the exploration counters carried in a checkpoint.
type Stats struct {
	TotalDiscovered int       `json:"total_discovered"`
	TotalAnalyzed   int       `json:"total_analyzed"`
	CacheHits       int       `json:"cache_hits"`
	RetryCount      int       `json:"retry_count"`
	Errors          int       `json:"errors"`
	StartedAt       time.Time `json:"started_at"`
}

// ExplorationState is the traversal state of one exploration.
type ExplorationState struct {
	PositionsToAnalyze []FrontierItem `json:"positions_to_analyze"`
	AnalyzedPositions  []string       `json:"analyzed_positions"`
	CurrentDepth       int            `json:"current_depth"`
	MaxDepth           int            `json:"max_depth"`
	PositionDepths     map[string]int `json:"position_depths"`
	Stats              Stats          `json:"stats"`
	Current            *FrontierItem  `json:"current,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
}

// RunConfig is the exploration configuration a checkpoint was taken under.
type RunConfig struct {
	RootFEN       string        `json:"root_fen"`
	MaxDepth      int           `json:"max_depth"`
	MaxNodes      int           `json:"max_nodes"`
	TimeLimit     time.Duration `json:"time_limit"`
	MaxRetries    int           `json:"max_retries"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
	PVMoves       int           `json:"pv_moves"`
	EngineSlug    string        `json:"engine_slug"`
	AnalysisDepth int           `json:"analysis_depth,omitempty"`
	MoveTime      time.Duration `json:"move_time,omitempty"`
	MultiPV       int           `json:"multipv,omitempty"`
}

// ErrorRecord is a compact form of a recorded machine error.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BreakerSnapshot is the state of one circuit breaker at checkpoint time.
type BreakerSnapshot struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	HalfOpenCalls   int       `json:"half_open_calls"`
}

// Metadata describes the machine around the exploration state.
type Metadata struct {
	Version         int                        `json:"version"`
	CurrentState    string                     `json:"current_state"`
	ErrorHistory    []ErrorRecord              `json:"error_history,omitempty"`
	CircuitBreakers map[string]BreakerSnapshot `json:"circuit_breakers,omitempty"`
	Reason          string                     `json:"reason,omitempty"`
}

// SerializableState is one persisted checkpoint.
type SerializableState struct {
	SessionID    string           `json:"session_id"`
	StrategyName string           `json:"strategy_name"`
	ProjectName  string           `json:"project_name"`
	RootPosition string           `json:"root_position"`
	State        ExplorationState `json:"state"`
	SavedAt      time.Time        `json:"saved_at"`
	Config       RunConfig        `json:"config"`
	Metadata     Metadata         `json:"metadata"`
}

// Validate checks that the checkpoint can be persisted.
func (s *SerializableState) Validate() error {
	if s == nil {
		return ErrNilState
	}
	if s.SessionID == "" {
		return ErrInvalidSessionID
	}
	if s.Metadata.CurrentState == "" {
		return fmt.Errorf("checkpoint %s: current state is required", s.SessionID)
	}
	return nil
}

// SaveRequest is the argument to Persistence.SaveState.
type SaveRequest struct {
	SessionID string
	State     *SerializableState
	Metadata  Metadata
}

// ResumableQuery filters checkpoints eligible for resume.
type ResumableQuery struct {
	// SessionID restricts the search to one session when set.
	SessionID string

	// StrategyName restricts the search to one traversal strategy when set.
	StrategyName string

	// MaxAge excludes checkpoints older than now-MaxAge. Zero means no limit.
	MaxAge time.Duration
}

// Persistence stores and retrieves checkpoints.
type Persistence interface {
	// SaveState appends a checkpoint for the session.
	SaveState(ctx context.Context, req SaveRequest) error

	// LoadState returns the most recent checkpoint of a session, or nil when none exists.
	LoadState(ctx context.Context, sessionID string) (*SerializableState, error)

	// FindResumableStates returns matching checkpoints, newest first.
	FindResumableStates(ctx context.Context, q ResumableQuery) ([]*SerializableState, error)

	// DeleteState removes every checkpoint of a session.
	DeleteState(ctx context.Context, sessionID string) error

	// Cleanup removes checkpoints older than maxAge and returns how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
}

// MostRecent returns the checkpoint with the latest SavedAt among those with
// the current schema version, or nil.
func MostRecent(states []*SerializableState) *SerializableState {
	var best *SerializableState
	for _, s := range states {
		if s == nil || s.Metadata.Version != SchemaVersion {
			continue
		}
		if best == nil || s.SavedAt.After(best.SavedAt) {
			best = s
		}
	}
	return best
}

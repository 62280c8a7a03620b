package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openvariant/variant/pkg/analysis"
	"github.com/openvariant/variant/pkg/checkpoint"
)

// SessionStatus represents the status of an exploration session
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status ends a session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// EventLevel represents the severity level of a logged event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Session represents one exploration run
type Session struct {
	ID          string        `json:"id"`
	RootFEN     string        `json:"root_fen"`
	Strategy    string        `json:"strategy"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Metadata    string        `json:"metadata"` // JSON blob
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	SessionID *string    `json:"session_id,omitempty"`
	Topic     string     `json:"topic"`
	Level     EventLevel `json:"level"`
	Source    string     `json:"source"`
	Message   string     `json:"message"`
	Payload   *string    `json:"payload,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters GetEvents.
type EventQuery struct {
	SessionID *string
	Topic     *string
	Level     *EventLevel
	Limit     int
	Offset    int
}

// Store defines the interface for the persistence layer
type Store interface {
	checkpoint.Persistence

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg *string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Analysis cache operations
	StoreAnalysis(ctx context.Context, result *analysis.Result) error
	GetAnalysis(ctx context.Context, position, engineSlug string) (*analysis.Result, error)
	HasAnalysis(ctx context.Context, position, engineSlug string, minDepth int) (bool, error)
	ListAnalyses(ctx context.Context, q analysis.Query) ([]*analysis.Result, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/stores"
)

// Progress is a snapshot of a running exploration.
type Progress struct {
	SessionID    string        `json:"session_id"`
	State        string        `json:"state"`
	Analyzed     int           `json:"analyzed"`
	Discovered   int           `json:"discovered"`
	Queued       int           `json:"queued"`
	MaxNodes     int           `json:"max_nodes"`
	CacheHits    int           `json:"cache_hits"`
	Retries      int           `json:"retries"`
	Errors       int           `json:"errors"`
	CurrentDepth int           `json:"current_depth"`
	Percent      float64       `json:"percent"`
	Elapsed      time.Duration `json:"elapsed"`
}

// SessionRecorder persists session lifecycle. It is implemented by stores.SQLiteStore.
type SessionRecorder interface {
	CreateSession(ctx context.Context, session *stores.Session) error
	GetSession(ctx context.Context, id string) (*stores.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status stores.SessionStatus, errMsg *string) error
}

// Reporter is the default ProgressService. It logs progress and records
// sessions when a recorder is configured.
type Reporter struct {
	logger   zerolog.Logger
	recorder SessionRecorder
	rootFEN  string
	strategy string
}

// NewReporter creates a reporter. recorder may be nil.
func NewReporter(logger zerolog.Logger, recorder SessionRecorder, rootFEN, strategy string) *Reporter {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	return &Reporter{
		logger:   logger.With().Str("component", "progress").Logger(),
		recorder: recorder,
		rootFEN:  rootFEN,
		strategy: strategy,
	}
}

// ReportProgress logs p.
func (r *Reporter) ReportProgress(_ context.Context, p Progress) {
	r.logger.Info().
		Str("session_id", p.SessionID).
		Str("state", p.State).
		Int("analyzed", p.Analyzed).
		Int("max_nodes", p.MaxNodes).
		Int("queued", p.Queued).
		Int("depth", p.CurrentDepth).
		Float64("percent", p.Percent).
		Dur("elapsed", p.Elapsed).
		Msg("exploration progress")
}

// Log writes message at level with data as fields.
func (r *Reporter) Log(_ context.Context, level, message string, data map[string]any) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	r.logger.WithLevel(lvl).Fields(data).Msg(message)
}

// StartSession records the session as running, creating it when new.
func (r *Reporter) StartSession(ctx context.Context, id, description string) error {
	r.logger.Info().Str("session_id", id).Str("description", description).Msg("session started")
	if r.recorder == nil {
		return nil
	}

	_, err := r.recorder.GetSession(ctx, id)
	switch {
	case err == nil:
		return r.recorder.UpdateSessionStatus(ctx, id, stores.SessionStatusRunning, nil)
	case !errors.Is(err, stores.ErrNotFound):
		return err
	}

	meta, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return err
	}
	return r.recorder.CreateSession(ctx, &stores.Session{
		ID:       id,
		RootFEN:  r.rootFEN,
		Strategy: r.strategy,
		Status:   stores.SessionStatusRunning,
		Metadata: string(meta),
	})
}

// EndSession records the session as completed or failed.
func (r *Reporter) EndSession(ctx context.Context, id string, success bool) error {
	r.logger.Info().Str("session_id", id).Bool("success", success).Msg("session ended")
	if r.recorder == nil {
		return nil
	}
	if success {
		return r.recorder.UpdateSessionStatus(ctx, id, stores.SessionStatusCompleted, nil)
	}
	msg := "exploration did not complete"
	return r.recorder.UpdateSessionStatus(ctx, id, stores.SessionStatusFailed, &msg)
}

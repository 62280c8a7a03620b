package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openvariant/variant/pkg/checkpoint"
)

var _ checkpoint.Persistence = (*SQLiteStore)(nil)

// SaveState appends a checkpoint. The full state is stored as JSON so it
// round-trips losslessly; the indexed columns only serve lookups.
func (s *SQLiteStore) SaveState(ctx context.Context, req checkpoint.SaveRequest) error {
	if req.State == nil {
		return checkpoint.ErrNilState
	}
	st := *req.State
	if req.SessionID != "" {
		st.SessionID = req.SessionID
	}
	if req.Metadata.CurrentState != "" || req.Metadata.Version != 0 {
		st.Metadata = req.Metadata
	}
	if st.SavedAt.IsZero() {
		st.SavedAt = s.now()
	}
	if err := st.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	meta, err := json.Marshal(st.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}

	query := `
		INSERT INTO checkpoints (session_id, strategy_name, current_state, version, state, metadata, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		st.SessionID,
		st.StrategyName,
		st.Metadata.CurrentState,
		st.Metadata.Version,
		string(data),
		string(meta),
		unixNano(st.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadState returns the most recent checkpoint of a session, or nil.
func (s *SQLiteStore) LoadState(ctx context.Context, sessionID string) (*checkpoint.SerializableState, error) {
	states, err := s.queryStates(ctx, `WHERE session_id = ? ORDER BY saved_at DESC, id DESC LIMIT 1`, sessionID)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return states[0], nil
}

// FindResumableStates returns matching checkpoints, newest first.
func (s *SQLiteStore) FindResumableStates(ctx context.Context, q checkpoint.ResumableQuery) ([]*checkpoint.SerializableState, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.StrategyName != "" {
		where = append(where, "strategy_name = ?")
		args = append(args, q.StrategyName)
	}
	if q.MaxAge > 0 {
		where = append(where, "saved_at >= ?")
		args = append(args, unixNano(s.now().Add(-q.MaxAge)))
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ") + " "
	}
	return s.queryStates(ctx, clause+"ORDER BY saved_at DESC, id DESC", args...)
}

// DeleteState removes every checkpoint of a session.
func (s *SQLiteStore) DeleteState(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return checkpoint.ErrInvalidSessionID
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, checkpoint.ErrNotFound)
	}
	return nil
}

// Cleanup removes checkpoints older than maxAge.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := unixNano(s.now().Add(-maxAge))
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Dur("max_age", maxAge).Msg("old checkpoints removed")
	}
	return removed, nil
}

func (s *SQLiteStore) queryStates(ctx context.Context, clause string, args ...any) ([]*checkpoint.SerializableState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM checkpoints `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	states := []*checkpoint.SerializableState{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		var st checkpoint.SerializableState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		states = append(states, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return states, nil
}

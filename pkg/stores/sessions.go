package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sessionColumns = `id, root_fen, strategy, status, started_at, completed_at, error, metadata, created_at, updated_at`

// CreateSession creates a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	now := s.now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionStatusPending
	}
	if session.Metadata == "" {
		session.Metadata = "{}"
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.RootFEN,
		session.Strategy,
		session.Status,
		unixNano(session.StartedAt),
		nullableUnixNano(session.CompletedAt),
		session.Error,
		session.Metadata,
		unixNano(session.CreatedAt),
		unixNano(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSessionStatus updates the status of a session. Terminal statuses set completed_at.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg *string) error {
	query := `
		UPDATE sessions
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := s.now()
	var completedAt sql.NullInt64
	if status.Terminal() {
		completedAt = nullableUnixNano(&now)
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, unixNano(now), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return rowsAffected(result, "session", id)
}

// ListSessions lists sessions, newest first, with pagination
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession deletes a session record. Its checkpoints and events are kept.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return rowsAffected(result, "session", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session     Session
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&session.ID,
		&session.RootFEN,
		&session.Strategy,
		&session.Status,
		&startedAt,
		&completedAt,
		&errMsg,
		&session.Metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.StartedAt = fromUnixNano(startedAt)
	session.CompletedAt = fromNullableUnixNano(completedAt)
	if errMsg.Valid {
		session.Error = &errMsg.String
	}
	session.CreatedAt = fromUnixNano(createdAt)
	session.UpdatedAt = fromUnixNano(updatedAt)
	return &session, nil
}

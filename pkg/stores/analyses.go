package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openvariant/variant/pkg/analysis"
)

// StoreAnalysis caches an engine result. A result for the same position and
// engine is replaced only by one searched at least as deep.
func (s *SQLiteStore) StoreAnalysis(ctx context.Context, result *analysis.Result) error {
	if result == nil || result.Position == "" {
		return fmt.Errorf("analysis position is required")
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = s.now()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	query := `
		INSERT INTO analyses (position, engine_slug, depth, best_move, result, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(position, engine_slug) DO UPDATE SET
			depth = excluded.depth,
			best_move = excluded.best_move,
			result = excluded.result,
			analyzed_at = excluded.analyzed_at
		WHERE excluded.depth >= analyses.depth
	`
	_, err = s.db.ExecContext(ctx, query,
		result.Position,
		result.EngineSlug,
		result.Depth,
		result.BestMove,
		string(data),
		unixNano(result.AnalyzedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the cached result for a position, or nil when none exists.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, position, engineSlug string) (*analysis.Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM analyses WHERE position = ? AND engine_slug = ?`,
		position, engineSlug,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	var result analysis.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &result, nil
}

// HasAnalysis reports whether a result of at least minDepth is cached.
func (s *SQLiteStore) HasAnalysis(ctx context.Context, position, engineSlug string, minDepth int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analyses WHERE position = ? AND engine_slug = ? AND depth >= ?`,
		position, engineSlug, minDepth,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check analysis: %w", err)
	}
	return n > 0, nil
}

// ListAnalyses returns cached results matching q, deepest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, q analysis.Query) ([]*analysis.Result, error) {
	var (
		where []string
		args  []any
	)
	if q.Position != "" {
		where = append(where, "position = ?")
		args = append(args, q.Position)
	}
	if q.EngineSlug != "" {
		where = append(where, "engine_slug = ?")
		args = append(args, q.EngineSlug)
	}
	if q.MinDepth > 0 {
		where = append(where, "depth >= ?")
		args = append(args, q.MinDepth)
	}

	query := `SELECT result FROM analyses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY depth DESC, analyzed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	results := []*analysis.Result{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		var r analysis.Result
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return results, nil
}

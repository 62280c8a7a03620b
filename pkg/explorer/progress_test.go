package explorer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/stores"
)

type fakeRecorder struct {
	sessions map[string]*stores.Session
	getErr   error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{sessions: make(map[string]*stores.Session)}
}

func (f *fakeRecorder) CreateSession(_ context.Context, s *stores.Session) error {
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeRecorder) GetSession(_ context.Context, id string) (*stores.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, stores.ErrNotFound)
	}
	return s, nil
}

func (f *fakeRecorder) UpdateSessionStatus(_ context.Context, id string, status stores.SessionStatus, errMsg *string) error {
	s, ok := f.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, stores.ErrNotFound)
	}
	s.Status = status
	s.Error = errMsg
	return nil
}

func TestReporterSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := newFakeRecorder()
	r := NewReporter(zerolog.Nop(), rec, "8/8/8/8/8/8/8/K6k w - - 0 1", "")

	require.NoError(t, r.StartSession(ctx, "s1", "explore endgame"))
	s := rec.sessions["s1"]
	require.NotNil(t, s)
	assert.Equal(t, stores.SessionStatusRunning, s.Status)
	assert.Equal(t, DefaultStrategy, s.Strategy)
	assert.JSONEq(t, `{"description":"explore endgame"}`, s.Metadata)

	require.NoError(t, r.EndSession(ctx, "s1", false))
	assert.Equal(t, stores.SessionStatusFailed, s.Status)
	require.NotNil(t, s.Error)

	// Starting an existing session marks it running again.
	require.NoError(t, r.StartSession(ctx, "s1", "resume"))
	assert.Equal(t, stores.SessionStatusRunning, rec.sessions["s1"].Status)

	require.NoError(t, r.EndSession(ctx, "s1", true))
	assert.Equal(t, stores.SessionStatusCompleted, s.Status)
	assert.Nil(t, s.Error)
}

func TestReporterPropagatesLookupErrors(t *testing.T) {
	rec := newFakeRecorder()
	rec.getErr = errors.New("database is locked")
	r := NewReporter(zerolog.Nop(), rec, "", "")

	err := r.StartSession(context.Background(), "s1", "")
	assert.EqualError(t, err, "database is locked")
	assert.Empty(t, rec.sessions)
}

func TestReporterWithoutRecorder(t *testing.T) {
	r := NewReporter(zerolog.Nop(), nil, "", "")
	assert.NoError(t, r.StartSession(context.Background(), "s1", ""))
	assert.NoError(t, r.EndSession(context.Background(), "s1", true))
}

func TestReporterLog(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(zerolog.New(&buf), nil, "", "")

	r.Log(context.Background(), "warn", "cache degraded", map[string]any{"misses": 3})
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"misses":3`)
	assert.Contains(t, buf.String(), `"component":"progress"`)

	buf.Reset()
	r.Log(context.Background(), "loud", "unknown level", nil)
	assert.Contains(t, buf.String(), `"level":"info"`)

	buf.Reset()
	r.ReportProgress(context.Background(), Progress{SessionID: "s1", Analyzed: 4, MaxNodes: 8, Percent: 50})
	assert.Contains(t, buf.String(), `"analyzed":4`)
	assert.Contains(t, buf.String(), `"message":"exploration progress"`)
}

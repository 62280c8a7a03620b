package resilience

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/checkpoint"
)

type fakeEngine struct {
	ready bool
	err   error
}

func (f fakeEngine) IsReady(ctx context.Context) (bool, error) { return f.ready, f.err }

type fakeStorage struct{ err error }

func (f fakeStorage) HealthCheck(ctx context.Context) error { return f.err }

type fakeLookup struct {
	states []*checkpoint.SerializableState
	err    error
	query  checkpoint.ResumableQuery
}

func (f *fakeLookup) FindResumableStates(ctx context.Context, q checkpoint.ResumableQuery) ([]*checkpoint.SerializableState, error) {
	f.query = q
	return f.states, f.err
}

func TestEngineRecovery(t *testing.T) {
	s := &EngineRecovery{Delay: time.Second}
	engineErr := New(CategoryEngine, "dead", nil)
	ctx := context.Background()

	assert.True(t, s.CanHandle(engineErr))
	assert.False(t, s.CanHandle(New(CategoryStorage, "x", nil)))

	res := s.Recover(ctx, RecoveryContext{Err: engineErr, Attempt: 1})
	assert.Equal(t, RecoveryResult{Message: "no engine service to probe"}, res)

	res = s.Recover(ctx, RecoveryContext{Err: engineErr, Attempt: 2, Services: Services{Engine: fakeEngine{}}})
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, 2*time.Second, res.RetryDelay)

	res = s.Recover(ctx, RecoveryContext{Err: engineErr, Attempt: 1, Services: Services{Engine: fakeEngine{err: errors.New("pipe")}}})
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)

	res = s.Recover(ctx, RecoveryContext{Err: engineErr, Attempt: 3, Services: Services{Engine: fakeEngine{ready: true}}})
	assert.True(t, res.Success)
	assert.Equal(t, 3*time.Second, res.RetryDelay)
}

func TestNetworkRecovery(t *testing.T) {
	s := &NetworkRecovery{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.True(t, s.CanHandle(New(CategoryNetwork, "x", nil)))
	assert.True(t, s.CanHandle(New(CategoryTimeout, "x", nil)))
	assert.False(t, s.CanHandle(New(CategoryEngine, "x", nil)))

	res := s.Recover(context.Background(), RecoveryContext{Err: New(CategoryNetwork, "reset", nil), Attempt: 3})
	assert.True(t, res.Success)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, 4*time.Second, res.RetryDelay)

	res = s.Recover(context.Background(), RecoveryContext{Err: New(CategoryNetwork, "reset", nil).WithRetryable(false), Attempt: 1})
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
}

func TestStorageRecovery(t *testing.T) {
	s := &StorageRecovery{Delay: time.Second}
	storageErr := New(CategoryStorage, "locked", nil)
	ctx := context.Background()

	assert.False(t, s.Recover(ctx, RecoveryContext{Err: storageErr}).ShouldRetry)

	res := s.Recover(ctx, RecoveryContext{Err: storageErr, Services: Services{Storage: fakeStorage{err: errors.New("io")}}})
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)

	res = s.Recover(ctx, RecoveryContext{Err: storageErr, Services: Services{Storage: fakeStorage{}}})
	assert.True(t, res.Success)
}

func TestStateRecovery(t *testing.T) {
	s := &StateRecovery{Delay: time.Second, MaxAge: time.Hour}
	stateErr := New(CategoryState, "bad", nil)
	ctx := context.Background()

	res := s.Recover(ctx, RecoveryContext{Err: stateErr})
	assert.False(t, res.Success)

	now := time.Now()
	lookup := &fakeLookup{states: []*checkpoint.SerializableState{
		{SessionID: "s1", SavedAt: now.Add(-time.Minute), Metadata: checkpoint.Metadata{Version: checkpoint.SchemaVersion, CurrentState: "ANALYZING_ROOT"}},
		{SessionID: "s1", SavedAt: now, Metadata: checkpoint.Metadata{Version: checkpoint.SchemaVersion, CurrentState: "BUILDING_GRAPH"}},
	}}
	res = s.Recover(ctx, RecoveryContext{Err: stateErr, Services: Services{Checkpoints: lookup, SessionID: "s1"}})
	require.True(t, res.Success)
	assert.Equal(t, "BUILDING_GRAPH", res.NewState)
	assert.False(t, res.ShouldRetry)
	assert.Equal(t, "s1", lookup.query.SessionID)
	assert.Equal(t, time.Hour, lookup.query.MaxAge)

	res = s.Recover(ctx, RecoveryContext{Err: stateErr, Services: Services{Checkpoints: &fakeLookup{}, SessionID: "s1"}})
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)

	res = s.Recover(ctx, RecoveryContext{Err: stateErr, Services: Services{Checkpoints: &fakeLookup{err: errors.New("db")}, SessionID: "s1"}})
	assert.True(t, res.ShouldRetry)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, 10*time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Equal(t, 16*time.Second, Backoff(time.Second, 0, 5))
}

func TestBackoffSaturatesWithoutCap(t *testing.T) {
	for _, attempt := range []int{40, 64, 100, 1 << 20} {
		d := Backoff(time.Second, 0, attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.Equal(t, time.Duration(math.MaxInt64), d, "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, Backoff(time.Second, 30*time.Second, 1<<20))
}

func TestDefaultStrategiesCoverRecoverableFamilies(t *testing.T) {
	strategies := DefaultStrategies()
	for _, c := range []Category{CategoryEngine, CategoryNetwork, CategoryTimeout, CategoryStorage, CategoryState} {
		found := false
		for _, s := range strategies {
			if s.CanHandle(New(c, "x", nil)) {
				found = true
			}
		}
		assert.True(t, found, "no strategy for %s", c)
	}
}

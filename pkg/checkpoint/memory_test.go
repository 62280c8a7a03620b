package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(session string, savedAt time.Time) *SerializableState {
	return &SerializableState{
		SessionID:    session,
		StrategyName: "breadth_first",
		RootPosition: "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		SavedAt:      savedAt,
		State: ExplorationState{
			PositionsToAnalyze: []FrontierItem{{FEN: "a", Depth: 1}},
			AnalyzedPositions:  []string{"root"},
			PositionDepths:     map[string]int{"root": 0, "a": 1},
		},
		Metadata: Metadata{Version: SchemaVersion, CurrentState: "PROCESSING_QUEUE"},
	}
}

func TestMemoryStoreLoadReturnsLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("s1", base)}))
	later := sample("s1", base.Add(time.Minute))
	later.Metadata.CurrentState = "ANALYZING_POSITION"
	require.NoError(t, store.SaveState(ctx, SaveRequest{State: later}))

	got, err := store.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ANALYZING_POSITION", got.Metadata.CurrentState)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreCopiesState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := sample("s1", time.Now())
	require.NoError(t, store.SaveState(ctx, SaveRequest{State: st}))

	st.State.AnalyzedPositions[0] = "mutated"
	got, err := store.LoadState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "root", got.State.AnalyzedPositions[0])
}

func TestMemoryStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.ErrorIs(t, store.SaveState(ctx, SaveRequest{}), ErrNilState)
	assert.ErrorIs(t, store.SaveState(ctx, SaveRequest{State: sample("", time.Now())}), ErrInvalidSessionID)
}

func TestMemoryStoreFindResumable(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithNow(func() time.Time { return now })

	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("old", now.Add(-48*time.Hour))}))
	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("new", now.Add(-time.Hour))}))
	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("new", now.Add(-time.Minute))}))

	states, err := store.FindResumableStates(ctx, ResumableQuery{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.True(t, states[0].SavedAt.After(states[1].SavedAt))

	states, err = store.FindResumableStates(ctx, ResumableQuery{SessionID: "old"})
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestMemoryStoreCleanupAndDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithNow(func() time.Time { return now })

	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("a", now.Add(-72*time.Hour))}))
	require.NoError(t, store.SaveState(ctx, SaveRequest{State: sample("b", now)}))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, store.DeleteState(ctx, "b"))
	assert.ErrorIs(t, store.DeleteState(ctx, "b"), ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestMostRecentSkipsOtherVersions(t *testing.T) {
	base := time.Now()
	a := sample("s", base)
	b := sample("s", base.Add(time.Hour))
	b.Metadata.Version = SchemaVersion + 1

	assert.Same(t, a, MostRecent([]*SerializableState{a, b, nil}))
	assert.Nil(t, MostRecent(nil))
}

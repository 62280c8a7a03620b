package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/analysis"
)

const (
	root    = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	afterE4 = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	afterD4 = "rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq - 0 1"
)

func TestAddAndGetMoves(t *testing.T) {
	ctx := context.Background()
	g := New("")

	require.NoError(t, g.AddMove(ctx, root, "e2e4", MoveOptions{ToFEN: afterE4, Best: true, Score: &analysis.Score{Centipawns: 30}}))
	require.NoError(t, g.AddMove(ctx, root, "d2d4", MoveOptions{ToFEN: afterD4}))
	// Re-adding updates in place.
	require.NoError(t, g.AddMove(ctx, root, "e2e4", MoveOptions{ToFEN: afterE4, Best: false}))

	moves, err := g.GetMoves(ctx, root)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, "e2e4", moves[0].Move)
	assert.False(t, moves[0].Best)
	assert.Equal(t, "d2d4", moves[1].Move)

	stats, err := g.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalPositions: 3, TotalMoves: 2, MaxDepth: 1}, stats)

	assert.Error(t, g.AddMove(ctx, root, "", MoveOptions{ToFEN: afterE4}))
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "graph.json")
	g := New(path)
	require.NoError(t, g.AddMove(ctx, root, "e2e4", MoveOptions{ToFEN: afterE4, Depth: 0}))
	require.NoError(t, g.Save(ctx))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be renamed away")

	loaded, err := Load(path)
	require.NoError(t, err)
	moves, err := loaded.GetMoves(ctx, root)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, afterE4, moves[0].ToFEN)

	stats, err := loaded.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPositions)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	g, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	stats, err := g.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalPositions)
}

func TestSaveWithoutPathIsNoop(t *testing.T) {
	g := New("")
	require.NoError(t, g.AddMove(context.Background(), root, "e2e4", MoveOptions{ToFEN: afterE4}))
	assert.NoError(t, g.Save(context.Background()))
	assert.Empty(t, g.Path())
}

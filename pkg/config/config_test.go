package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/explorer"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, explorer.DefaultStrategy, cfg.Session.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, "variant.db", cfg.Storage.Path)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
session:
  project_name: endgames
exploration:
  root_fen: "8/8/8/8/8/8/8/K6k w - - 0 1"
  max_depth: 6
  time_limit: 10m
  analysis:
    depth: 18
    move_time: 500ms
engine:
  path: /opt/engines/stockfish
  options:
    Hash: "256"
checkpoint:
  interval: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, "endgames", cfg.Session.ProjectName)
	assert.Equal(t, explorer.DefaultStrategy, cfg.Session.Strategy)
	assert.Equal(t, "8/8/8/8/8/8/8/K6k w - - 0 1", cfg.Exploration.RootFEN)
	assert.Equal(t, 6, cfg.Exploration.MaxDepth)
	assert.Equal(t, 100, cfg.Exploration.MaxNodes, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Minute, cfg.Exploration.TimeLimit)
	assert.Equal(t, 18, cfg.Exploration.Analysis.Depth)
	assert.Equal(t, 500*time.Millisecond, cfg.Exploration.Analysis.MoveTime)
	assert.Equal(t, "/opt/engines/stockfish", cfg.Engine.Path)
	assert.Equal(t, "256", cfg.Engine.Options["Hash"])
	assert.Equal(t, time.Minute, cfg.Checkpoint.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Checkpoint.MaxAge)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "exploration:\n  max_dpth: 3\n"},
		{"zero depth", "exploration:\n  max_depth: 0\n"},
		{"negative retries", "exploration:\n  max_retries: -1\n"},
		{"missing storage path", "storage:\n  path: \"\"\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n"},
		{"zero checkpoint interval", "checkpoint:\n  interval: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("exploration:\n  max_depth: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "variant.yaml")

	cfg := DefaultConfig()
	cfg.Session.ID = "session-1"
	cfg.Exploration.MaxNodes = 42
	cfg.Exploration.RetryBackoff = 250 * time.Millisecond
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefault(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	want := DefaultConfig()
	want.Exploration.MaxDepth = 2
	require.NoError(t, Save(DefaultPath, want))

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Exploration.MaxDepth)
}

func TestExplorerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.ID = "abc"
	cfg.Engine.Slug = "komodo"

	opts := cfg.ExplorerOptions()
	assert.Equal(t, "abc", opts.SessionID)
	assert.Equal(t, "komodo", opts.EngineSlug)
	assert.Equal(t, cfg.Checkpoint.Interval, opts.CheckpointInterval)
	assert.Equal(t, cfg.Resilience, opts.Handler)
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/explorer"
	"github.com/openvariant/variant/pkg/resilience"
	"github.com/openvariant/variant/pkg/resilient"
	"github.com/openvariant/variant/pkg/stores"
	"github.com/openvariant/variant/pkg/telemetry"
	"github.com/openvariant/variant/pkg/uci"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "variant.yaml"

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete variant configuration.
type Config struct {
	Session     SessionConfig            `yaml:"session"`
	Exploration explorer.Config          `yaml:"exploration"`
	Engine      uci.Config               `yaml:"engine"`
	Resilience  resilience.HandlerConfig `yaml:"resilience"`
	Checkpoint  CheckpointConfig         `yaml:"checkpoint"`
	Storage     stores.Config            `yaml:"storage"`
	Graph       GraphConfig              `yaml:"graph"`
	Events      EventsConfig             `yaml:"events"`
	Telemetry   telemetry.Config         `yaml:"telemetry"`
}

// SessionConfig names the exploration session.
type SessionConfig struct {
	// ID is generated per run when empty.
	ID          string `yaml:"id"`
	ProjectName string `yaml:"project_name"`
	Strategy    string `yaml:"strategy" validate:"required"`
}

// CheckpointConfig controls periodic checkpoints and resume.
type CheckpointConfig struct {
	// Enabled turns checkpoint persistence on.
	Enabled bool `yaml:"enabled"`

	// Interval is the period of the checkpoint task.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// MaxAge bounds how old a checkpoint may be to resume from. It is also
	// the age used by "checkpoints cleanup".
	MaxAge time.Duration `yaml:"max_age" validate:"gt=0"`
}

// GraphConfig locates the exploration graph file.
type GraphConfig struct {
	// Path is the JSON graph file. Empty keeps the graph in memory.
	Path string `yaml:"path"`
}

// EventsConfig configures the event bus and its SQLite event log.
type EventsConfig struct {
	Bus eventbus.Config `yaml:"bus"`

	// Persist appends every bus event to the storage event log.
	Persist bool `yaml:"persist"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			ProjectName: "variant",
			Strategy:    explorer.DefaultStrategy,
		},
		Exploration: explorer.DefaultConfig(),
		Engine: uci.Config{
			Path:           "stockfish",
			Slug:           "stockfish",
			Options:        map[string]string{"Threads": "1", "Hash": "64"},
			StartupTimeout: 10 * time.Second,
		},
		Resilience: resilience.DefaultHandlerConfig(),
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			Interval: resilient.DefaultCheckpointInterval,
			MaxAge:   resilient.DefaultResumeMaxAge,
		},
		Storage: stores.Config{
			Path:        "variant.db",
			BusyTimeout: 5 * time.Second,
		},
		Graph: GraphConfig{Path: "variant-graph.json"},
		Events: EventsConfig{
			Bus:     eventbus.DefaultConfig(),
			Persist: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty and
// DefaultPath does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultPath); errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		path = DefaultPath
	}
	return Load(path)
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalid, err)
	}
	return nil
}

// Save writes c to path as YAML, creating parent directories.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// ExplorerOptions returns the explorer options described by the session,
// checkpoint and resilience sections.
func (c *Config) ExplorerOptions() explorer.Options {
	return explorer.Options{
		SessionID:          c.Session.ID,
		ProjectName:        c.Session.ProjectName,
		Strategy:           c.Session.Strategy,
		EngineSlug:         c.Engine.Slug,
		CheckpointInterval: c.Checkpoint.Interval,
		ResumeMaxAge:       c.Checkpoint.MaxAge,
		Handler:            c.Resilience,
	}
}

package explorer

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openvariant/variant/pkg/analysis"
	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/resilience"
)

// Defaults.
const (
	DefaultRetryBackoff = time.Second
	DefaultPVMoves      = 3
	DefaultStrategy     = "breadth_first"
	DefaultEngineSlug   = "engine"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("invalid exploration config")

// Config bounds one exploration.
type Config struct {
	// RootFEN is the starting position.
	RootFEN string `yaml:"root_fen" json:"root_fen" validate:"required"`

	// MaxDepth is the exclusive ply limit: positions at depth >= MaxDepth are not queued.
	MaxDepth int `yaml:"max_depth" json:"max_depth" validate:"gte=1"`

	// MaxNodes caps the number of analysed positions.
	MaxNodes int `yaml:"max_nodes" json:"max_nodes" validate:"gte=1"`

	// TimeLimit caps the wall-clock duration of the exploration.
	TimeLimit time.Duration `yaml:"time_limit" json:"time_limit" validate:"gt=0"`

	// MaxRetries is the number of consecutive analysis failures retried
	// before the exploration fails.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"gte=0"`

	// RetryBackoff is multiplied by the retry count between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" validate:"gte=0"`

	// PVMoves is how many principal variation moves are expanded per analysis.
	PVMoves int `yaml:"pv_moves" json:"pv_moves" validate:"gte=0"`

	Analysis analysis.Config `yaml:"analysis" json:"analysis"`
}

// DefaultConfig returns a configuration rooted at the standard start position.
func DefaultConfig() Config {
	return Config{
		RootFEN:      "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		MaxDepth:     4,
		MaxNodes:     100,
		TimeLimit:    time.Hour,
		MaxRetries:   3,
		RetryBackoff: DefaultRetryBackoff,
		PVMoves:      DefaultPVMoves,
		Analysis:     analysis.Config{Depth: 12},
	}
}

func (c *Config) applyDefaults() {
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.PVMoves == 0 {
		c.PVMoves = DefaultPVMoves
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RunConfig returns the checkpoint form of the configuration.
func (c Config) RunConfig(engineSlug string) checkpoint.RunConfig {
	return checkpoint.RunConfig{
		RootFEN:       c.RootFEN,
		MaxDepth:      c.MaxDepth,
		MaxNodes:      c.MaxNodes,
		TimeLimit:     c.TimeLimit,
		MaxRetries:    c.MaxRetries,
		RetryBackoff:  c.RetryBackoff,
		PVMoves:       c.PVMoves,
		EngineSlug:    engineSlug,
		AnalysisDepth: c.Analysis.Depth,
		MoveTime:      c.Analysis.MoveTime,
		MultiPV:       c.Analysis.MultiPV,
	}
}

// ConfigFromRun rebuilds a configuration from a checkpoint.
func ConfigFromRun(rc checkpoint.RunConfig) Config {
	return Config{
		RootFEN:      rc.RootFEN,
		MaxDepth:     rc.MaxDepth,
		MaxNodes:     rc.MaxNodes,
		TimeLimit:    rc.TimeLimit,
		MaxRetries:   rc.MaxRetries,
		RetryBackoff: rc.RetryBackoff,
		PVMoves:      rc.PVMoves,
		Analysis: analysis.Config{
			Depth:    rc.AnalysisDepth,
			MoveTime: rc.MoveTime,
			MultiPV:  rc.MultiPV,
		},
	}
}

// Options configure the machinery around an exploration.
type Options struct {
	// SessionID is generated when empty.
	SessionID   string
	ProjectName string

	// Strategy names the traversal in checkpoints. Defaults to DefaultStrategy.
	Strategy string

	// EngineSlug keys cached analyses. Defaults to DefaultEngineSlug.
	EngineSlug string

	CheckpointInterval time.Duration
	ResumeMaxAge       time.Duration

	Handler resilience.HandlerConfig

	// Strategies replaces resilience.DefaultStrategies when non-nil.
	Strategies []resilience.Strategy
}

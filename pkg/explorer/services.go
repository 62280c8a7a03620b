package explorer

import (
	"context"

	"github.com/openvariant/variant/pkg/analysis"
	"github.com/openvariant/variant/pkg/graph"
)

// EngineService analyses positions. It is implemented by uci.Engine.
type EngineService interface {
	AnalyzePosition(ctx context.Context, fen string, cfg analysis.Config) (*analysis.Result, error)
	IsReady(ctx context.Context) (bool, error)

	// Stop interrupts a running analysis.
	Stop(ctx context.Context) error
}

// GraphService records the explored move graph. It is implemented by graph.Graph.
type GraphService interface {
	AddMove(ctx context.Context, fromFEN, move string, opts graph.MoveOptions) error
	GetMoves(ctx context.Context, fen string) ([]graph.Move, error)
	Save(ctx context.Context) error
	GetStats(ctx context.Context) (graph.Stats, error)
}

// AnalysisStore caches analyses across runs. It is implemented by stores.SQLiteStore.
type AnalysisStore interface {
	StoreAnalysis(ctx context.Context, result *analysis.Result) error
	GetAnalysis(ctx context.Context, position, engineSlug string) (*analysis.Result, error)
	HasAnalysis(ctx context.Context, position, engineSlug string, minDepth int) (bool, error)
}

// ProgressService receives progress updates and session lifecycle calls.
type ProgressService interface {
	ReportProgress(ctx context.Context, p Progress)
	Log(ctx context.Context, level, message string, data map[string]any)
	StartSession(ctx context.Context, id, description string) error
	EndSession(ctx context.Context, id string, success bool) error
}

// Rules applies moves to positions. It is implemented by rules.Standard.
type Rules interface {
	Normalize(fen string) (string, error)

	// ApplyMoves applies moves in sequence and returns the position after
	// each one. On error it returns the positions reached so far.
	ApplyMoves(fen string, moves []string) ([]string, error)
}

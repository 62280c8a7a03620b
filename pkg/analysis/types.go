// Package analysis defines the engine analysis types shared by the engine
// service, the analysis cache and the exploration driver.
package analysis

import (
	"fmt"
	"time"
)

// Config controls a single engine analysis request.
type Config struct {
	// Depth is the search depth in plies. Zero means engine default.
	Depth int `json:"depth,omitempty" yaml:"depth"`

	// MoveTime bounds the search by wall-clock time.
	MoveTime time.Duration `json:"move_time,omitempty" yaml:"move_time"`

	// MultiPV is the number of principal variations requested.
	MultiPV int `json:"multipv,omitempty" yaml:"multipv"`

	// Nodes bounds the search by node count. Zero means unbounded.
	Nodes int64 `json:"nodes,omitempty" yaml:"nodes"`
}

// Score is an engine evaluation from the side to move's point of view.
type Score struct {
	// Centipawns is set when Mate is zero.
	Centipawns int `json:"cp"`

	// Mate is the signed number of moves to mate, zero when not a mate score.
	Mate int `json:"mate,omitempty"`
}

// String renders the score in the usual engine notation.
func (s Score) String() string {
	if s.Mate != 0 {
		return fmt.Sprintf("#%d", s.Mate)
	}
	return fmt.Sprintf("%+.2f", float64(s.Centipawns)/100)
}

// Result is the outcome of analysing one position.
type Result struct {
	// Position is the analysed position in FEN.
	Position string `json:"position"`

	// BestMove is the engine's chosen move in UCI notation.
	BestMove string `json:"best_move"`

	// PonderMove is the expected reply, if reported.
	PonderMove string `json:"ponder_move,omitempty"`

	// Score is the evaluation of the best line.
	Score Score `json:"score"`

	// Depth is the depth reached.
	Depth int `json:"depth"`

	// SelDepth is the selective depth reached.
	SelDepth int `json:"seldepth,omitempty"`

	// Nodes is the number of nodes searched.
	Nodes int64 `json:"nodes"`

	// PV is the principal variation in UCI notation.
	PV []string `json:"pv"`

	// Duration is how long the search took.
	Duration time.Duration `json:"duration"`

	// EngineSlug identifies the engine that produced the result.
	EngineSlug string `json:"engine_slug,omitempty"`

	// AnalyzedAt is when the result was produced.
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// PrincipalMoves returns at most n moves from the start of the principal
// variation, falling back to the best move when the PV is empty.
func (r *Result) PrincipalMoves(n int) []string {
	if r == nil || n <= 0 {
		return nil
	}
	pv := r.PV
	if len(pv) == 0 && r.BestMove != "" {
		pv = []string{r.BestMove}
	}
	if len(pv) > n {
		pv = pv[:n]
	}
	return append([]string(nil), pv...)
}

// Query selects cached analyses.
type Query struct {
	Position   string
	EngineSlug string
	MinDepth   int
	Limit      int
}

// Package graph holds the move graph built by an exploration: positions as
// nodes, analysed moves as edges. It persists to a JSON file.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openvariant/variant/pkg/analysis"
)

// MoveOptions describe an edge being added.
type MoveOptions struct {
	// ToFEN is the position reached by the move.
	ToFEN string `json:"to_fen"`

	// Depth is the ply depth of the source position in the exploration.
	Depth int `json:"depth"`

	// Score is the engine evaluation of the source position, if known.
	Score *analysis.Score `json:"score,omitempty"`

	// Best marks the engine's best move.
	Best bool `json:"best,omitempty"`

	// EngineSlug identifies the engine that suggested the move.
	EngineSlug string `json:"engine_slug,omitempty"`
}

// Move is an edge of the graph.
type Move struct {
	FromFEN string `json:"from_fen"`
	Move    string `json:"move"`
	MoveOptions
	AddedAt time.Time `json:"added_at"`
}

// Node is a position of the graph.
type Node struct {
	FEN   string          `json:"fen"`
	Depth int             `json:"depth"`
	Score *analysis.Score `json:"score,omitempty"`
}

// Stats summarizes the graph.
type Stats struct {
	TotalPositions int `json:"total_positions"`
	TotalMoves     int `json:"total_moves"`
	MaxDepth       int `json:"max_depth"`
}

// Graph is an in-memory move graph safe for concurrent use.
type Graph struct {
	path string

	mu    sync.RWMutex
	nodes map[string]*Node
	// adjacency maps a position to its outgoing moves in insertion order.
	adjacency map[string][]Move
	moves     int
}

// document is the on-disk form.
type document struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Nodes   []Node    `json:"nodes"`
	Moves   []Move    `json:"moves"`
	Stats   Stats     `json:"stats"`
}

// New creates an empty graph saved to path. With an empty path the graph
// lives in memory only and Save does nothing.
func New(path string) *Graph {
	return &Graph{
		path:      path,
		nodes:     make(map[string]*Node),
		adjacency: make(map[string][]Move),
	}
}

// Load reads a graph previously written by Save. A missing file yields an empty graph.
func Load(path string) (*Graph, error) {
	g := New(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	for i := range doc.Nodes {
		n := doc.Nodes[i]
		g.nodes[n.FEN] = &n
	}
	for _, m := range doc.Moves {
		g.adjacency[m.FromFEN] = append(g.adjacency[m.FromFEN], m)
		g.moves++
	}
	return g, nil
}

// AddMove adds the edge fromFEN --move--> opts.ToFEN. Adding the same move
// twice updates the edge in place.
func (g *Graph) AddMove(ctx context.Context, fromFEN, move string, opts MoveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fromFEN == "" || move == "" || opts.ToFEN == "" {
		return fmt.Errorf("add move: from, move and target position are required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.touch(fromFEN, opts.Depth, opts.Score)
	g.touch(opts.ToFEN, opts.Depth+1, nil)

	edge := Move{FromFEN: fromFEN, Move: move, MoveOptions: opts, AddedAt: time.Now()}
	list := g.adjacency[fromFEN]
	for i := range list {
		if list[i].Move == move {
			list[i] = edge
			return nil
		}
	}
	g.adjacency[fromFEN] = append(list, edge)
	g.moves++
	return nil
}

// touch must be called with mu held. Nodes keep the shallowest depth seen.
func (g *Graph) touch(fen string, depth int, score *analysis.Score) {
	n, ok := g.nodes[fen]
	if !ok {
		g.nodes[fen] = &Node{FEN: fen, Depth: depth, Score: score}
		return
	}
	if depth < n.Depth {
		n.Depth = depth
	}
	if score != nil {
		n.Score = score
	}
}

// GetMoves returns the outgoing moves of a position in insertion order.
func (g *Graph) GetMoves(ctx context.Context, fen string) ([]Move, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Move(nil), g.adjacency[fen]...), nil
}

// GetStats returns position, move and depth totals.
func (g *Graph) GetStats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statsLocked(), nil
}

func (g *Graph) statsLocked() Stats {
	s := Stats{TotalPositions: len(g.nodes), TotalMoves: g.moves}
	for _, n := range g.nodes {
		if n.Depth > s.MaxDepth {
			s.MaxDepth = n.Depth
		}
	}
	return s
}

// Save writes the graph atomically: to a temporary file in the same
// directory, then renamed over the target.
func (g *Graph) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.path == "" {
		return nil
	}

	data, err := g.marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create graph directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(g.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp graph file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write graph: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync graph: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close graph: %w", err)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return fmt.Errorf("replace graph file: %w", err)
	}
	return nil
}

func (g *Graph) marshal() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := document{
		Version: 1,
		SavedAt: time.Now().UTC(),
		Nodes:   make([]Node, 0, len(g.nodes)),
		Moves:   make([]Move, 0, g.moves),
		Stats:   g.statsLocked(),
	}
	for _, n := range g.nodes {
		doc.Nodes = append(doc.Nodes, *n)
	}
	sort.Slice(doc.Nodes, func(i, j int) bool {
		if doc.Nodes[i].Depth != doc.Nodes[j].Depth {
			return doc.Nodes[i].Depth < doc.Nodes[j].Depth
		}
		return doc.Nodes[i].FEN < doc.Nodes[j].FEN
	})

	froms := make([]string, 0, len(g.adjacency))
	for from := range g.adjacency {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		doc.Moves = append(doc.Moves, g.adjacency[from]...)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return data, nil
}

// Path returns the file the graph is saved to.
func (g *Graph) Path() string {
	return g.path
}

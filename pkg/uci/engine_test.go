package uci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/analysis"
)

// fakeTransport runs a scripted engine over in-memory pipes.
type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	done     chan struct{}

	// hang makes "go" produce no output until "stop" arrives.
	hang bool
}

func (f *fakeTransport) Start(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		defer outW.Close()
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			cmd := scanner.Text()
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			f.mu.Unlock()

			switch {
			case cmd == "uci":
				fmt.Fprintln(outW, "id name Fakefish 1.0")
				fmt.Fprintln(outW, "uciok")
			case cmd == "isready":
				fmt.Fprintln(outW, "readyok")
			case strings.HasPrefix(cmd, "go"):
				if f.hang {
					continue
				}
				fmt.Fprintln(outW, "info string searching")
				fmt.Fprintln(outW, "info depth 1 seldepth 1 multipv 1 score cp 20 nodes 30 pv d2d4")
				fmt.Fprintln(outW, "info depth 2 seldepth 3 multipv 1 score cp 35 nodes 120 pv e2e4 e7e5 g1f3")
				fmt.Fprintln(outW, "info depth 2 seldepth 3 multipv 2 score cp 10 nodes 120 pv c2c4")
				fmt.Fprintln(outW, "bestmove e2e4 ponder e7e5")
			case cmd == "stop":
				fmt.Fprintln(outW, "bestmove a2a3")
			case cmd == "quit":
				_ = inR.Close()
				return
			}
		}
	}()
	return inW, outR, nil
}

func (f *fakeTransport) Wait() error {
	<-f.done
	return nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func startEngine(t *testing.T, ft *fakeTransport) *Engine {
	t.Helper()
	e := New(Config{Slug: "fakefish", Transport: ft, Options: map[string]string{"Hash": "16"}}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestStartHandshake(t *testing.T) {
	ft := &fakeTransport{}
	e := startEngine(t, ft)

	assert.Equal(t, "Fakefish 1.0", e.Name())
	assert.Equal(t, []string{"uci", "setoption name Hash value 16", "isready"}, ft.sent())
}

func TestAnalyzePosition(t *testing.T) {
	ft := &fakeTransport{}
	e := startEngine(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.AnalyzePosition(ctx, "startfen", analysis.Config{Depth: 2, MoveTime: 500 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, "e2e4", res.BestMove)
	assert.Equal(t, "e7e5", res.PonderMove)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, 3, res.SelDepth)
	assert.Equal(t, int64(120), res.Nodes)
	assert.Equal(t, analysis.Score{Centipawns: 35}, res.Score)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3"}, res.PV)
	assert.Equal(t, "fakefish", res.EngineSlug)
	assert.Equal(t, "startfen", res.Position)

	sent := ft.sent()
	assert.Contains(t, sent, "position fen startfen")
	assert.Contains(t, sent, "go depth 2 movetime 500")
}

func TestAnalyzeCancelStopsSearch(t *testing.T) {
	ft := &fakeTransport{hang: true}
	e := startEngine(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.AnalyzePosition(ctx, "startfen", analysis.Config{Depth: 30})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, ft.sent(), "stop")

	ok, err := e.IsReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotStarted(t *testing.T) {
	e := New(Config{Transport: &fakeTransport{}}, zerolog.Nop())
	_, err := e.IsReady(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, e.Stop(context.Background()))
	assert.NoError(t, e.Close())
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want info
	}{
		{"info depth 10 score cp -15 nodes 5000 pv e7e5 g1f3", true,
			info{depth: 10, nodes: 5000, score: &analysis.Score{Centipawns: -15}, pv: []string{"e7e5", "g1f3"}}},
		{"info depth 20 score mate 3 lowerbound pv h5f7", true,
			info{depth: 20, score: &analysis.Score{Mate: 3}, pv: []string{"h5f7"}}},
		{"info string NNUE enabled", false, info{}},
		{"info currmove e2e4 currmovenumber 1", false, info{}},
		{"bestmove e2e4", false, info{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseInfo(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseBestMove(t *testing.T) {
	best, ponder, ok := parseBestMove("bestmove g1f3 ponder d7d5")
	assert.True(t, ok)
	assert.Equal(t, "g1f3", best)
	assert.Equal(t, "d7d5", ponder)

	best, ponder, ok = parseBestMove("bestmove e2e4")
	assert.True(t, ok)
	assert.Equal(t, "e2e4", best)
	assert.Empty(t, ponder)

	_, _, ok = parseBestMove("readyok")
	assert.False(t, ok)
}

func TestGoCommand(t *testing.T) {
	assert.Equal(t, "go depth 12", goCommand(analysis.Config{}))
	assert.Equal(t, "go depth 8 nodes 1000", goCommand(analysis.Config{Depth: 8, Nodes: 1000}))
	assert.Equal(t, "go movetime 250", goCommand(analysis.Config{MoveTime: 250 * time.Millisecond}))
}

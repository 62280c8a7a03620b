// Package uci drives a chess engine speaking the Universal Chess Interface
// over its standard input and output.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/analysis"
)

var (
	// ErrNotStarted is returned when the engine process is not running.
	ErrNotStarted = errors.New("engine not started")

	// ErrEngineExited is returned when the engine closes its output.
	ErrEngineExited = errors.New("engine exited")
)

// stopGrace bounds the wait for "bestmove" after a search is stopped.
const stopGrace = 2 * time.Second

// Transport starts the engine process and returns its pipes.
type Transport interface {
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	Wait() error
}

// Config configures an Engine.
type Config struct {
	// Path is the engine executable.
	Path string `yaml:"path"`

	Args []string `yaml:"args,omitempty"`

	// Slug identifies the engine in cached analyses, e.g. "stockfish-16".
	Slug string `yaml:"slug"`

	// Options are sent as "setoption name <k> value <v>" after the handshake.
	Options map[string]string `yaml:"options"`

	// StartupTimeout bounds the uci/uciok handshake.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// Transport overrides process creation.
	Transport Transport `yaml:"-"`
}

// Engine is a UCI engine client. One search runs at a time.
type Engine struct {
	config Config
	logger zerolog.Logger

	searchMu sync.Mutex

	mu      sync.Mutex
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	lines   chan string
	name    string
	started bool
	closed  bool
}

// New creates an engine client. Start launches the process.
func New(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = &processTransport{path: cfg.Path, args: cfg.Args}
	}
	if cfg.Slug == "" {
		cfg.Slug = "uci"
	}
	return &Engine{
		config: cfg,
		logger: logger.With().Str("component", "uci").Str("engine", cfg.Slug).Logger(),
	}
}

// Slug returns the engine identifier used for cached analyses.
func (e *Engine) Slug() string {
	return e.config.Slug
}

// Name returns the name the engine reported with "id name".
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Start launches the engine and performs the uci handshake.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	stdin, stdout, err := e.config.Transport.Start(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("start engine: %w", err)
	}
	e.stdin = stdin
	e.stdout = stdout
	e.lines = make(chan string, 64)
	e.started = true
	e.closed = false
	e.mu.Unlock()

	go e.readLoop(stdout, e.lines)

	handshakeCtx, cancel := context.WithTimeout(ctx, e.config.StartupTimeout)
	defer cancel()

	if err := e.write("uci"); err != nil {
		return err
	}
	for {
		line, err := e.next(handshakeCtx)
		if err != nil {
			return fmt.Errorf("waiting for uciok: %w", err)
		}
		if name, ok := strings.CutPrefix(line, "id name "); ok {
			e.mu.Lock()
			e.name = name
			e.mu.Unlock()
		}
		if line == "uciok" {
			break
		}
	}

	for k, v := range e.config.Options {
		if err := e.write("setoption name " + k + " value " + v); err != nil {
			return err
		}
	}

	if ok, err := e.IsReady(handshakeCtx); err != nil || !ok {
		if err == nil {
			err = errors.New("engine not ready")
		}
		return fmt.Errorf("engine handshake: %w", err)
	}

	e.logger.Info().Str("name", e.Name()).Msg("engine started")
	return nil
}

func (e *Engine) readLoop(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		e.logger.Debug().Err(err).Msg("engine output closed")
	}
}

func (e *Engine) next(ctx context.Context) (string, error) {
	e.mu.Lock()
	lines := e.lines
	e.mu.Unlock()
	if lines == nil {
		return "", ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lines:
		if !ok {
			return "", ErrEngineExited
		}
		return line, nil
	}
}

func (e *Engine) write(cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stdin == nil {
		return ErrNotStarted
	}
	if _, err := io.WriteString(e.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// IsReady sends "isready" and waits for "readyok".
func (e *Engine) IsReady(ctx context.Context) (bool, error) {
	if err := e.write("isready"); err != nil {
		return false, err
	}
	for {
		line, err := e.next(ctx)
		if err != nil {
			return false, err
		}
		if line == "readyok" {
			return true, nil
		}
	}
}

// AnalyzePosition searches fen and returns the primary line.
func (e *Engine) AnalyzePosition(ctx context.Context, fen string, cfg analysis.Config) (*analysis.Result, error) {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()

	start := time.Now()
	if cfg.MultiPV > 0 {
		if err := e.write("setoption name MultiPV value " + strconv.Itoa(cfg.MultiPV)); err != nil {
			return nil, err
		}
	}
	if err := e.write("position fen " + fen); err != nil {
		return nil, err
	}
	if err := e.write(goCommand(cfg)); err != nil {
		return nil, err
	}

	result := &analysis.Result{Position: fen, EngineSlug: e.config.Slug}
	for {
		line, err := e.next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.abandon()
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		if in, ok := parseInfo(line); ok {
			in.merge(result)
			continue
		}
		if best, ponder, ok := parseBestMove(line); ok {
			if best == "(none)" || best == "0000" {
				best = ""
			}
			result.BestMove = best
			result.PonderMove = ponder
			if len(result.PV) == 0 && best != "" {
				result.PV = []string{best}
			}
			result.Duration = time.Since(start)
			result.AnalyzedAt = time.Now().UTC()
			e.logger.Debug().
				Str("fen", fen).
				Str("best_move", best).
				Int("depth", result.Depth).
				Str("score", result.Score.String()).
				Dur("duration", result.Duration).
				Msg("analysis complete")
			return result, nil
		}
	}
}

// abandon stops the running search and drains output up to its bestmove so
// the next search starts clean.
func (e *Engine) abandon() {
	if err := e.write("stop"); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	for {
		line, err := e.next(ctx)
		if err != nil {
			return
		}
		if _, _, ok := parseBestMove(line); ok {
			return
		}
	}
}

// Stop interrupts the running search. The search returns its current best move.
func (e *Engine) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.write("stop")
	if errors.Is(err, ErrNotStarted) {
		return nil
	}
	return err
}

// Close sends "quit" and waits for the process to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stdin := e.stdin
	e.mu.Unlock()

	_, _ = io.WriteString(stdin, "quit\n")
	var errs []error
	if err := stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stdin: %w", err))
	}
	if err := e.config.Transport.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("wait for engine: %w", err))
	}

	e.mu.Lock()
	e.started = false
	e.stdin = nil
	e.mu.Unlock()
	return errors.Join(errs...)
}

// processTransport runs the engine as a local child process.
type processTransport struct {
	path string
	args []string
	cmd  *exec.Cmd
}

func (p *processTransport) Start(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if p.path == "" {
		return nil, nil, errors.New("engine path is required")
	}
	// The process outlives the start context; Close ends it.
	cmd := exec.Command(p.path, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	p.cmd = cmd
	return stdin, stdout, nil
}

func (p *processTransport) Wait() error {
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Wait()
}

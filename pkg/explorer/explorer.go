package explorer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/analysis"
	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/clock"
	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/graph"
	"github.com/openvariant/variant/pkg/machine"
	"github.com/openvariant/variant/pkg/resilience"
	"github.com/openvariant/variant/pkg/resilient"
	"github.com/openvariant/variant/pkg/rules"
	"github.com/openvariant/variant/pkg/telemetry"
)

// OperationAnalyze is the breaker and recovery operation name of engine calls.
const OperationAnalyze = "analyze_position"

// maxIdleSteps is the number of consecutive driver steps without a
// transition after which the exploration is failed as stalled.
const maxIdleSteps = 3

var (
	// ErrExplorationFailed is returned by Run when the exploration ends in ERROR.
	ErrExplorationFailed = errors.New("exploration failed")

	// ErrCancelled is returned by Run when the exploration was cancelled.
	ErrCancelled = errors.New("exploration cancelled")

	// ErrStalled is recorded when the driver stops making progress.
	ErrStalled = errors.New("exploration stalled")

	// ErrAlreadyRunning is returned by Run when the exploration is running.
	ErrAlreadyRunning = errors.New("exploration already running")
)

// Deps are the collaborators of an Explorer. Engine is required.
type Deps struct {
	Engine   EngineService
	Graph    GraphService
	Store    AnalysisStore
	Progress ProgressService

	// Rules defaults to rules.Standard.
	Rules Rules

	Persistence checkpoint.Persistence
	Clock       clock.Clock
	Logger      zerolog.Logger
	Bus         *eventbus.Bus
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
}

// Summary describes a finished run.
type Summary struct {
	SessionID  string           `json:"session_id"`
	FinalState machine.StateID  `json:"final_state"`
	Stats      checkpoint.Stats `json:"stats"`
	Graph      graph.Stats      `json:"graph"`
	Duration   time.Duration    `json:"duration"`
	LastError  string           `json:"last_error,omitempty"`
}

// Explorer runs one exploration.
type Explorer struct {
	config      Config
	slug        string
	engine      EngineService
	graph       GraphService
	store       AnalysisStore
	progress    ProgressService
	rules       Rules
	persistence checkpoint.Persistence
	clock       clock.Clock
	logger      zerolog.Logger
	bus         *eventbus.Bus
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	machine     *resilient.Machine[*Exploration]

	transitions atomic.Int64

	mu        sync.Mutex
	running   bool
	paused    bool
	cancelled bool
	retryDue  bool
	lastErr   error
	wake      chan struct{}
}

// New validates cfg and builds the exploration machine in IDLE.
func New(cfg Config, opts Options, deps Deps) (*Explorer, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("%w: engine service is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if deps.Rules == nil {
		deps.Rules = rules.New()
	}
	root, err := deps.Rules.Normalize(cfg.RootFEN)
	if err != nil {
		return nil, fmt.Errorf("%w: root position: %v", ErrInvalidConfig, err)
	}
	cfg.RootFEN = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.Strategy == "" {
		opts.Strategy = DefaultStrategy
	}
	if opts.EngineSlug == "" {
		opts.EngineSlug = DefaultEngineSlug
	}
	if opts.Handler == (resilience.HandlerConfig{}) {
		opts.Handler = resilience.DefaultHandlerConfig()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger.With().
		Str("component", "explorer").
		Str("session_id", opts.SessionID).
		Logger()
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New(eventbus.DefaultConfig(), deps.Logger)
	}

	e := &Explorer{
		config:      cfg,
		slug:        opts.EngineSlug,
		engine:      deps.Engine,
		graph:       deps.Graph,
		store:       deps.Store,
		progress:    deps.Progress,
		rules:       deps.Rules,
		persistence: deps.Persistence,
		clock:       clk,
		logger:      logger,
		bus:         bus,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		wake:        make(chan struct{}, 1),
	}

	services := resilience.Services{Engine: deps.Engine, SessionID: opts.SessionID}
	if probe, ok := deps.Store.(resilience.StorageProbe); ok {
		services.Storage = probe
	}

	m, err := resilient.New(e.definition(), NewExploration(cfg, clk.Now), resilient.Config{
		SessionID:          opts.SessionID,
		StrategyName:       opts.Strategy,
		ProjectName:        opts.ProjectName,
		RootPosition:       cfg.RootFEN,
		Run:                cfg.RunConfig(opts.EngineSlug),
		CheckpointInterval: opts.CheckpointInterval,
		ResumeMaxAge:       opts.ResumeMaxAge,
		Handler:            opts.Handler,
		Strategies:         opts.Strategies,
	}, resilient.Deps[*Exploration]{
		Persistence: deps.Persistence,
		Codec:       codec{config: cfg, now: clk.Now},
		Clock:       clk,
		Logger:      deps.Logger,
		Bus:         bus,
		Metrics:     deps.Metrics,
		Tracer:      deps.Tracer,
		Services:    services,
	})
	if err != nil {
		return nil, err
	}
	e.machine = m

	if err := e.registerHooks(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Explorer) registerHooks() error {
	hooks := []machine.Hook[*Exploration]{
		{
			Phase: machine.AfterTransition,
			Handler: func(context.Context, machine.HookContext[*Exploration]) error {
				e.transitions.Add(1)
				return nil
			},
			Priority: 100,
		},
		{
			Phase:  machine.AfterTransition,
			Events: []machine.EventType{EventAnalysisComplete},
			Handler: func(ctx context.Context, hc machine.HookContext[*Exploration]) error {
				e.reportProgress(ctx, hc.To.ID, hc.Context)
				return nil
			},
		},
		{
			Phase:  machine.AfterEnter,
			States: []machine.StateID{StateCompleted, StateError, StateCancelled},
			Handler: func(_ context.Context, hc machine.HookContext[*Exploration]) error {
				e.logger.Info().
					Str("from", string(hc.From.ID)).
					Str("state", string(hc.To.ID)).
					Str("event", string(hc.Event.Type)).
					Msg("exploration finished")
				return nil
			},
		},
	}
	for _, h := range hooks {
		if _, err := e.machine.RegisterHook(h); err != nil {
			return fmt.Errorf("register exploration hook: %w", err)
		}
	}
	return nil
}

// Machine returns the underlying resilient machine.
func (e *Explorer) Machine() *resilient.Machine[*Exploration] {
	return e.machine
}

// SessionID returns the session the exploration checkpoints under.
func (e *Explorer) SessionID() string {
	return e.machine.SessionID()
}

// State returns the current exploration state.
func (e *Explorer) State() machine.StateID {
	return e.machine.Current().ID
}

// Context returns the live exploration context.
func (e *Explorer) Context() *Exploration {
	return e.machine.Context()
}

// ResumeSession restores the newest checkpoint of sessionID. It reports
// false when no compatible checkpoint exists.
func (e *Explorer) ResumeSession(ctx context.Context, sessionID string) (bool, error) {
	ok, err := e.machine.LoadCheckpoint(ctx, sessionID)
	if err != nil || !ok {
		return ok, err
	}
	e.logger.Info().
		Str("resumed_session", sessionID).
		Str("state", string(e.State())).
		Int("queued", e.Context().FrontierLen()).
		Msg("exploration resumed")
	return true, nil
}

// Run drives the exploration until it reaches a final state.
func (e *Explorer) Run(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	m := e.machine
	started := e.clock.Now()
	sessionID := m.SessionID()

	if e.progress != nil {
		if err := e.progress.StartSession(ctx, sessionID, "explore "+e.config.RootFEN); err != nil {
			e.logger.Warn().Err(err).Msg("failed to record session start")
		}
	}
	e.metrics.RecordExplorationStarted()
	m.Context().startBudget()
	m.StartCheckpointing()
	defer m.StopCheckpointing()

	idle := 0
	for !m.IsFinished() {
		if ctx.Err() != nil {
			if err := e.Cancel(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn().Err(err).Msg("cancel failed")
				break
			}
			continue
		}

		before := e.transitions.Load()
		state := m.Current().ID
		if err := e.step(ctx, state); err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.logger.Error().Err(err).Str("state", string(state)).Msg("unrecovered exploration failure")
			e.fail(ctx, err)
			break
		}

		if state == StatePaused || e.transitions.Load() != before {
			idle = 0
			continue
		}
		if idle++; idle >= maxIdleSteps {
			e.fail(ctx, fmt.Errorf("%w in %s", ErrStalled, state))
			break
		}
	}

	return e.finish(context.WithoutCancel(ctx), started)
}

// step performs the work of one state and sends the resulting event.
func (e *Explorer) step(ctx context.Context, state machine.StateID) error {
	switch state {
	case StateIdle:
		return e.send(ctx, EventStartExploration, nil)
	case StateInitializing:
		return e.send(ctx, EventInitialized, nil)
	case StateAnalyzingRoot, StateAnalyzingPosition:
		return e.analyzeCurrent(ctx)
	case StateProcessingQueue:
		return e.processQueue(ctx)
	case StatePaused:
		return e.waitForResume(ctx)
	case StateBuildingGraph:
		return e.send(ctx, EventGraphBuilt, nil)
	case StateStoringResults:
		return e.send(ctx, EventResultsStored, nil)
	}
	return nil
}

func (e *Explorer) send(ctx context.Context, t machine.EventType, payload any) error {
	return e.machine.SendWithRecovery(ctx, machine.Event{Type: t, Payload: payload, Timestamp: e.clock.Now()})
}

func (e *Explorer) processQueue(ctx context.Context) error {
	e.mu.Lock()
	paused, retry := e.paused, e.retryDue
	if !paused {
		// A pending retry survives a pause and is backed off after resume.
		e.retryDue = false
	}
	e.mu.Unlock()

	if paused {
		return e.send(ctx, EventPause, nil)
	}

	x := e.machine.Context()
	if retry {
		delay := e.config.RetryBackoff * time.Duration(x.Retries())
		e.logger.Info().
			Int("retry", x.Retries()).
			Int("max_retries", e.config.MaxRetries).
			Dur("delay", delay).
			Msg("retrying analysis after backoff")
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return err
		}
		return e.send(ctx, EventRetry, nil)
	}

	done, _ := shouldComplete(ctx, x, machine.Event{})
	if done {
		return e.send(ctx, EventQueueEmpty, nil)
	}
	return e.send(ctx, EventPositionSelected, nil)
}

func (e *Explorer) waitForResume(ctx context.Context) error {
	if !e.isPaused() {
		return e.send(ctx, EventResume, nil)
	}
	select {
	case <-ctx.Done():
	case <-e.wake:
	}
	return nil
}

func (e *Explorer) analyzeCurrent(ctx context.Context) error {
	x := e.machine.Context()
	item, ok := x.Current()
	if !ok {
		return e.send(ctx, EventAnalysisError, resilience.New(resilience.CategoryState, "no position selected for analysis", nil))
	}

	outcome, err := e.analyze(ctx, x, item)
	if err != nil {
		if ctx.Err() != nil || e.isCancelled() {
			return nil
		}
		e.logger.Warn().Err(err).Str("fen", item.FEN).Int("depth", item.Depth).Msg("analysis failed")
		return e.send(ctx, EventAnalysisError, err)
	}
	return e.send(ctx, EventAnalysisComplete, outcome)
}

// analyze serves item from the cache or the engine and expands its
// principal variation.
func (e *Explorer) analyze(ctx context.Context, x *Exploration, item checkpoint.FrontierItem) (*Outcome, error) {
	cfg := x.Config()
	ctx, span := e.tracer.StartAnalysisSpan(ctx, e.SessionID(), item.FEN, item.Depth)

	result := e.lookup(ctx, item.FEN, cfg.Analysis.Depth)
	cached := result != nil
	var err error
	if !cached {
		result, err = e.runEngine(ctx, x, item, cfg.Analysis)
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordPositionAnalyzed(cached)

	if result.Position == "" {
		result.Position = item.FEN
	}
	if result.EngineSlug == "" {
		result.EngineSlug = e.slug
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = e.clock.Now()
	}

	return &Outcome{
		Item:     item,
		Result:   result,
		Children: e.expand(item, result, cfg.PVMoves),
		Cached:   cached,
	}, nil
}

func (e *Explorer) lookup(ctx context.Context, fen string, minDepth int) *analysis.Result {
	if e.store == nil {
		return nil
	}
	has, err := e.store.HasAnalysis(ctx, fen, e.slug, minDepth)
	if err != nil {
		e.logger.Warn().Err(err).Msg("analysis cache lookup failed")
		return nil
	}
	if !has {
		return nil
	}
	result, err := e.store.GetAnalysis(ctx, fen, e.slug)
	if err != nil {
		e.logger.Warn().Err(err).Msg("analysis cache read failed")
		return nil
	}
	return result
}

// runEngine calls the engine. A failure is handed to the error handler,
// whose engine probe decides whether one immediate retry is worthwhile.
func (e *Explorer) runEngine(ctx context.Context, x *Exploration, item checkpoint.FrontierItem, cfg analysis.Config) (*analysis.Result, error) {
	call := func() (*analysis.Result, error) {
		start := e.clock.Now()
		res, err := e.engine.AnalyzePosition(ctx, item.FEN, cfg)
		if err != nil {
			return nil, resilience.NewWithDetail("analyze position", err, resilience.EngineDetail{
				EngineSlug: e.slug,
				Position:   item.FEN,
				Depth:      cfg.Depth,
			})
		}
		if res == nil {
			return nil, resilience.NewWithDetail("engine returned no result", nil, resilience.EngineDetail{EngineSlug: e.slug, Position: item.FEN})
		}
		e.metrics.RecordAnalysisDuration(e.slug, e.clock.Now().Sub(start))
		return res, nil
	}

	res, err := call()
	if err == nil || ctx.Err() != nil {
		return res, err
	}

	rec := e.machine.ErrorHandler().HandleError(ctx, err, resilience.HandleOptions{
		CurrentState:   string(e.State()),
		MachineContext: x,
		OperationName:  OperationAnalyze,
	})
	if !rec.Success || !rec.ShouldRetry {
		return nil, err
	}
	if err := e.clock.Sleep(ctx, rec.RetryDelay); err != nil {
		return nil, err
	}
	return call()
}

// expand applies the first n principal variation moves in sequence. Every
// resulting position is a depth+1 child of item, chained to the previous
// position for graph edges. An illegal move truncates the expansion.
func (e *Explorer) expand(item checkpoint.FrontierItem, result *analysis.Result, n int) []checkpoint.FrontierItem {
	moves := result.PrincipalMoves(n)
	if len(moves) == 0 {
		return nil
	}
	fens, err := e.rules.ApplyMoves(item.FEN, moves)
	if err != nil {
		e.logger.Debug().Err(err).Str("fen", item.FEN).Strs("pv", moves).Msg("principal variation truncated")
	}

	children := make([]checkpoint.FrontierItem, 0, len(fens))
	parent := item.FEN
	for i, fen := range fens {
		children = append(children, checkpoint.FrontierItem{
			FEN:          fen,
			Depth:        item.Depth + 1,
			ParentNodeID: parent,
			Move:         moves[i],
		})
		parent = fen
	}
	return children
}

// fail forces the machine into ERROR.
func (e *Explorer) fail(ctx context.Context, err error) {
	e.setLastError(err)
	if serr := e.machine.Send(context.WithoutCancel(ctx), machine.NewEvent(EventError, err)); serr != nil {
		e.logger.Error().Err(serr).Msg("failed to enter error state")
	}
}

func (e *Explorer) finish(ctx context.Context, started time.Time) (*Summary, error) {
	m := e.machine
	x := m.Context()
	state := m.Current().ID

	if e.persistence != nil {
		if err := m.Checkpoint(ctx, "final"); err != nil {
			e.logger.Warn().Err(err).Msg("final checkpoint failed")
		}
	}

	summary := &Summary{
		SessionID:  m.SessionID(),
		FinalState: state,
		Stats:      x.Stats(),
		Duration:   e.clock.Now().Sub(started),
		LastError:  x.LastError(),
	}
	if e.graph != nil {
		if gs, err := e.graph.GetStats(ctx); err == nil {
			summary.Graph = gs
		}
	}

	success := state == StateCompleted
	if e.progress != nil {
		if err := e.progress.EndSession(ctx, summary.SessionID, success); err != nil {
			e.logger.Warn().Err(err).Msg("failed to record session end")
		}
	}
	e.metrics.RecordExplorationFinished(string(state))

	topic, level := eventbus.TopicExplorationDone, eventbus.LevelInfo
	if !success {
		topic, level = eventbus.TopicExplorationFailed, eventbus.LevelError
	}
	e.bus.Emit(ctx, eventbus.Event{
		Topic:     topic,
		Source:    MachineName,
		SessionID: summary.SessionID,
		Level:     level,
		Message:   fmt.Sprintf("exploration finished in %s", state),
		Payload:   summary,
	})

	switch state {
	case StateCompleted:
		return summary, nil
	case StateCancelled:
		return summary, ErrCancelled
	default:
		if err := e.LastError(); err != nil {
			return summary, fmt.Errorf("%w: %w", ErrExplorationFailed, err)
		}
		return summary, ErrExplorationFailed
	}
}

func (e *Explorer) reportProgress(ctx context.Context, state machine.StateID, x *Exploration) {
	p := e.snapshot(state, x)
	e.metrics.SetFrontierSize(p.Queued)
	e.bus.Emit(ctx, eventbus.Event{
		Topic:     eventbus.TopicProgress,
		Source:    MachineName,
		SessionID: p.SessionID,
		Level:     eventbus.LevelInfo,
		Message:   fmt.Sprintf("%d/%d positions analysed", p.Analyzed, p.MaxNodes),
		Payload:   p,
	})
	if e.progress != nil {
		e.progress.ReportProgress(ctx, p)
	}
}

func (e *Explorer) snapshot(state machine.StateID, x *Exploration) Progress {
	stats := x.Stats()
	s := x.Encode()
	p := Progress{
		SessionID:    e.SessionID(),
		State:        string(state),
		Analyzed:     stats.TotalAnalyzed,
		Discovered:   stats.TotalDiscovered,
		Queued:       len(s.PositionsToAnalyze),
		MaxNodes:     e.config.MaxNodes,
		CacheHits:    stats.CacheHits,
		Retries:      stats.RetryCount,
		Errors:       stats.Errors,
		CurrentDepth: s.CurrentDepth,
		Elapsed:      x.elapsed(),
	}
	if p.MaxNodes > 0 {
		p.Percent = float64(p.Analyzed) / float64(p.MaxNodes) * 100
	}
	return p
}

// Progress returns a snapshot of the exploration.
func (e *Explorer) Progress() Progress {
	return e.snapshot(e.State(), e.Context())
}

// Pause asks the driver to pause before the next position is selected.
func (e *Explorer) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume releases a paused exploration.
func (e *Explorer) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.signal()
}

// Cancel stops the engine and moves the exploration to CANCELLED. It takes
// effect between events; a running analysis is interrupted through the engine.
func (e *Explorer) Cancel(ctx context.Context) error {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.signal()

	if err := e.engine.Stop(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to stop engine")
	}
	return e.machine.SendWithRecovery(ctx, machine.NewEvent(EventCancel, nil))
}

func (e *Explorer) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Explorer) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Explorer) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Explorer) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

// HasError reports whether the exploration recorded a failure.
func (e *Explorer) HasError() bool {
	return e.LastError() != nil
}

// LastError returns the last recorded failure, or nil.
func (e *Explorer) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// OnProgress subscribes fn to progress events.
func (e *Explorer) OnProgress(fn func(Progress)) (func(), error) {
	return e.bus.Subscribe(eventbus.TopicProgress, func(_ context.Context, ev eventbus.Event) error {
		if p, ok := ev.Payload.(Progress); ok {
			fn(p)
		}
		return nil
	})
}

// OnStateChange subscribes fn to state changes.
func (e *Explorer) OnStateChange(fn func(machine.StateChange)) (func(), error) {
	return e.bus.Subscribe(eventbus.TopicStateChanged, func(_ context.Context, ev eventbus.Event) error {
		if c, ok := ev.Payload.(machine.StateChange); ok {
			fn(c)
		}
		return nil
	})
}

// OnEvent subscribes fn to every bus event.
func (e *Explorer) OnEvent(fn eventbus.Listener) (func(), error) {
	return e.bus.SubscribeAll(fn, nil)
}

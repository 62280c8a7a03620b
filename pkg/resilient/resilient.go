package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/checkpoint"
	"github.com/openvariant/variant/pkg/clock"
	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/machine"
	"github.com/openvariant/variant/pkg/resilience"
	"github.com/openvariant/variant/pkg/telemetry"
)

const (
	// DefaultCheckpointInterval is the period of the checkpoint task.
	DefaultCheckpointInterval = 30 * time.Second

	// DefaultResumeMaxAge bounds how old a resumable checkpoint may be.
	DefaultResumeMaxAge = 24 * time.Hour

	// DefaultErrorHistory is the number of errors carried in a checkpoint.
	DefaultErrorHistory = 10

	// EventError is the event sent to move a machine into its error state.
	EventError machine.EventType = "ERROR"
)

// ErrorStateNames are the state names treated as error states, in lookup order.
var ErrorStateNames = []string{"ERROR", "FAILED", "FAULT", "CRASHED"}

// ErrNoPersistence is returned by checkpoint operations when no store is configured.
var ErrNoPersistence = errors.New("no checkpoint persistence configured")

// Codec converts a machine context to and from its checkpoint form.
type Codec[C any] interface {
	Encode(c C) (checkpoint.ExplorationState, error)
	Decode(s checkpoint.ExplorationState) (C, error)
}

// Config configures a resilient machine.
type Config struct {
	SessionID    string
	StrategyName string
	ProjectName  string
	RootPosition string
	Run          checkpoint.RunConfig

	// Strict is passed to the underlying machine.
	Strict bool

	// CheckpointInterval is the period used by StartCheckpointing.
	CheckpointInterval time.Duration

	// ResumeMaxAge bounds LoadLastCheckpoint. Zero uses DefaultResumeMaxAge.
	ResumeMaxAge time.Duration

	// ErrorHistory is the number of recent errors written into checkpoints.
	ErrorHistory int

	Handler resilience.HandlerConfig

	// Strategies replaces resilience.DefaultStrategies when non-nil.
	Strategies []resilience.Strategy
}

// Deps are the collaborators of a resilient machine. Only the definition is required.
type Deps[C any] struct {
	Persistence checkpoint.Persistence
	Codec       Codec[C]
	Clock       clock.Clock
	Logger      zerolog.Logger
	Bus         *eventbus.Bus
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Services    resilience.Services
}

// Machine is a state machine with error recovery and checkpointing.
type Machine[C any] struct {
	*machine.Machine[C]

	config      Config
	persistence checkpoint.Persistence
	codec       Codec[C]
	clock       clock.Clock
	logger      zerolog.Logger
	bus         *eventbus.Bus
	metrics     *telemetry.Metrics
	handler     *resilience.ErrorHandler

	mu        sync.Mutex
	sessionID string
	task      clock.Task
}

// New creates a resilient machine around def.
func New[C any](def machine.Definition[C], c C, cfg Config, deps Deps[C]) (*Machine[C], error) {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.ResumeMaxAge <= 0 {
		cfg.ResumeMaxAge = DefaultResumeMaxAge
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = DefaultErrorHistory
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	base, err := machine.New(def, c, machine.Options{
		Strict:    cfg.Strict,
		SessionID: cfg.SessionID,
		Logger:    deps.Logger,
		Bus:       deps.Bus,
		Metrics:   deps.Metrics,
		Tracer:    deps.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	services := deps.Services
	if services.SessionID == "" {
		services.SessionID = cfg.SessionID
	}
	if services.Checkpoints == nil && deps.Persistence != nil {
		services.Checkpoints = deps.Persistence
	}

	handler := resilience.NewErrorHandler(cfg.Handler, resilience.HandlerDeps{
		Clock:    clk,
		Logger:   deps.Logger,
		Bus:      deps.Bus,
		Metrics:  deps.Metrics,
		Tracer:   deps.Tracer,
		Services: services,
	})
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = resilience.DefaultStrategies()
	}
	for _, s := range strategies {
		handler.AddRecoveryStrategy(s)
	}

	return &Machine[C]{
		Machine:     base,
		config:      cfg,
		persistence: deps.Persistence,
		codec:       deps.Codec,
		clock:       clk,
		logger: deps.Logger.With().
			Str("component", "resilient").
			Str("session_id", cfg.SessionID).
			Logger(),
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		handler:   handler,
		sessionID: cfg.SessionID,
	}, nil
}

// ErrorHandler returns the machine's error handler.
func (m *Machine[C]) ErrorHandler() *resilience.ErrorHandler {
	return m.handler
}

// SessionID returns the session the machine checkpoints under.
func (m *Machine[C]) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// SendWithRecovery sends ev and, on failure, asks the error handler for a
// remedy. A successful recovery that names a NewState restores the newest
// checkpoint of the session and re-sends ev once; a successful recovery that
// advises a retry re-sends ev once after the advised delay; a successful
// recovery without either absorbs the failure. When recovery fails, or a
// checkpoint restore does not fix the transition, the machine is moved into
// its error state if an ERROR transition is possible, otherwise the error is
// returned.
func (m *Machine[C]) SendWithRecovery(ctx context.Context, ev machine.Event) error {
	err := m.Send(ctx, ev)
	if err == nil {
		return nil
	}

	current := m.Current()
	result := m.handler.HandleError(ctx, err, resilience.HandleOptions{
		CurrentState:   string(current.ID),
		MachineContext: m.Context(),
		OperationName:  "transition." + string(ev.Type),
	})
	if !result.Success {
		return m.enterErrorState(ctx, err)
	}

	if result.NewState != "" {
		return m.retryFromCheckpoint(ctx, ev, result, err)
	}

	if !result.ShouldRetry {
		m.logger.Info().
			Str("event", string(ev.Type)).
			Str("message", result.Message).
			Msg("transition failure absorbed by recovery")
		return nil
	}
	if err := m.sleep(ctx, ev, result.RetryDelay); err != nil {
		return err
	}
	m.logger.Info().Str("event", string(ev.Type)).Msg("retrying event after recovery")
	return m.Send(ctx, ev)
}

// retryFromCheckpoint restores the newest checkpoint of the session and
// re-sends ev once. Any failure on the way ends in the error state.
func (m *Machine[C]) retryFromCheckpoint(ctx context.Context, ev machine.Event, result resilience.RecoveryResult, cause error) error {
	restored, lerr := m.LoadLastCheckpoint(ctx)
	if lerr != nil || !restored {
		m.logger.Warn().
			Err(lerr).
			Str("event", string(ev.Type)).
			Str("new_state", result.NewState).
			Msg("checkpoint restore did not recover the transition")
		return m.enterErrorState(ctx, cause)
	}

	if err := m.sleep(ctx, ev, result.RetryDelay); err != nil {
		return err
	}
	m.logger.Info().
		Str("event", string(ev.Type)).
		Str("state", string(m.Current().ID)).
		Msg("retrying event after checkpoint restore")
	if err := m.Send(ctx, ev); err != nil {
		return m.enterErrorState(ctx, err)
	}
	return nil
}

func (m *Machine[C]) sleep(ctx context.Context, ev machine.Event, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := m.clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("retry %s: %w", ev.Type, err)
	}
	return nil
}

// enterErrorState moves the machine into its declared error state. It
// returns err when the machine has no error state or cannot reach it.
func (m *Machine[C]) enterErrorState(ctx context.Context, err error) error {
	current := m.Current()
	target, ok := m.errorState()
	if !ok {
		return err
	}
	m.logger.Warn().
		Err(err).
		Str("from", string(current.ID)).
		Str("to", string(target.ID)).
		Msg("recovery failed, entering error state")

	if !m.CanTransition(ctx, EventError) {
		return err
	}
	if serr := m.Send(ctx, machine.NewEvent(EventError, err)); serr != nil {
		m.logger.Error().Err(serr).Msg("failed to enter error state")
		return err
	}
	return nil
}

// errorState returns the first declared state whose name is an error state name.
func (m *Machine[C]) errorState() (machine.State, bool) {
	for _, name := range ErrorStateNames {
		if s, ok := m.StateByName(name); ok {
			return s, true
		}
	}
	return machine.State{}, false
}

// Snapshot builds the checkpoint of the machine as it is now.
func (m *Machine[C]) Snapshot(reason string) (*checkpoint.SerializableState, error) {
	current := m.Current()

	var state checkpoint.ExplorationState
	if m.codec != nil {
		s, err := m.codec.Encode(m.Context())
		if err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
		state = s
	}

	return &checkpoint.SerializableState{
		SessionID:    m.SessionID(),
		StrategyName: m.config.StrategyName,
		ProjectName:  m.config.ProjectName,
		RootPosition: m.config.RootPosition,
		State:        state,
		SavedAt:      m.clock.Now(),
		Config:       m.config.Run,
		Metadata: checkpoint.Metadata{
			Version:         checkpoint.SchemaVersion,
			CurrentState:    string(current.ID),
			ErrorHistory:    m.handler.Recent(m.config.ErrorHistory),
			CircuitBreakers: m.handler.Breakers().Snapshots(),
			Reason:          reason,
		},
	}, nil
}

// SaveCheckpoint persists a checkpoint of the current state.
func (m *Machine[C]) SaveCheckpoint(ctx context.Context) error {
	return m.Checkpoint(ctx, "manual")
}

// Checkpoint persists a checkpoint tagged with reason.
func (m *Machine[C]) Checkpoint(ctx context.Context, reason string) error {
	if m.persistence == nil {
		return ErrNoPersistence
	}

	state, err := m.Snapshot(reason)
	if err == nil {
		err = m.persistence.SaveState(ctx, checkpoint.SaveRequest{
			SessionID: state.SessionID,
			State:     state,
			Metadata:  state.Metadata,
		})
	}
	m.metrics.RecordCheckpoint(err)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	m.logger.Debug().
		Str("state", state.Metadata.CurrentState).
		Str("reason", reason).
		Msg("checkpoint saved")
	m.publish(ctx, eventbus.TopicCheckpointSaved, "checkpoint saved", state.Metadata)
	return nil
}

// LoadLastCheckpoint resumes the machine's own session from its newest checkpoint.
func (m *Machine[C]) LoadLastCheckpoint(ctx context.Context) (bool, error) {
	return m.LoadCheckpoint(ctx, m.SessionID())
}

// LoadCheckpoint restores the newest compatible checkpoint of sessionID that
// is younger than the resume max age. It reports false, leaving the machine
// untouched, when no checkpoint qualifies or the checkpoint references a
// state the definition does not declare.
func (m *Machine[C]) LoadCheckpoint(ctx context.Context, sessionID string) (bool, error) {
	if m.persistence == nil {
		return false, ErrNoPersistence
	}
	if sessionID == "" {
		return false, checkpoint.ErrInvalidSessionID
	}

	states, err := m.persistence.FindResumableStates(ctx, checkpoint.ResumableQuery{
		SessionID: sessionID,
		MaxAge:    m.config.ResumeMaxAge,
	})
	if err != nil {
		return false, fmt.Errorf("find resumable checkpoints: %w", err)
	}

	latest := checkpoint.MostRecent(states)
	if latest == nil {
		m.logger.Info().Str("session_id", sessionID).Msg("no resumable checkpoint")
		return false, nil
	}

	id := machine.StateID(latest.Metadata.CurrentState)
	if _, ok := m.State(id); !ok {
		m.logger.Warn().
			Str("session_id", sessionID).
			Str("state", string(id)).
			Msg("checkpoint references an unknown state, not resuming")
		return false, nil
	}

	c := m.Context()
	if m.codec != nil {
		decoded, err := m.codec.Decode(latest.State)
		if err != nil {
			return false, fmt.Errorf("decode checkpoint context: %w", err)
		}
		c = decoded
	}

	if err := m.Restore(id, c); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", sessionID).
		Str("state", string(id)).
		Time("saved_at", latest.SavedAt).
		Msg("resumed from checkpoint")
	m.publish(ctx, eventbus.TopicCheckpointLoaded, "checkpoint loaded", latest.Metadata)
	return true, nil
}

// StartCheckpointing starts the periodic checkpoint task. Calling it again
// restarts the task. It is a no-op without persistence.
func (m *Machine[C]) StartCheckpointing() {
	if m.persistence == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		m.task.Stop()
	}
	m.task = m.clock.Every(m.config.CheckpointInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.CheckpointInterval)
		defer cancel()
		if err := m.Checkpoint(ctx, "periodic"); err != nil {
			m.logger.Warn().Err(err).Msg("periodic checkpoint failed")
		}
	})
	m.logger.Debug().Dur("interval", m.config.CheckpointInterval).Msg("checkpointing started")
}

// StopCheckpointing stops the periodic checkpoint task.
func (m *Machine[C]) StopCheckpointing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		m.task.Stop()
		m.task = nil
	}
}

// Dispose stops the checkpoint task and resets the machine.
func (m *Machine[C]) Dispose() {
	m.StopCheckpointing()
	m.Reset()
}

func (m *Machine[C]) publish(ctx context.Context, topic, msg string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, eventbus.Event{
		Topic:     topic,
		Source:    m.Name(),
		SessionID: m.SessionID(),
		Level:     eventbus.LevelInfo,
		Message:   msg,
		Payload:   payload,
	})
}

package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvariant/variant/pkg/eventbus"
	"github.com/openvariant/variant/pkg/telemetry"
)

// Options configures a Machine. The zero value is usable.
type Options struct {
	// Strict makes Send fail when the machine is finished or no transition matches.
	Strict bool

	// SessionID tags bus events published by the machine.
	SessionID string

	// HistoryLimit caps StateHistory. Zero keeps the full history.
	HistoryLimit int

	Logger  zerolog.Logger
	Bus     *eventbus.Bus
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Machine is a generic state machine over a caller-defined context C.
type Machine[C any] struct {
	def     Definition[C]
	states  map[StateID]State
	opts    Options
	logger  zerolog.Logger
	hooks   *hookRegistry[C]
	sendMu  sync.Mutex
	stateMu sync.RWMutex

	current      State
	history      []State
	finished     bool
	context      C
	hookFailures int
}

// New validates def and creates a machine in its initial state.
func New[C any](def Definition[C], c C, opts Options) (*Machine[C], error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	states := make(map[StateID]State, len(def.States))
	for _, s := range def.States {
		states[s.ID] = s
	}

	name := def.Name
	if name == "" {
		name = "machine"
	}
	def.Name = name

	initial := states[def.Initial]
	return &Machine[C]{
		def:     def,
		states:  states,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "machine").Str("machine", name).Logger(),
		hooks:   newHookRegistry[C](),
		current: initial,
		history: []State{initial},
		context: c,
	}, nil
}

// Name returns the definition name.
func (m *Machine[C]) Name() string {
	return m.def.Name
}

// Definition returns the machine definition.
func (m *Machine[C]) Definition() Definition[C] {
	return m.def
}

// Current returns the current state.
func (m *Machine[C]) Current() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

// Context returns the live context. It is not copied.
func (m *Machine[C]) Context() C {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.context
}

// IsFinished reports whether a final state has been entered since the last reset.
func (m *Machine[C]) IsFinished() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.finished
}

// States returns the declared states in declaration order.
func (m *Machine[C]) States() []State {
	return append([]State(nil), m.def.States...)
}

// State looks up a declared state by id.
func (m *Machine[C]) State(id StateID) (State, bool) {
	s, ok := m.states[id]
	return s, ok
}

// StateByName looks up a declared state by name.
func (m *Machine[C]) StateByName(name string) (State, bool) {
	for _, s := range m.def.States {
		if s.Name == name {
			return s, true
		}
	}
	return State{}, false
}

// StateHistory returns every state entered since the last reset, oldest first.
func (m *Machine[C]) StateHistory() []State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]State(nil), m.history...)
}

// HookFailures returns how many hook invocations failed or panicked.
func (m *Machine[C]) HookFailures() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.hookFailures
}

// RegisterHook adds a hook and returns its id.
func (m *Machine[C]) RegisterHook(h Hook[C]) (string, error) {
	return m.hooks.add(h)
}

// UnregisterHook removes a hook. It reports whether the hook existed.
func (m *Machine[C]) UnregisterHook(id string) bool {
	return m.hooks.remove(id)
}

// HookCount returns the number of registered hooks.
func (m *Machine[C]) HookCount() int {
	return m.hooks.count()
}

// PossibleTransitions returns the transitions declared from the current
// state or the wildcard, in declaration order, without evaluating guards.
func (m *Machine[C]) PossibleTransitions() []Transition[C] {
	current := m.Current().ID
	var out []Transition[C]
	for _, t := range m.def.Transitions {
		if t.From == current || t.From == Wildcard {
			out = append(out, t)
		}
	}
	return out
}

// CanTransition reports whether an event of type t would currently select a
// transition. Guards are evaluated with an event carrying no payload; guard
// errors count as false.
func (m *Machine[C]) CanTransition(ctx context.Context, t EventType) bool {
	if m.IsFinished() {
		return false
	}
	ev := Event{Type: t, Timestamp: time.Now()}
	c := m.Context()
	for _, tr := range m.PossibleTransitions() {
		if tr.On != t {
			continue
		}
		if tr.Guard == nil {
			return true
		}
		ok, err := m.evalGuard(ctx, tr, c, ev)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Send processes one event to completion.
func (m *Machine[C]) Send(ctx context.Context, ev Event) (err error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	from := m.Current()
	ctx, span := m.opts.Tracer.StartTransitionSpan(ctx, string(from.ID), string(ev.Type))
	defer func() { telemetry.EndSpan(span, err) }()

	if m.IsFinished() {
		if m.opts.Strict {
			return fmt.Errorf("send %s in %s: %w", ev.Type, from.ID, ErrMachineFinished)
		}
		m.logger.Debug().Str("event", string(ev.Type)).Msg("event ignored, machine finished")
		return nil
	}

	c := m.Context()
	tr, found, err := m.selectTransition(ctx, from, c, ev)
	if err != nil {
		return err
	}
	if !found {
		if m.opts.Strict {
			return fmt.Errorf("send %s in %s: %w", ev.Type, from.ID, ErrNoTransition)
		}
		m.logger.Debug().
			Str("state", string(from.ID)).
			Str("event", string(ev.Type)).
			Msg("no transition matched")
		return nil
	}

	start := time.Now()
	to := m.states[tr.To]

	m.runHooks(ctx, BeforeTransition, from, to, ev, c, nil)
	m.runHooks(ctx, BeforeExit, from, to, ev, c, nil)

	if tr.Action != nil {
		if err := m.callAction(ctx, tr, c, ev); err != nil {
			te := &TransitionError{From: from.ID, To: to.ID, Event: ev.Type, Stage: StageAction, Err: err}
			m.runHooks(ctx, OnError, from, to, ev, c, te)
			return te
		}
	}

	m.stateMu.Lock()
	m.current = to
	m.history = append(m.history, to)
	if limit := m.opts.HistoryLimit; limit > 0 && len(m.history) > limit {
		m.history = append([]State(nil), m.history[len(m.history)-limit:]...)
	}
	m.stateMu.Unlock()

	m.runHooks(ctx, AfterExit, from, to, ev, c, nil)
	m.runHooks(ctx, BeforeEnter, from, to, ev, c, nil)
	m.runHooks(ctx, AfterEnter, from, to, ev, c, nil)
	m.runHooks(ctx, AfterTransition, from, to, ev, c, nil)

	m.opts.Metrics.RecordTransition(string(from.ID), string(to.ID), string(ev.Type), time.Since(start))
	m.logger.Debug().
		Str("from", string(from.ID)).
		Str("to", string(to.ID)).
		Str("event", string(ev.Type)).
		Msg("transition executed")

	change := StateChange{Machine: m.def.Name, From: from.ID, To: to.ID, Event: ev.Type, Final: to.Final}
	m.publish(ctx, eventbus.TopicStateChanged, change)

	if to.Final {
		m.stateMu.Lock()
		m.finished = true
		m.stateMu.Unlock()
		m.publish(ctx, eventbus.TopicFinished, change)
	}

	return nil
}

func (m *Machine[C]) selectTransition(ctx context.Context, from State, c C, ev Event) (Transition[C], bool, error) {
	for _, tr := range m.def.Transitions {
		if tr.On != ev.Type || (tr.From != from.ID && tr.From != Wildcard) {
			continue
		}
		if tr.Guard == nil {
			return tr, true, nil
		}
		ok, err := m.evalGuard(ctx, tr, c, ev)
		if err != nil {
			te := &TransitionError{From: from.ID, To: tr.To, Event: ev.Type, Stage: StageGuard, Err: err}
			m.runHooks(ctx, OnError, from, m.states[tr.To], ev, c, te)
			return Transition[C]{}, false, te
		}
		if ok {
			return tr, true, nil
		}
	}
	return Transition[C]{}, false, nil
}

func (m *Machine[C]) evalGuard(ctx context.Context, tr Transition[C], c C, ev Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guard panicked: %v", r)
		}
	}()
	return tr.Guard(ctx, c, ev)
}

func (m *Machine[C]) callAction(ctx context.Context, tr Transition[C], c C, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return tr.Action(ctx, c, ev)
}

func (m *Machine[C]) runHooks(ctx context.Context, phase Phase, from, to State, ev Event, c C, cause error) {
	hooks := m.hooks.selectHooks(phase, filterState(phase, from.ID, to.ID), ev.Type)
	for _, h := range hooks {
		if h.Once && !m.hooks.remove(h.ID) {
			// Unregistered while the phase was running.
			continue
		}
		hc := HookContext[C]{Phase: phase, From: from, To: to, Event: ev, Context: c, Err: cause}
		if err := m.callHook(ctx, h, hc); err != nil {
			m.stateMu.Lock()
			m.hookFailures++
			m.stateMu.Unlock()
			m.opts.Metrics.RecordHookFailure(string(phase))
			m.logger.Warn().
				Err(err).
				Str("hook_id", h.ID).
				Str("phase", string(phase)).
				Str("event", string(ev.Type)).
				Msg("hook failed")
		}
	}
}

func (m *Machine[C]) callHook(ctx context.Context, h Hook[C], hc HookContext[C]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return h.Handler(ctx, hc)
}

func (m *Machine[C]) publish(ctx context.Context, topic string, change StateChange) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Emit(ctx, eventbus.Event{
		Topic:     topic,
		Source:    m.def.Name,
		SessionID: m.opts.SessionID,
		Message:   fmt.Sprintf("%s -> %s on %s", change.From, change.To, change.Event),
		Payload:   change,
	})
}

// Reset returns the machine to its initial state, clears the history and
// the finished latch. The context is kept.
func (m *Machine[C]) Reset() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.resetLocked()
}

// ResetContext resets the machine and replaces its context.
func (m *Machine[C]) ResetContext(c C) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.resetLocked()
	m.stateMu.Lock()
	m.context = c
	m.stateMu.Unlock()
}

func (m *Machine[C]) resetLocked() {
	initial := m.states[m.def.Initial]
	m.stateMu.Lock()
	m.current = initial
	m.history = []State{initial}
	m.finished = false
	m.stateMu.Unlock()
}

// Restore puts the machine into state id with context c without running
// hooks or actions. It fails with ErrUnknownState, leaving the machine
// untouched, when id is not declared.
func (m *Machine[C]) Restore(id StateID, c C) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return fmt.Errorf("restore %q: %w", id, ErrUnknownState)
	}

	m.stateMu.Lock()
	m.current = s
	m.history = []State{s}
	m.finished = s.Final
	m.context = c
	m.stateMu.Unlock()

	m.logger.Info().Str("state", string(id)).Msg("machine restored")
	return nil
}

package machine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/eventbus"
)

type counter struct {
	mu    sync.Mutex
	n     int
	trail []string
}

func (c *counter) record(s string) {
	c.mu.Lock()
	c.trail = append(c.trail, s)
	c.mu.Unlock()
}

func (c *counter) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.trail...)
}

const (
	stIdle    StateID = "IDLE"
	stRunning StateID = "RUNNING"
	stPaused  StateID = "PAUSED"
	stDone    StateID = "DONE"
	stFailed  StateID = "FAILED"

	evStart  EventType = "START"
	evPause  EventType = "PAUSE"
	evResume EventType = "RESUME"
	evFinish EventType = "FINISH"
	evAbort  EventType = "ABORT"
	evTick   EventType = "TICK"
)

func testDefinition() Definition[*counter] {
	return Definition[*counter]{
		Name:    "test",
		Initial: stIdle,
		States: []State{
			{ID: stIdle, Name: "IDLE"},
			{ID: stRunning, Name: "RUNNING"},
			{ID: stPaused, Name: "PAUSED"},
			{ID: stDone, Name: "DONE", Final: true},
			{ID: stFailed, Name: "FAILED", Final: true},
		},
		Transitions: []Transition[*counter]{
			{From: stIdle, To: stRunning, On: evStart},
			{From: stRunning, To: stPaused, On: evPause},
			{From: stPaused, To: stRunning, On: evResume},
			{From: stRunning, To: stRunning, On: evTick, Action: func(ctx context.Context, c *counter, ev Event) error {
				c.n++
				return nil
			}},
			{From: stRunning, To: stDone, On: evFinish, Guard: func(ctx context.Context, c *counter, ev Event) (bool, error) {
				return c.n >= 2, nil
			}},
			{From: Wildcard, To: stFailed, On: evAbort},
		},
	}
}

func newTestMachine(t *testing.T, opts Options) (*Machine[*counter], *counter) {
	t.Helper()
	c := &counter{}
	m, err := New(testDefinition(), c, opts)
	require.NoError(t, err)
	return m, c
}

func send(t *testing.T, m *Machine[*counter], et EventType) {
	t.Helper()
	require.NoError(t, m.Send(context.Background(), NewEvent(et, nil)))
}

func TestSendFollowsDeclaredTransitions(t *testing.T) {
	m, c := newTestMachine(t, Options{})

	assert.Equal(t, stIdle, m.Current().ID)
	send(t, m, evStart)
	send(t, m, evTick)
	send(t, m, evFinish) // guard blocks, n == 1
	assert.Equal(t, stRunning, m.Current().ID)

	send(t, m, evTick)
	send(t, m, evFinish)
	assert.Equal(t, stDone, m.Current().ID)
	assert.True(t, m.IsFinished())
	assert.Equal(t, 2, c.n)

	ids := make([]StateID, 0)
	for _, s := range m.StateHistory() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []StateID{stIdle, stRunning, stRunning, stRunning, stDone}, ids)
}

func TestFirstMatchInDeclarationOrder(t *testing.T) {
	def := Definition[*counter]{
		Initial: "A",
		States:  []State{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Transitions: []Transition[*counter]{
			{From: Wildcard, To: "C", On: "GO"},
			{From: "A", To: "B", On: "GO"},
		},
	}
	m, err := New(def, &counter{}, Options{})
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), NewEvent("GO", nil)))
	assert.Equal(t, StateID("C"), m.Current().ID)
}

func TestStrictMode(t *testing.T) {
	m, _ := newTestMachine(t, Options{Strict: true})
	ctx := context.Background()

	err := m.Send(ctx, NewEvent(evPause, nil))
	assert.ErrorIs(t, err, ErrNoTransition)
	assert.Equal(t, stIdle, m.Current().ID)

	send(t, m, evAbort)
	assert.True(t, m.IsFinished())
	assert.ErrorIs(t, m.Send(ctx, NewEvent(evStart, nil)), ErrMachineFinished)

	m.Reset()
	assert.False(t, m.IsFinished())
	assert.Equal(t, stIdle, m.Current().ID)
	assert.Len(t, m.StateHistory(), 1)
}

func TestNonStrictIgnoresUnmatchedAndFinished(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	send(t, m, evPause)
	assert.Equal(t, stIdle, m.Current().ID)

	send(t, m, evAbort)
	send(t, m, evStart)
	assert.Equal(t, stFailed, m.Current().ID)
}

func TestHookPhaseOrder(t *testing.T) {
	m, c := newTestMachine(t, Options{})
	for _, p := range Phases {
		phase := p
		_, err := m.RegisterHook(Hook[*counter]{Phase: phase, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
			hc.Context.record(string(phase))
			return nil
		}})
		require.NoError(t, err)
	}

	send(t, m, evStart)
	assert.Equal(t, []string{
		"before_transition", "before_exit", "after_exit",
		"before_enter", "after_enter", "after_transition",
	}, c.entries())
}

func TestHookPriorityAndTies(t *testing.T) {
	m, c := newTestMachine(t, Options{})
	reg := func(name string, prio int) {
		_, err := m.RegisterHook(Hook[*counter]{Phase: AfterEnter, Priority: prio, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
			hc.Context.record(name)
			return nil
		}})
		require.NoError(t, err)
	}
	reg("low", 1)
	reg("high-a", 10)
	reg("mid", 5)
	reg("high-b", 10)

	send(t, m, evStart)
	assert.Equal(t, []string{"high-a", "high-b", "mid", "low"}, c.entries())
}

func TestHookFailuresAreSwallowed(t *testing.T) {
	m, c := newTestMachine(t, Options{Logger: zerolog.Nop()})
	_, err := m.RegisterHook(Hook[*counter]{Phase: BeforeEnter, Priority: 3, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		return errors.New("boom")
	}})
	require.NoError(t, err)
	_, err = m.RegisterHook(Hook[*counter]{Phase: BeforeEnter, Priority: 2, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		panic("hook panic")
	}})
	require.NoError(t, err)
	_, err = m.RegisterHook(Hook[*counter]{Phase: BeforeEnter, Priority: 1, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		hc.Context.record("survivor")
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), NewEvent(evStart, nil)))
	assert.Equal(t, stRunning, m.Current().ID)
	assert.Equal(t, []string{"survivor"}, c.entries())
	assert.Equal(t, 2, m.HookFailures())
}

func TestOnceHooksAndUnregister(t *testing.T) {
	m, c := newTestMachine(t, Options{})
	_, err := m.RegisterHook(Hook[*counter]{Phase: AfterTransition, Once: true, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		hc.Context.record("once")
		return nil
	}})
	require.NoError(t, err)
	id, err := m.RegisterHook(Hook[*counter]{ID: "always", Phase: AfterTransition, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		hc.Context.record("always")
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "always", id)

	_, err = m.RegisterHook(Hook[*counter]{ID: "always", Phase: AfterEnter, Handler: func(ctx context.Context, hc HookContext[*counter]) error { return nil }})
	assert.ErrorIs(t, err, ErrDuplicateHook)

	send(t, m, evStart)
	send(t, m, evTick)
	assert.Equal(t, []string{"once", "always", "always"}, c.entries())
	assert.Equal(t, 1, m.HookCount())

	assert.True(t, m.UnregisterHook("always"))
	assert.False(t, m.UnregisterHook("always"))
	assert.Equal(t, 0, m.HookCount())
}

func TestInvalidHooks(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	_, err := m.RegisterHook(Hook[*counter]{Phase: "during", Handler: func(ctx context.Context, hc HookContext[*counter]) error { return nil }})
	assert.ErrorIs(t, err, ErrInvalidHook)
	_, err = m.RegisterHook(Hook[*counter]{Phase: AfterEnter})
	assert.ErrorIs(t, err, ErrInvalidHook)
}

func TestHookStateFilters(t *testing.T) {
	m, c := newTestMachine(t, Options{})
	reg := func(name string, phase Phase, states ...StateID) {
		_, err := m.RegisterHook(Hook[*counter]{Phase: phase, States: states, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
			hc.Context.record(name)
			return nil
		}})
		require.NoError(t, err)
	}
	reg("exit-idle", BeforeExit, stIdle)
	reg("exit-running", BeforeExit, stRunning)
	reg("enter-running", AfterEnter, stRunning)
	reg("enter-idle", AfterEnter, stIdle)
	_, err := m.RegisterHook(Hook[*counter]{Phase: AfterTransition, Events: []EventType{evPause}, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		hc.Context.record("paused")
		return nil
	}})
	require.NoError(t, err)

	send(t, m, evStart)
	send(t, m, evPause)
	assert.Equal(t, []string{"exit-idle", "enter-running", "exit-running", "paused"}, c.entries())
}

func TestActionFailurePropagates(t *testing.T) {
	actionErr := errors.New("engine crashed")
	def := testDefinition()
	def.Transitions = append([]Transition[*counter]{{
		From: stIdle, To: stRunning, On: evStart,
		Action: func(ctx context.Context, c *counter, ev Event) error { return actionErr },
	}}, def.Transitions...)

	c := &counter{}
	m, err := New(def, c, Options{})
	require.NoError(t, err)

	var hookErr error
	_, err = m.RegisterHook(Hook[*counter]{Phase: OnError, States: []StateID{stIdle}, Handler: func(ctx context.Context, hc HookContext[*counter]) error {
		hookErr = hc.Err
		return nil
	}})
	require.NoError(t, err)

	err = m.Send(context.Background(), NewEvent(evStart, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, actionErr)

	te, ok := AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, StageAction, te.Stage)
	assert.Equal(t, stIdle, te.From)
	assert.Equal(t, stRunning, te.To)
	assert.ErrorIs(t, hookErr, actionErr)
	assert.Equal(t, stIdle, m.Current().ID)
}

func TestGuardFailurePropagates(t *testing.T) {
	def := testDefinition()
	def.Transitions[0].Guard = func(ctx context.Context, c *counter, ev Event) (bool, error) {
		panic("guard exploded")
	}
	m, err := New(def, &counter{}, Options{})
	require.NoError(t, err)

	err = m.Send(context.Background(), NewEvent(evStart, nil))
	te, ok := AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, StageGuard, te.Stage)
	assert.Equal(t, stIdle, m.Current().ID)
	assert.False(t, m.CanTransition(context.Background(), evStart))
}

func TestCanTransitionAndPossibleTransitions(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	ctx := context.Background()

	assert.True(t, m.CanTransition(ctx, evStart))
	assert.False(t, m.CanTransition(ctx, evPause))
	assert.True(t, m.CanTransition(ctx, evAbort))

	send(t, m, evStart)
	assert.False(t, m.CanTransition(ctx, evFinish))

	var events []EventType
	for _, tr := range m.PossibleTransitions() {
		events = append(events, tr.On)
	}
	assert.Equal(t, []EventType{evPause, evTick, evFinish, evAbort}, events)
}

func TestRestore(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	restored := &counter{n: 7}

	err := m.Restore("NOPE", restored)
	assert.ErrorIs(t, err, ErrUnknownState)
	assert.Equal(t, stIdle, m.Current().ID)
	assert.NotSame(t, restored, m.Context())

	require.NoError(t, m.Restore(stPaused, restored))
	assert.Equal(t, stPaused, m.Current().ID)
	assert.Same(t, restored, m.Context())

	require.NoError(t, m.Restore(stDone, restored))
	assert.True(t, m.IsFinished())
}

func TestResetContext(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	send(t, m, evStart)
	fresh := &counter{n: 1}
	m.ResetContext(fresh)
	assert.Same(t, fresh, m.Context())
	assert.Equal(t, stIdle, m.Current().ID)
}

func TestPublishesStateChanges(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig(), zerolog.Nop())
	var mu sync.Mutex
	var changes []StateChange
	var finished int
	_, err := bus.Subscribe(eventbus.TopicStateChanged, func(ctx context.Context, ev eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ev.Payload.(StateChange))
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(eventbus.TopicFinished, func(ctx context.Context, ev eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		finished++
		return nil
	})
	require.NoError(t, err)

	m, _ := newTestMachine(t, Options{Bus: bus, SessionID: "s1"})
	send(t, m, evStart)
	send(t, m, evAbort)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, StateChange{Machine: "test", From: stIdle, To: stRunning, Event: evStart}, changes[0])
	assert.True(t, changes[1].Final)
	assert.Equal(t, 1, finished)
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition[*counter]
	}{
		{"no states", Definition[*counter]{Initial: "A"}},
		{"unknown initial", Definition[*counter]{Initial: "B", States: []State{{ID: "A"}}}},
		{"duplicate state", Definition[*counter]{Initial: "A", States: []State{{ID: "A"}, {ID: "A"}}}},
		{"wildcard state", Definition[*counter]{Initial: "A", States: []State{{ID: "A"}, {ID: Wildcard}}}},
		{"unknown target", Definition[*counter]{Initial: "A", States: []State{{ID: "A"}}, Transitions: []Transition[*counter]{{From: "A", To: "Z", On: "GO"}}}},
		{"unknown source", Definition[*counter]{Initial: "A", States: []State{{ID: "A"}}, Transitions: []Transition[*counter]{{From: "Z", To: "A", On: "GO"}}}},
		{"missing event", Definition[*counter]{Initial: "A", States: []State{{ID: "A"}}, Transitions: []Transition[*counter]{{From: "A", To: "A"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.def.Validate())
		})
	}
}

// Random event sequences never leave the declared state set, only take
// declared edges, and never clear the finished latch.
func TestRandomEventSequences(t *testing.T) {
	events := []EventType{evStart, evPause, evResume, evFinish, evAbort, evTick, "UNKNOWN"}
	def := testDefinition()
	declared := make(map[StateID]bool)
	for _, s := range def.States {
		declared[s.ID] = true
	}
	edges := make(map[[2]StateID]bool)
	for _, tr := range def.Transitions {
		if tr.From == Wildcard {
			for id := range declared {
				edges[[2]StateID{id, tr.To}] = true
			}
			continue
		}
		edges[[2]StateID{tr.From, tr.To}] = true
	}

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		m, _ := newTestMachine(t, Options{})
		wasFinished := false
		for step := 0; step < 30; step++ {
			before := m.Current().ID
			require.NoError(t, m.Send(context.Background(), NewEvent(events[rng.Intn(len(events))], nil)))
			after := m.Current().ID

			require.True(t, declared[after])
			if before != after {
				require.True(t, edges[[2]StateID{before, after}], "%s -> %s", before, after)
			}
			if wasFinished {
				require.True(t, m.IsFinished())
				require.Equal(t, before, after)
			}
			wasFinished = m.IsFinished()
		}
	}
}

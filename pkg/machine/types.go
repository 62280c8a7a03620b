package machine

import (
	"context"
	"fmt"
	"time"
)

// StateID identifies a state.
type StateID string

// EventType identifies an event kind.
type EventType string

// Wildcard is the transition source matching every current state.
const Wildcard StateID = "*"

// State is an immutable node of the state graph.
type State struct {
	ID    StateID `json:"id"`
	Name  string  `json:"name"`
	Final bool    `json:"final,omitempty"`
}

func (s State) String() string {
	return string(s.ID)
}

// Event is an input to the machine. Payload is defined per event type.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now()}
}

// Guard decides whether a transition may fire. Guards may block on I/O and
// should honour ctx.
type Guard[C any] func(ctx context.Context, c C, ev Event) (bool, error)

// Action runs while a transition executes, after the exit hooks of the
// source state and before the state changes.
type Action[C any] func(ctx context.Context, c C, ev Event) error

// Transition is a declared edge of the state graph.
type Transition[C any] struct {
	From   StateID
	To     StateID
	On     EventType
	Guard  Guard[C]
	Action Action[C]
}

func (t Transition[C]) String() string {
	return fmt.Sprintf("%s --%s--> %s", t.From, t.On, t.To)
}

// Definition is the declarative description of a machine.
type Definition[C any] struct {
	Name        string
	Initial     StateID
	States      []State
	Transitions []Transition[C]
}

// Validate checks that the definition is internally consistent.
func (d *Definition[C]) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("definition %q: no states declared", d.Name)
	}

	ids := make(map[StateID]bool, len(d.States))
	for _, s := range d.States {
		if s.ID == "" {
			return fmt.Errorf("definition %q: state with empty id", d.Name)
		}
		if s.ID == Wildcard {
			return fmt.Errorf("definition %q: %q is reserved", d.Name, Wildcard)
		}
		if ids[s.ID] {
			return fmt.Errorf("definition %q: duplicate state %q", d.Name, s.ID)
		}
		ids[s.ID] = true
	}

	if !ids[d.Initial] {
		return fmt.Errorf("definition %q: initial state %q: %w", d.Name, d.Initial, ErrUnknownState)
	}

	for i, t := range d.Transitions {
		if t.On == "" {
			return fmt.Errorf("definition %q: transition %d has no event", d.Name, i)
		}
		if t.From != Wildcard && !ids[t.From] {
			return fmt.Errorf("definition %q: transition %s: source %q: %w", d.Name, t, t.From, ErrUnknownState)
		}
		if !ids[t.To] {
			return fmt.Errorf("definition %q: transition %s: target %q: %w", d.Name, t, t.To, ErrUnknownState)
		}
	}

	return nil
}

// Phase is a hook lifecycle point.
type Phase string

// Hook phases.
const (
	BeforeEnter      Phase = "before_enter"
	AfterEnter       Phase = "after_enter"
	BeforeExit       Phase = "before_exit"
	AfterExit        Phase = "after_exit"
	BeforeTransition Phase = "before_transition"
	AfterTransition  Phase = "after_transition"
	OnError          Phase = "on_error"
)

// Phases lists every phase in execution order, with OnError last.
var Phases = []Phase{BeforeTransition, BeforeExit, AfterExit, BeforeEnter, AfterEnter, AfterTransition, OnError}

// Validate reports whether p is a known phase.
func (p Phase) Validate() error {
	for _, known := range Phases {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("unknown hook phase %q", p)
}

// HookContext is passed to hook handlers.
type HookContext[C any] struct {
	Phase   Phase
	From    State
	To      State
	Event   Event
	Context C

	// Err is set for OnError hooks.
	Err error
}

// HookHandler is a hook callback. Errors are logged and swallowed.
type HookHandler[C any] func(ctx context.Context, hc HookContext[C]) error

// Hook is a callback registered for one phase.
type Hook[C any] struct {
	// ID is generated when empty.
	ID    string
	Phase Phase

	// States restricts the hook to these states. For exit phases,
	// before_transition and on_error the source state is matched; for enter
	// phases and after_transition the target state is matched.
	States []StateID

	// Events restricts the hook to these event types.
	Events []EventType

	Handler HookHandler[C]

	// Priority orders hooks within a phase, highest first.
	Priority int

	// Once hooks unregister themselves after firing.
	Once bool
}

// StateChange is the payload of state changed and finished bus events.
type StateChange struct {
	Machine string    `json:"machine"`
	From    StateID   `json:"from"`
	To      StateID   `json:"to"`
	Event   EventType `json:"event"`
	Final   bool      `json:"final"`
}

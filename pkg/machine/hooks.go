package machine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type registeredHook[C any] struct {
	hook Hook[C]
	seq  uint64
}

// hookRegistry keeps hooks per phase ordered by descending priority, ties in
// registration order.
type hookRegistry[C any] struct {
	mu      sync.RWMutex
	byPhase map[Phase][]registeredHook[C]
	phaseOf map[string]Phase
	seq     uint64
}

func newHookRegistry[C any]() *hookRegistry[C] {
	return &hookRegistry[C]{
		byPhase: make(map[Phase][]registeredHook[C]),
		phaseOf: make(map[string]Phase),
	}
}

func (r *hookRegistry[C]) add(h Hook[C]) (string, error) {
	if err := h.Phase.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHook, err)
	}
	if h.Handler == nil {
		return "", fmt.Errorf("%w: handler is required", ErrInvalidHook)
	}
	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.phaseOf[h.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateHook, h.ID)
	}

	r.seq++
	list := append(r.byPhase[h.Phase], registeredHook[C]{hook: h, seq: r.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].hook.Priority != list[j].hook.Priority {
			return list[i].hook.Priority > list[j].hook.Priority
		}
		return list[i].seq < list[j].seq
	})
	r.byPhase[h.Phase] = list
	r.phaseOf[h.ID] = h.Phase
	return h.ID, nil
}

func (r *hookRegistry[C]) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	phase, ok := r.phaseOf[id]
	if !ok {
		return false
	}
	delete(r.phaseOf, id)

	list := r.byPhase[phase]
	for i, rh := range list {
		if rh.hook.ID == id {
			r.byPhase[phase] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return true
}

func (r *hookRegistry[C]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.phaseOf)
}

// selectHooks returns the hooks of phase whose filters accept state and
// event, in execution order. The result is a copy.
func (r *hookRegistry[C]) selectHooks(phase Phase, state StateID, event EventType) []Hook[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Hook[C]
	for _, rh := range r.byPhase[phase] {
		if matches(rh.hook, state, event) {
			out = append(out, rh.hook)
		}
	}
	return out
}

func matches[C any](h Hook[C], state StateID, event EventType) bool {
	if len(h.States) > 0 && !containsState(h.States, state) {
		return false
	}
	if len(h.Events) > 0 && !containsEvent(h.Events, event) {
		return false
	}
	return true
}

func containsState(list []StateID, s StateID) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsEvent(list []EventType, e EventType) bool {
	for _, v := range list {
		if v == e {
			return true
		}
	}
	return false
}

// filterState returns which side of a transition a phase's state filter applies to.
func filterState(phase Phase, from, to StateID) StateID {
	switch phase {
	case BeforeEnter, AfterEnter, AfterTransition:
		return to
	default:
		return from
	}
}

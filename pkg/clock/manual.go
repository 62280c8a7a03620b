package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called.
// Sleep never blocks: it advances the clock by the requested duration and
// records it, so retry backoffs can be asserted without waiting.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	tasks  []*manualTask
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep records d and advances the clock by it.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	m.mu.Unlock()
	if d > 0 {
		m.Advance(d)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep, in call order.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleeps...)
}

// Every registers fn to fire each time the clock crosses a multiple of interval.
func (m *Manual) Every(interval time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTask{interval: interval, next: m.now.Add(interval), fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward and runs due periodic tasks synchronously.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []func()
	for _, t := range m.tasks {
		for !t.stopped() && !t.next.After(now) {
			due = append(due, t.fn)
			t.next = t.next.Add(t.interval)
		}
	}
	m.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

type manualTask struct {
	interval time.Duration
	next     time.Time
	fn       func()

	mu   sync.Mutex
	done bool
}

func (t *manualTask) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *manualTask) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Persistence used by tests and dry runs.
// Stored checkpoints are deep-copied on the way in and out.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string][]*SerializableState
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, items: make(map[string][]*SerializableState)}
}

// WithNow overrides the time source used for age filtering.
func (m *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// SaveState appends a copy of the checkpoint.
func (m *MemoryStore) SaveState(ctx context.Context, req SaveRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.State == nil {
		return ErrNilState
	}
	st, err := clone(req.State)
	if err != nil {
		return err
	}
	if req.SessionID != "" {
		st.SessionID = req.SessionID
	}
	if req.Metadata.CurrentState != "" || req.Metadata.Version != 0 {
		st.Metadata = req.Metadata
	}
	if err := st.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[st.SessionID] = append(m.items[st.SessionID], st)
	return nil
}

// LoadState returns the most recent checkpoint of a session.
func (m *MemoryStore) LoadState(ctx context.Context, sessionID string) (*SerializableState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *SerializableState
	for _, s := range m.items[sessionID] {
		if best == nil || s.SavedAt.After(best.SavedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	return clone(best)
}

// FindResumableStates returns matching checkpoints, newest first.
func (m *MemoryStore) FindResumableStates(ctx context.Context, q ResumableQuery) ([]*SerializableState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var cutoff time.Time
	if q.MaxAge > 0 {
		cutoff = m.now().Add(-q.MaxAge)
	}

	var out []*SerializableState
	for id, list := range m.items {
		if q.SessionID != "" && id != q.SessionID {
			continue
		}
		for _, s := range list {
			if q.StrategyName != "" && s.StrategyName != q.StrategyName {
				continue
			}
			if !cutoff.IsZero() && s.SavedAt.Before(cutoff) {
				continue
			}
			c, err := clone(s)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// DeleteState removes every checkpoint of a session.
func (m *MemoryStore) DeleteState(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	delete(m.items, sessionID)
	return nil
}

// Cleanup removes checkpoints saved before now-maxAge.
func (m *MemoryStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	var removed int64
	for id, list := range m.items {
		kept := list[:0]
		for _, s := range list {
			if s.SavedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.items, id)
		} else {
			m.items[id] = kept
		}
	}
	return removed, nil
}

// Len returns the total number of stored checkpoints.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.items {
		n += len(list)
	}
	return n
}

func clone(s *SerializableState) (*SerializableState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	var out SerializableState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &out, nil
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxListeners is the per-topic listener ceiling.
const DefaultMaxListeners = 100

// ErrMaxListeners is returned by Subscribe when a topic is at its ceiling.
var ErrMaxListeners = errors.New("max listeners reached for topic")

// Listener handles an event. Returned errors are logged, never propagated.
type Listener func(ctx context.Context, event Event) error

// Config configures a Bus.
type Config struct {
	// MaxListeners is the per-topic listener ceiling. Zero uses DefaultMaxListeners.
	MaxListeners int `yaml:"max_listeners" validate:"gte=0"`

	// Source is the default event source when an emitted event has none.
	Source string `yaml:"source"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{MaxListeners: DefaultMaxListeners, Source: "variant"}
}

type entry struct {
	id       uint64
	listener Listener
	filter   EventFilter
}

// Bus is a topic-based publish/subscribe hub safe for concurrent use.
type Bus struct {
	config Config
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners map[string][]entry
	filters   []EventFilter
	nextID    uint64
	delivered uint64
	failed    uint64
	now       func() time.Time
}

// New creates a bus.
func New(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.MaxListeners <= 0 {
		cfg.MaxListeners = DefaultMaxListeners
	}
	return &Bus{
		config:    cfg,
		logger:    logger.With().Str("component", "eventbus").Logger(),
		listeners: make(map[string][]entry),
		now:       time.Now,
	}
}

// Subscribe registers a listener for topic and returns an idempotent
// unsubscribe function.
func (b *Bus) Subscribe(topic string, listener Listener) (func(), error) {
	return b.SubscribeFiltered(topic, listener, nil)
}

// SubscribeAll registers a listener that receives events of every topic.
func (b *Bus) SubscribeAll(listener Listener, filter EventFilter) (func(), error) {
	return b.SubscribeFiltered(AllTopics, listener, filter)
}

// SubscribeFiltered registers a listener that only receives events accepted by filter.
func (b *Bus) SubscribeFiltered(topic string, listener Listener, filter EventFilter) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if listener == nil {
		return nil, fmt.Errorf("listener is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.listeners[topic]) >= b.config.MaxListeners {
		return nil, fmt.Errorf("%w: %s (%d)", ErrMaxListeners, topic, b.config.MaxListeners)
	}

	b.nextID++
	id := b.nextID
	b.listeners[topic] = append(b.listeners[topic], entry{id: id, listener: listener, filter: filter})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}, nil
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[topic]
	for i, e := range list {
		if e.id == id {
			b.listeners[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.listeners[topic]) == 0 {
		delete(b.listeners, topic)
	}
}

// AddFilter adds a global filter applied before delivery.
func (b *Bus) AddFilter(filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter)
}

// Emit delivers the event to every current listener of its topic and every
// SubscribeAll listener, concurrently, and waits for all of them.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if event.Source == "" {
		event.Source = b.config.Source
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	b.mu.RLock()
	for _, f := range b.filters {
		if !f(event) {
			b.mu.RUnlock()
			return
		}
	}
	targets := make([]entry, 0, len(b.listeners[event.Topic])+len(b.listeners[AllTopics]))
	targets = append(targets, b.listeners[event.Topic]...)
	if event.Topic != AllTopics {
		targets = append(targets, b.listeners[AllTopics]...)
	}
	b.mu.RUnlock()

	var g errgroup.Group
	for _, e := range targets {
		if e.filter != nil && !e.filter(event) {
			continue
		}
		e := e
		g.Go(func() error {
			b.deliver(ctx, e, event)
			return nil
		})
	}
	_ = g.Wait()
}

// Publish builds an event and emits it.
func (b *Bus) Publish(ctx context.Context, topic, source string, payload any) {
	b.Emit(ctx, Event{Topic: topic, Source: source, Payload: payload})
}

func (b *Bus) deliver(ctx context.Context, e entry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.countFailure()
			b.logger.Error().
				Str("topic", event.Topic).
				Str("event_id", event.ID).
				Interface("panic", r).
				Msg("event listener panicked")
		}
	}()

	if err := e.listener(ctx, event); err != nil {
		b.countFailure()
		b.logger.Warn().
			Err(err).
			Str("topic", event.Topic).
			Str("event_id", event.ID).
			Msg("event listener failed")
		return
	}

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

func (b *Bus) countFailure() {
	b.mu.Lock()
	b.failed++
	b.mu.Unlock()
}

// ListenerCount returns the number of listeners subscribed to topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

// Topics returns the topics that currently have listeners, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.listeners))
	for t := range b.listeners {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Clear removes the listeners of the given topics, or of every topic when
// none are given.
func (b *Bus) Clear(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(topics) == 0 {
		b.listeners = make(map[string][]entry)
		return
	}
	for _, t := range topics {
		delete(b.listeners, t)
	}
}

// Stats reports delivery counters.
func (b *Bus) Stats() (delivered, failed uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delivered, b.failed
}

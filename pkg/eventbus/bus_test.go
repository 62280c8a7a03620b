package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(limit int) *Bus {
	return New(Config{MaxListeners: limit}, zerolog.Nop())
}

func TestEmitDeliversToAllListeners(t *testing.T) {
	bus := newTestBus(0)
	ctx := context.Background()

	var count int32
	for i := 0; i < 5; i++ {
		_, err := bus.Subscribe("topic", func(ctx context.Context, ev Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
	}

	bus.Publish(ctx, "topic", "test", nil)
	assert.Equal(t, int32(5), atomic.LoadInt32(&count))
}

func TestFailingListenersDoNotAffectSiblings(t *testing.T) {
	bus := newTestBus(0)
	ctx := context.Background()

	var ok int32
	_, err := bus.Subscribe("topic", func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("topic", func(ctx context.Context, ev Event) error {
		panic("listener panic")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("topic", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() { bus.Publish(ctx, "topic", "test", nil) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok))

	delivered, failed := bus.Stats()
	assert.Equal(t, uint64(1), delivered)
	assert.Equal(t, uint64(2), failed)
}

func TestMaxListenersEnforcedAtSubscribe(t *testing.T) {
	bus := newTestBus(2)
	noop := func(ctx context.Context, ev Event) error { return nil }

	_, err := bus.Subscribe("t", noop)
	require.NoError(t, err)
	_, err = bus.Subscribe("t", noop)
	require.NoError(t, err)
	_, err = bus.Subscribe("t", noop)
	assert.ErrorIs(t, err, ErrMaxListeners)

	_, err = bus.Subscribe("other", noop)
	assert.NoError(t, err)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(0)
	var count int32
	unsubscribe, err := bus.Subscribe("t", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	other, err := bus.Subscribe("t", func(ctx context.Context, ev Event) error { return nil })
	require.NoError(t, err)
	defer other()

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, bus.ListenerCount("t"))

	bus.Publish(context.Background(), "t", "test", nil)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestEmitFillsDefaults(t *testing.T) {
	bus := New(Config{Source: "unit"}, zerolog.Nop())
	var got Event
	var mu sync.Mutex
	_, err := bus.SubscribeAll(func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	bus.Emit(context.Background(), Event{Topic: TopicProgress})

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "unit", got.Source)
	assert.Equal(t, LevelInfo, got.Level)
	assert.Equal(t, TopicProgress, got.Topic)
}

func TestFilters(t *testing.T) {
	bus := newTestBus(0)
	var count int32
	_, err := bus.SubscribeFiltered("t", func(ctx context.Context, ev Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, FilterBySession("s1"))
	require.NoError(t, err)

	ctx := context.Background()
	bus.Emit(ctx, Event{Topic: "t", SessionID: "s1"})
	bus.Emit(ctx, Event{Topic: "t", SessionID: "s2"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))

	bus.AddFilter(FilterByLevel(LevelWarning))
	bus.Emit(ctx, Event{Topic: "t", SessionID: "s1", Level: LevelInfo})
	bus.Emit(ctx, Event{Topic: "t", SessionID: "s1", Level: LevelError})
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))

	assert.True(t, FilterByTopic("a", "b")(Event{Topic: "b"}))
	assert.False(t, FilterByTopic("a")(Event{Topic: "c"}))
}

func TestClearAndTopics(t *testing.T) {
	bus := newTestBus(0)
	noop := func(ctx context.Context, ev Event) error { return nil }
	_, _ = bus.Subscribe("b", noop)
	_, _ = bus.Subscribe("a", noop)
	assert.Equal(t, []string{"a", "b"}, bus.Topics())

	bus.Clear("a")
	assert.Equal(t, []string{"b"}, bus.Topics())
	bus.Clear()
	assert.Empty(t, bus.Topics())
}

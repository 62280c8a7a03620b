package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvariant/variant/pkg/clock"
)

var errOp = errors.New("operation failed")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := NewBreaker("analyze", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 2}, clk)
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return errOp
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing), errOp)
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 3, calls)

	// Fourth call before the timeout is rejected without invoking the operation.
	assert.ErrorIs(t, b.Execute(ctx, failing), ErrCircuitOpen)
	assert.Equal(t, 3, calls)

	clk.Advance(10 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func(ctx context.Context) error { return nil }))
	m := b.Metrics()
	assert.Equal(t, BreakerClosed, m.State)
	assert.Equal(t, 0, m.FailureCount)
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := NewBreaker("analyze", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2}, clk)
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, func(ctx context.Context) error { return errOp }), errOp)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrHalfOpenExhausted)
	assert.False(t, invoked)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := NewBreaker("store", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}, clk)
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errOp }

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, BreakerOpen, b.State())

	clk.Advance(time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), errOp)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("op", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}, clock.NewManual(time.Unix(0, 0)))
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errOp }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, 0, b.Metrics().FailureCount)

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, BreakerClosed, b.State())

	b.Reset()
	assert.Equal(t, 0, b.Metrics().FailureCount)
}

func TestBreakersRegistry(t *testing.T) {
	r := NewBreakers(DefaultBreakerConfig(), clock.NewManual(time.Unix(0, 0)), nil)
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	r.Get("b")

	metrics := r.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "a", metrics[0].Name)

	snaps := r.Snapshots()
	assert.Equal(t, "closed", snaps["b"].State)
}

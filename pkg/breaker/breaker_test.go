package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, opts Options) (*CircuitBreaker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	return New("downstream", opts, nil), mock
}

func failing(ctx context.Context) (any, error) { return nil, errBoom }

func succeeding(ctx context.Context) (any, error) { return "ok", nil }

func TestClosedOpensAfterFailureThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, Options{FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Call(ctx, failing)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Fourth call is rejected without invoking the function.
	invoked := false
	_, err := cb.Call(ctx, func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestClosedSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, Options{FailureThreshold: 3})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	_, _ = cb.Call(ctx, failing)
	_, err := cb.Call(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, 0, cb.Status().Failures)

	// Two more failures do not reach the threshold after the reset.
	_, _ = cb.Call(ctx, failing)
	_, _ = cb.Call(ctx, failing)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpenAdmitsProbeAfterTimeout(t *testing.T) {
	cb, mock := newTestBreaker(t, Options{FailureThreshold: 1, Timeout: 5 * time.Second})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Call(ctx, succeeding)
	require.ErrorIs(t, err, ErrOpen)

	mock.Add(5 * time.Second)

	result, err := cb.Call(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb, mock := newTestBreaker(t, Options{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		HalfOpenMaxCalls: 3,
	})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	mock.Add(time.Second)

	_, err := cb.Call(ctx, succeeding)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Call(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Status()
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Successes)
	assert.Zero(t, st.HalfOpenCalls)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, mock := newTestBreaker(t, Options{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	mock.Add(time.Second)

	_, err := cb.Call(ctx, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	cb, mock := newTestBreaker(t, Options{
		FailureThreshold: 1,
		SuccessThreshold: 10, // keep the breaker half-open during the test
		Timeout:          time.Second,
		HalfOpenMaxCalls: 2,
	})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	mock.Add(time.Second)

	_, err := cb.Call(ctx, succeeding)
	require.NoError(t, err)
	_, err = cb.Call(ctx, succeeding)
	require.NoError(t, err)

	// Budget exhausted: next probe is rejected without invocation.
	invoked := false
	_, err = cb.Call(ctx, func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestResetForcesClosed(t *testing.T) {
	cb, _ := newTestBreaker(t, Options{FailureThreshold: 1})
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	_, err := cb.Call(ctx, succeeding)
	assert.NoError(t, err)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	reg := NewRegistry(nil)

	a := reg.Get("redis", Options{FailureThreshold: 1})
	b := reg.Get("redis", Options{FailureThreshold: 99})
	assert.Same(t, a, b)

	c := reg.Get("portal-api", Options{})
	assert.NotSame(t, a, c)
	assert.Len(t, reg.Status(), 2)
}

func TestRegistryReset(t *testing.T) {
	reg := NewRegistry(nil)
	cb := reg.Get("redis", Options{FailureThreshold: 1})

	_, _ = cb.Call(context.Background(), failing)
	require.Equal(t, StateOpen, cb.State())

	assert.True(t, reg.Reset("redis"))
	assert.Equal(t, StateClosed, cb.State())
	assert.False(t, reg.Reset("missing"))
}

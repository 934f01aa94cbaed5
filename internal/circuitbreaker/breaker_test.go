package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := New("test", 3, time.Minute)
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, b.IsOpen())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", 2, time.Minute)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.False(t, b.IsOpen())

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.True(t, b.IsOpen())

	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn should not be invoked while breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenAfterRecovery(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.True(t, b.IsOpen())

	time.Sleep(20 * time.Millisecond)

	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, b.IsOpen())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, b.IsOpen())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", 2, time.Minute)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	assert.False(t, b.IsOpen())
}

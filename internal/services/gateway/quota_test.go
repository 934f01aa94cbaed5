package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketQuota_AllowsWithinLimit(t *testing.T) {
	q := NewTokenBucketQuota(100)
	result, err := q.CheckAndConsume(context.Background(), "", "user-1", "", 10)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

func TestTokenBucketQuota_RejectsOverBurst(t *testing.T) {
	q := NewTokenBucketQuota(10)
	result, err := q.CheckAndConsume(context.Background(), "", "user-1", "", 50)
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestTokenBucketQuota_PerUserIsolation(t *testing.T) {
	q := NewTokenBucketQuota(5)
	a, err := q.CheckAndConsume(context.Background(), "", "user-a", "", 5)
	require.NoError(t, err)
	require.True(t, a.Allowed)

	b, err := q.CheckAndConsume(context.Background(), "", "user-b", "", 5)
	require.NoError(t, err)
	require.True(t, b.Allowed)
}

func TestNoopQuota_AlwaysAllows(t *testing.T) {
	q := NoopQuota{}
	result, err := q.CheckAndConsume(context.Background(), "", "user-1", "", 1_000_000)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

package ttlcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrCompute(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New[string, int](time.Second, WithClock[string, int](func() time.Time { return now }))

	var calls int
	fetch := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.GetOrCompute(context.Background(), "k", fetch)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)

	// fresh entry is served from cache
	v, err = c.GetOrCompute(context.Background(), "k", fetch)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)

	// expiry forces a recompute
	now = now.Add(time.Second)
	_, err = c.GetOrCompute(context.Background(), "k", fetch)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestComputeErrorNotCached(t *testing.T) {
	c := New[string, int](time.Minute)
	sentinel := errors.New("fetch failed")

	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		return 0, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, ok := c.Get("k")
	require.False(t, ok)

	v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestInvalidate(t *testing.T) {
	c := New[string, int](time.Minute)
	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	c.Invalidate("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}

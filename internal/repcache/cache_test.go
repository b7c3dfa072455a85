package repcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrFetch_SingleFlightCoalesces(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the flight open
		return 30, nil
	}

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
			assert.NoError(t, err)
			assert.Equal(t, uint64(30), value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent identical requests must share one fetch")
}

func TestGetOrFetch_HitWithinTTLSkipsUpstream(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		return 7, nil
	}

	for i := 0; i < 5; i++ {
		value, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), value)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetOrFetch_ExpiredEntryRefetchesOnce(t *testing.T) {
	c := New(30*time.Millisecond, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		return 7, nil
	}

	_, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "entry past TTL must trigger exactly one fresh call")
}

func TestGetOrFetch_DistinctKeysDoNotCoalesce(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		return 1, nil
	}

	_, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
	require.NoError(t, err)
	_, err = c.GetOrFetch(ctx, "0xc0", 2, "0xw0", fetch)
	require.NoError(t, err)
	_, err = c.GetOrFetch(ctx, "0xc1", 1, "0xw0", fetch)
	require.NoError(t, err)

	assert.Equal(t, int64(3), calls.Load())
}

func TestGetOrFetch_FailureNotCached(t *testing.T) {
	c := New(time.Hour, nil)
	ctx := context.Background()

	var calls atomic.Int64
	boom := errors.New("oracle down")
	fetch := func(ctx context.Context) (uint64, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 9, nil
	}

	_, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
	require.ErrorIs(t, err, boom)

	value, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), value)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetOrFetch_CancelledCallerStopsWaiting(t *testing.T) {
	c := New(time.Hour, nil)

	release := make(chan struct{})
	var calls atomic.Int64
	fetch := func(ctx context.Context) (uint64, error) {
		calls.Add(1)
		<-release
		return 5, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, "0xc0", 1, "0xw0", fetch)
		errCh <- err
	}()

	// Let the flight start, then abandon it.
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The flight itself keeps running and still populates the cache for a
	// later caller.
	close(release)
	time.Sleep(10 * time.Millisecond)
	value, err := c.GetOrFetch(context.Background(), "0xc0", 1, "0xw0", fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), value)
	assert.Equal(t, int64(1), calls.Load())
}

package metadatacache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iidesho/streamstore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetcher(calls *atomic.Int64) Fetcher {
	return func(ctx context.Context, streamID string) (store.StreamMetadata, error) {
		calls.Add(1)
		maxAge := 60
		return store.StreamMetadata{StreamID: streamID, MetadataStreamVersion: 0, MaxAge: &maxAge}, nil
	}
}

func TestHitWithinExpiry(t *testing.T) {
	var calls atomic.Int64
	now := time.Now()
	c := New(fetcher(&calls), time.Minute, 10, func() time.Time { return now })

	maxAge, ok, err := c.GetMaxAge(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, maxAge)
	_, _, err = c.GetMaxAge(context.Background(), "a")
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, c.Hits())
	assert.EqualValues(t, 1, c.Misses())
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	var calls atomic.Int64
	now := time.Now()
	c := New(fetcher(&calls), time.Minute, 10, func() time.Time { return now })

	_, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = c.Get(context.Background(), "a")
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 0, c.Hits())
	assert.Equal(t, 1, c.Count())
}

func TestEvictsOldestBeyondMaxSize(t *testing.T) {
	var calls atomic.Int64
	const maxSize = 5
	c := New(fetcher(&calls), time.Minute, maxSize, nil)
	ctx := context.Background()

	for i := 0; i <= maxSize; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("stream-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, maxSize, c.Count())

	hits := c.Hits()
	_, err := c.Get(ctx, "stream-0")
	require.NoError(t, err)
	assert.Equal(t, hits, c.Hits(), "evicted stream must be fetched again")
	assert.EqualValues(t, maxSize+2, calls.Load())
	assert.Equal(t, maxSize, c.Count())

	_, err = c.Get(ctx, fmt.Sprintf("stream-%d", maxSize))
	require.NoError(t, err)
	assert.Equal(t, hits+1, c.Hits())
}

func TestInvalidate(t *testing.T) {
	var calls atomic.Int64
	c := New(fetcher(&calls), time.Minute, 10, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	c.Invalidate("a")
	assert.Equal(t, 0, c.Count())
	_, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

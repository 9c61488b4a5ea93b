package metadatacache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	DefaultExpiry  = time.Minute
	DefaultMaxSize = 10000
)

// Fetcher reads the current metadata of a stream from the store.
type Fetcher func(ctx context.Context, streamID string) (store.StreamMetadata, error)

type entry struct {
	metadata store.StreamMetadata
	cachedAt time.Time
}

// Cache is a bounded map of stream retention settings with a fixed expiration window.
// Once full the oldest inserted stream is evicted first.
type Cache struct {
	fetch   Fetcher
	expiry  time.Duration
	maxSize int
	now     func() time.Time

	lock    sync.Mutex
	entries map[string]entry
	order   []string

	hits   atomic.Int64
	misses atomic.Int64
}

func New(fetch Fetcher, expiry time.Duration, maxSize int, now func() time.Time) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		fetch:   fetch,
		expiry:  expiry,
		maxSize: maxSize,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Get returns the retention settings of streamID, fetching them on a miss or when expired.
func (c *Cache) Get(ctx context.Context, streamID string) (store.StreamMetadata, error) {
	now := c.now()
	c.lock.Lock()
	e, ok := c.entries[streamID]
	c.lock.Unlock()
	if ok && now.Sub(e.cachedAt) < c.expiry {
		c.hits.Add(1)
		return e.metadata, nil
	}
	c.misses.Add(1)
	metadata, err := c.fetch(ctx, streamID)
	if err != nil {
		return store.StreamMetadata{}, err
	}
	c.put(streamID, entry{metadata: metadata, cachedAt: now})
	return metadata, nil
}

// GetMaxAge returns the max age of streamID and whether one is set.
func (c *Cache) GetMaxAge(ctx context.Context, streamID string) (time.Duration, bool, error) {
	metadata, err := c.Get(ctx, streamID)
	if err != nil {
		return 0, false, err
	}
	maxAge, ok := metadata.MaxAgeDuration()
	return maxAge, ok, nil
}

func (c *Cache) put(streamID string, e entry) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.entries[streamID]; !ok {
		c.order = append(c.order, streamID)
	}
	c.entries[streamID] = e
	for len(c.entries) > c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		log.Trace("evicted metadata", "stream", oldest)
	}
}

// Invalidate drops the cached value so the next Get fetches fresh metadata.
func (c *Cache) Invalidate(streamID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.entries[streamID]; !ok {
		return
	}
	delete(c.entries, streamID)
	for i, id := range c.order {
		if id == streamID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) Count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

func (c *Cache) Hits() int64 {
	return c.hits.Load()
}

func (c *Cache) Misses() int64 {
	return c.misses.Load()
}

package invoice

import (
	"context"
	"sync"
	"time"
)

// RateCache holds quotes for a bounded time. A miss is (Quote{}, false, nil).
type RateCache interface {
	Get(ctx context.Context, from, to string) (Quote, bool, error)
	Set(ctx context.Context, q Quote, ttl time.Duration) error
}

type cachedQuote struct {
	quote     Quote
	expiresAt time.Time
}

// MemoryRateCache is a process-local RateCache.
type MemoryRateCache struct {
	mu      sync.Mutex
	entries map[string]cachedQuote
	now     func() time.Time
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{
		entries: make(map[string]cachedQuote),
		now:     time.Now,
	}
}

func (c *MemoryRateCache) Get(_ context.Context, from, to string) (Quote, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := from + "/" + to
	entry, ok := c.entries[key]
	if !ok {
		return Quote{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return Quote{}, false, nil
	}
	return entry.quote, true, nil
}

func (c *MemoryRateCache) Set(_ context.Context, q Quote, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[q.From+"/"+q.To] = cachedQuote{quote: q, expiresAt: c.now().Add(ttl)}
	return nil
}

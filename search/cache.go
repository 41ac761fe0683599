package search

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoises successful searches for a fixed time.
type Cached struct {
	next  Searcher
	cache *expirable.LRU[string, []Result]
}

func NewCached(next Searcher, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []Result](size, nil, ttl),
	}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Search(ctx context.Context, query string) ([]Result, error) {
	key := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if hit, ok := c.cache.Get(key); ok {
		return hit, nil
	}
	results, err := c.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		c.cache.Add(key, results)
	}
	return results, nil
}

// Close releases the wrapped backend when it holds resources.
func (c *Cached) Close() error {
	if cl, ok := c.next.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

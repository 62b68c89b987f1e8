package deps

import (
	"sync"
	"time"
)

// FetchFunc retrieves the server-side blockedBy list for an issue.
type FetchFunc func(issue int) ([]int, error)

// BlockersCache memoizes server-side blocker fetches with a TTL. Entries
// are fetched lazily on first use and refetched after expiry; a fetch error
// serves the stale entry when one exists.
type BlockersCache struct {
	fetch FetchFunc
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[int]blockersEntry
}

type blockersEntry struct {
	blockers []int
	fetched  time.Time
}

// NewBlockersCache builds a cache over fetch with the given TTL.
func NewBlockersCache(fetch FetchFunc, ttl time.Duration) *BlockersCache {
	return &BlockersCache{
		fetch:   fetch,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int]blockersEntry),
	}
}

// Get returns the cached blocker list for issue, fetching on miss or
// expiry.
func (c *BlockersCache) Get(issue int) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[issue]
	if ok && c.now().Sub(e.fetched) < c.ttl {
		return e.blockers, nil
	}
	blockers, err := c.fetch(issue)
	if err != nil {
		if ok {
			return e.blockers, nil
		}
		return nil, err
	}
	c.entries[issue] = blockersEntry{blockers: blockers, fetched: c.now()}
	return blockers, nil
}

// Invalidate drops the cached entry for issue.
func (c *BlockersCache) Invalidate(issue int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, issue)
}

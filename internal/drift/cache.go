package drift

import "sync"

// embedCache memoises activity embeddings across analyses. Commit messages
// are keyed by hash, so re-analysing overlapping windows embeds only new
// activity. When full the cache resets wholesale and the next analysis
// refills it from the current window.
type embedCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]float32
}

func newEmbedCache(max int) *embedCache {
	if max <= 0 {
		max = 4096
	}
	return &embedCache{max: max, entries: make(map[string][]float32)}
}

func (c *embedCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[key]
	return vec, ok
}

func (c *embedCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = make(map[string][]float32, c.max)
	}
	c.entries[key] = vec
}

func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

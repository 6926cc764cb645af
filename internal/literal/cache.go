package literal

import (
	"fmt"
	"sync"

	"github.com/mitchellh/copystructure"
)

// Cache memoizes evaluated literal text. Records repeat the same small set of
// literals (flags, empty lists, status strings) many times over, so decoding
// a large repository evaluates each distinct text only once.
type Cache struct {
	mu      sync.Mutex
	entries map[string]any
	hits    int
	misses  int
}

// NewCache creates an empty literal cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]any)}
}

// Eval evaluates text, reusing a previous result when one exists. Container
// values are deep-copied on every call so callers may mutate what they get.
func (c *Cache) Eval(text string) (any, error) {
	c.mu.Lock()
	v, ok := c.entries[text]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		var err error
		v, err = Eval(text)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[text] = v
		c.mu.Unlock()
	}
	return copyValue(v)
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]any)
	c.hits, c.misses = 0, 0
}

// Stats reports cache hits and misses since the last Reset.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func copyValue(v any) (any, error) {
	switch v.(type) {
	case []any, map[string]any:
		cp, err := copystructure.Copy(v)
		if err != nil {
			return nil, fmt.Errorf("copy literal value: %w", err)
		}
		return cp, nil
	default:
		return v, nil
	}
}

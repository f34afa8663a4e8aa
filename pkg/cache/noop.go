package cache

import "time"

// noopCache satisfies the Cache interface but stores nothing. Used when a
// flow disables result caching.
type noopCache[V any] struct {
	stats *Statistics
}

// NewNoop returns a cache that never stores anything.
func NewNoop[V any]() Cache[V] {
	return &noopCache[V]{stats: NewStatistics()}
}

func (c *noopCache[V]) Get(_ string) (V, bool) {
	var zero V
	c.stats.Miss()
	return zero, false
}

func (c *noopCache[V]) Set(_ string, _ V) (bool, error) { return false, nil }

func (c *noopCache[V]) SetWithTTL(_ string, _ V, _ time.Duration) (bool, error) {
	return false, nil
}

func (c *noopCache[V]) Delete(_ string) (bool, error) { return false, nil }
func (c *noopCache[V]) Clear() error                  { return nil }
func (c *noopCache[V]) Size() int                     { return 0 }
func (c *noopCache[V]) Keys() []string                { return nil }
func (c *noopCache[V]) Stats() *Statistics            { return c.stats }
func (c *noopCache[V]) Close() error                  { return nil }

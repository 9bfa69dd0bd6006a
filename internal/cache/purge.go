package cache

import (
	"log/slog"
	"time"
)

// maybePurgeLocked starts a purge cycle when usage has reached the trigger
// size and no cycle is already running. The purge flag is set before the
// goroutine is spawned, so every caller observing state after this point sees
// the cache as unavailable.
func (c *Cache) maybePurgeLocked() {
	if c.purging || c.maxSize == 0 || c.triggerSize <= 0 {
		return
	}
	if c.index.size < c.triggerSize {
		return
	}
	c.purging = true
	c.purgeGate.Store(true)
	slog.Info("cache purge starting",
		"current_size", c.index.size,
		"trigger_size", c.triggerSize,
		"resize_target", c.resizeTarget)
	go c.purge()
}

// purge drains the deferred-deletion set and then evicts oldest-first until
// the cache shrinks to the resize target. It holds the engine lock for the
// whole loop; foreground calls take the purge-mode fallback instead of
// waiting. Purge mode is released unconditionally, even if the loop
// panicked, so the cache can never stay stuck unavailable.
func (c *Cache) purge() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cache purge failed", "panic", r)
		}
		c.mu.Lock()
		c.purging = false
		c.purgeGate.Store(c.maxSize == 0)
		c.mu.Unlock()
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.index.size

	// Files that resisted deletion earlier get another chance first.
	for key := range cloneKeys(c.pending) {
		c.removeLocked(key)
	}

	evicted := 0
	for elem := c.index.oldest(); elem != nil && c.index.size > c.resizeTarget; {
		prev := elem.Prev()
		if c.removeLocked(elem.Value.(*lruEntry).key) {
			evicted++
		}
		elem = prev
	}

	slog.Info("cache purge finished",
		"evicted", evicted,
		"freed", before-c.index.size,
		"current_size", c.index.size,
		"deferred", len(c.pending),
		"elapsed", time.Since(start))
}

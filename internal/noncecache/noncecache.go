// Package noncecache tracks which (network, nonce) pairs the verifier
// has already seen, so a replayed authorization is rejected before it
// ever reaches the chain adapter.
package noncecache

import (
	"sort"
	"sync"
	"time"
)

// softSizeCap is the point at which Record starts evicting the oldest
// half of entries instead of growing without bound. A nonce cache that
// is allowed to grow forever on an attacker-controlled input (the
// nonce is chosen by the payer) is a memory-exhaustion vector.
const softSizeCap = 10000

// Cache is a bounded, TTL-expiring set of seen nonces, keyed by
// network so the same nonce on two networks never collides.
type Cache struct {
	mu            sync.Mutex
	seenAt        map[string]time.Time
	ttl           time.Duration
	replayBlocked uint64
}

// New creates a Cache whose entries are considered stale after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		seenAt: make(map[string]time.Time),
		ttl:    ttl,
	}
}

func key(network, nonce string) string {
	return network + ":" + nonce
}

// Seen reports whether (network, nonce) has already been recorded and
// has not yet expired.
func (c *Cache) Seen(network, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(network, nonce)
	seenAt, ok := c.seenAt[k]
	if !ok {
		return false
	}
	if time.Now().After(seenAt.Add(c.ttl)) {
		delete(c.seenAt, k)
		return false
	}
	return true
}

// Record marks (network, nonce) as seen. It is not an error to record
// the same pair twice; callers are expected to check Seen first and
// treat a true result as a replay.
func (c *Cache) Record(network, nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seenAt[key(network, nonce)] = time.Now()
	if len(c.seenAt) > softSizeCap {
		c.evictOldestHalfLocked()
	}
}

// CheckAndRecord atomically checks Seen then Record, incrementing the
// replay counter on a hit. This is the method the verifier should use;
// Seen/Record exist separately only for tests and diagnostics.
func (c *Cache) CheckAndRecord(network, nonce string) (replay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(network, nonce)
	if seenAt, ok := c.seenAt[k]; ok {
		if time.Now().Before(seenAt.Add(c.ttl)) {
			c.replayBlocked++
			return true
		}
		delete(c.seenAt, k)
	}
	c.seenAt[k] = time.Now()
	if len(c.seenAt) > softSizeCap {
		c.evictOldestHalfLocked()
	}
	return false
}

// ReplayBlocked returns the number of times CheckAndRecord has
// detected a replay, for the x402_replay_attacks_blocked metric.
func (c *Cache) ReplayBlocked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replayBlocked
}

// Size returns the number of entries currently tracked, for the
// x402_nonce_cache_size metric.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seenAt)
}

// Sweep removes every expired entry. Intended to be run periodically
// from a background goroutine (see RunSweeper) rather than relying
// solely on lazy eviction inside Seen/Record.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, seenAt := range c.seenAt {
		if now.After(seenAt.Add(c.ttl)) {
			delete(c.seenAt, k)
		}
	}
}

// RunSweeper runs Sweep every interval until the returned stop
// function is called.
func (c *Cache) RunSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// evictOldestHalfLocked drops the oldest half of entries by seen time.
// Must be called with c.mu held.
func (c *Cache) evictOldestHalfLocked() {
	type entry struct {
		key    string
		seenAt time.Time
	}
	entries := make([]entry, 0, len(c.seenAt))
	for k, t := range c.seenAt {
		entries = append(entries, entry{k, t})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seenAt.Before(entries[j].seenAt) })
	for i := 0; i < len(entries)/2; i++ {
		delete(c.seenAt, entries[i].key)
	}
}

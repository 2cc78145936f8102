// Package settlementcache deduplicates /settle calls that carry the
// same authorization, so that concurrent or repeated requests for one
// authorization share a single settlement and its result.
package settlementcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/x402-go/x402/pkg/types"
)

// Cache caches settlement results keyed by the signed authorization's
// identity, and tracks requests that are currently in flight so later
// callers can await the first's result instead of re-submitting.
type Cache struct {
	mu       sync.Mutex
	results  map[string]*types.SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// New creates a Cache whose entries expire ttl after completion.
func New(ttl time.Duration) *Cache {
	return &Cache{
		results:  make(map[string]*types.SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// Key derives a cache key from the parts of payload that identify the
// authorization being settled, not from the bytes of whatever request
// envelope carried it. Two requests that decode to the same network,
// scheme, authorization, and signature dedupe even if the surrounding
// JSON differs in field order or whitespace.
func Key(payload types.PaymentPayload) string {
	auth := payload.Payload.Authorization
	h := sha256.New()
	for _, field := range []string{
		payload.Network,
		string(payload.Scheme),
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		payload.Payload.Signature,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Status reports the outcome of CheckAndMark.
type Status int

const (
	// StatusNotFound means no cached result and no in-flight request;
	// the caller now owns the in-flight slot and should settle.
	StatusNotFound Status = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another caller is currently settling this key.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and, if the key is neither
// cached nor in flight, marks it in flight on the caller's behalf.
func (c *Cache) CheckAndMark(key string) (Status, *types.SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.expiry[key]; ok {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, ok := c.inFlight[key]; ok {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until done closes or ctx is cancelled, then
// returns whatever result Complete cached for key (nil if Fail ran
// instead).
func (c *Cache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*types.SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached result for key, or nil if absent or expired.
func (c *Cache) Get(key string) (*types.SettleResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expiry[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil, nil
	}
	return c.results[key], nil
}

// Complete caches response under key, releases the in-flight slot, and
// wakes any waiters.
func (c *Cache) Complete(key string, response *types.SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)
}

// Fail releases the in-flight slot without caching a result, letting
// the next caller retry the settlement from scratch.
func (c *Cache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Sweep removes every expired entry. Like noncecache.Sweep, it exists
// so expiry doesn't depend solely on a Complete happening to land
// after the TTL passes — a facilitator with no settlement traffic for
// a while still wants its cache reclaimed.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}

// RunSweeper runs Sweep every interval until the returned stop
// function is called, mirroring noncecache.Cache.RunSweeper.
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

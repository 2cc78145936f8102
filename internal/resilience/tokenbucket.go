package resilience

import (
	"sync"
	"time"
)

// TokenBucket is a classic token-bucket rate limiter: it starts full
// and refills continuously at RefillRatePerSecond, capped at MaxTokens.
type TokenBucket struct {
	MaxTokens           float64
	RefillRatePerSecond float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(maxTokens, refillRatePerSecond float64) *TokenBucket {
	return &TokenBucket{
		MaxTokens:           maxTokens,
		RefillRatePerSecond: refillRatePerSecond,
		tokens:              maxTokens,
		lastRefill:          time.Now(),
	}
}

// TryConsume attempts to take n tokens without blocking, returning
// whether there were enough available.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// WaitAndConsume blocks, polling every 50ms, until n tokens are
// available or ctx's Done channel closes.
func (b *TokenBucket) WaitAndConsume(n float64, done <-chan struct{}) bool {
	const pollInterval = 50 * time.Millisecond
	for {
		if b.TryConsume(n) {
			return true
		}
		select {
		case <-time.After(pollInterval):
		case <-done:
			return false
		}
	}
}

// GetAvailableTokens returns the current token count after applying
// refill since the last operation, capped at MaxTokens.
func (b *TokenBucket) GetAvailableTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.RefillRatePerSecond
	if b.tokens > b.MaxTokens {
		b.tokens = b.MaxTokens
	}
	b.lastRefill = now
}

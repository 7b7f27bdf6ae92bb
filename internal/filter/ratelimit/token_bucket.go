package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const bucketIdleTTL = 10 * time.Minute

// TokenBucketConfig configures an in-memory token bucket
type TokenBucketConfig struct {
	Rate            float64 // tokens per second
	Burst           int     // bucket capacity
	CleanupInterval time.Duration
	Clock           clock.Clock
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket keeps one bucket per key in process memory. Idle buckets are
// dropped by a background sweep.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   int
	clock   clock.Clock

	ticker *clock.Ticker
	stopCh chan struct{}
	once   sync.Once
}

// NewTokenBucket creates a TokenBucket and starts its sweep
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.Rate)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	tb := &TokenBucket{
		buckets: make(map[string]*bucket),
		rate:    cfg.Rate,
		burst:   cfg.Burst,
		clock:   cfg.Clock,
		ticker:  cfg.Clock.Ticker(cfg.CleanupInterval),
		stopCh:  make(chan struct{}),
	}
	go tb.sweep()
	return tb
}

// Allow consumes one token from the bucket of key
func (tb *TokenBucket) Allow(_ context.Context, key string) (Decision, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(tb.burst), lastRefill: now}
		tb.buckets[key] = b
	}
	tb.refill(b, now)

	d := Decision{Limit: tb.burst}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
	}
	d.Remaining = int(b.tokens)
	return d, nil
}

func (tb *TokenBucket) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * tb.rate
	if b.tokens > float64(tb.burst) {
		b.tokens = float64(tb.burst)
	}
	b.lastRefill = now
}

// Len returns the number of tracked keys
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

func (tb *TokenBucket) sweep() {
	for {
		select {
		case <-tb.ticker.C:
			tb.removeIdle()
		case <-tb.stopCh:
			return
		}
	}
}

func (tb *TokenBucket) removeIdle() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	for key, b := range tb.buckets {
		if now.Sub(b.lastRefill) > bucketIdleTTL {
			delete(tb.buckets, key)
		}
	}
}

// Close stops the sweep
func (tb *TokenBucket) Close() error {
	tb.once.Do(func() {
		tb.ticker.Stop()
		close(tb.stopCh)
	})
	return nil
}

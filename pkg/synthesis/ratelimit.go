package synthesis

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// RateLimiter bounds synthesis throughput per namespace with token buckets,
// so one misbehaving namespace cannot starve the model budget for everyone.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	perHour int
	log     logr.Logger
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter allows at most perHour synthesis calls per namespace.
func NewRateLimiter(perHour int, log logr.Logger) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		perHour: perHour,
		log:     log,
	}
}

// Allow consumes one token for the namespace, or returns an error naming
// the wait time if the bucket is empty.
func (rl *RateLimiter) Allow(namespace string) error {
	rl.mu.Lock()
	bucket, ok := rl.buckets[namespace]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rl.perHour),
			capacity:   float64(rl.perHour),
			refillRate: float64(rl.perHour) / 3600.0,
			lastRefill: time.Now(),
		}
		rl.buckets[namespace] = bucket
	}
	rl.mu.Unlock()

	if !bucket.consume(1) {
		wait := bucket.timeUntil(1)
		rl.log.Info("synthesis rate limit exceeded",
			"namespace", namespace, "limitPerHour", rl.perHour, "retryIn", wait)
		return fmt.Errorf("synthesis rate limit exceeded for namespace %s: %d per hour (retry in %s)",
			namespace, rl.perHour, wait.Round(time.Second))
	}
	return nil
}

func (b *tokenBucket) consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *tokenBucket) refill() {
	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *tokenBucket) timeUntil(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.refillRate * float64(time.Second))
}

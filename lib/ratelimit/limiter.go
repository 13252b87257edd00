// Package ratelimit provides a token bucket rate limiter. It caps how
// often disruptive recovery actions, interface restarts in particular,
// may run.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. Tokens accrue at a fixed rate up to a
// burst capacity; each permitted action consumes one.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	lastTime time.Time

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// New creates a limiter that refills at rate tokens per second with the
// given burst capacity. The bucket starts full.
func New(rate float64, capacity int) *Limiter {
	l := &Limiter{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		now:      time.Now,
	}
	l.lastTime = l.now()
	return l
}

// Allow consumes one token if available and reports whether the action
// may proceed.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN consumes n tokens if all are available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	needed := float64(n)
	if l.tokens >= needed {
		l.tokens -= needed
		return true
	}
	return false
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// refill credits tokens for the time elapsed since the last call.
// Caller must hold the lock.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastTime = now
}

// KeyedLimiter maintains one Limiter per key, so each interface gets an
// independent restart budget. Idle buckets are dropped once they are
// back at capacity.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	capacity int
	cleanup  time.Duration
	stopCh   chan struct{}
}

// NewKeyed creates a per-key limiter. Buckets idle longer than the
// cleanup interval are reclaimed.
func NewKeyed(rate float64, capacity int, cleanup time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		capacity: capacity,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Allow consumes one token from the bucket for key, creating the bucket
// on first use.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	limiter, ok := kl.limiters[key]
	if !ok {
		limiter = New(kl.rate, kl.capacity)
		kl.limiters[key] = limiter
	}
	kl.mu.Unlock()

	return limiter.Allow()
}

// Close stops the background cleanup goroutine.
func (kl *KeyedLimiter) Close() {
	close(kl.stopCh)
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.C:
			kl.mu.Lock()
			now := time.Now()
			for key, limiter := range kl.limiters {
				limiter.mu.Lock()
				if now.Sub(limiter.lastTime) > kl.cleanup && limiter.tokens >= limiter.capacity {
					delete(kl.limiters, key)
				}
				limiter.mu.Unlock()
			}
			kl.mu.Unlock()
		}
	}
}

// Package ratelimit provides the per-identifier attempt limiter consulted
// before any credential check, so a limited caller learns nothing about
// credential validity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKey is a token-bucket limiter keyed by identifier. Buckets refill at
// max events per window; idle buckets are pruned on access.
type PerKey struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	window  time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewPerKey allows max events per key inside a rolling window.
func NewPerKey(max int, window time.Duration) *PerKey {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &PerKey{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		window:  window,
	}
}

// Allow reports whether an event for key may proceed at now.
func (p *PerKey) Allow(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune(now)
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// prune drops buckets idle for longer than a full window; by then they have
// refilled completely and carry no state worth keeping.
func (p *PerKey) prune(now time.Time) {
	for k, b := range p.buckets {
		if now.Sub(b.lastSeen) > p.window {
			delete(p.buckets, k)
		}
	}
}

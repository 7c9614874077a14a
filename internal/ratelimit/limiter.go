// Package ratelimit throttles outbound submit/poll calls per provider
// host, so a burst of queue triggers doesn't itself draw a provider's own
// rate limiting.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per host, created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New builds a Limiter that allows rps requests per second per host, with
// burst allowed to queue instantaneously. rps <= 0 disables limiting.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Wait blocks until host's bucket has a token available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l.rps <= 0 {
		return nil
	}
	return l.bucketFor(host).Wait(ctx)
}

func (l *Limiter) bucketFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[host] = b
	}
	return b
}

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per oracle endpoint (colony address) so a
// burst of gate lookups against one colony drains into a steady outbound
// rate without failing requests. Buckets are created on first use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	perSecond rate.Limit
	burst     int
}

func New(perSecond float64, burst int) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (l *Limiter) bucket(endpoint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, exists := l.buckets[endpoint]; exists {
		return bucket
	}
	bucket := rate.NewLimiter(l.perSecond, l.burst)
	l.buckets[endpoint] = bucket
	return bucket
}

// Wait blocks until a token for the endpoint is available or ctx is
// cancelled. It never drops a request.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	return l.bucket(endpoint).Wait(ctx)
}

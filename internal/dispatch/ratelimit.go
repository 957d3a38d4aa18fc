package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// destinationLimiter keeps one token bucket per destination.
type destinationLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

func newDestinationLimiter(r rate.Limit, burst int) *destinationLimiter {
	if burst < 1 {
		burst = 1
	}
	return &destinationLimiter{rate: r, burst: burst}
}

func (d *destinationLimiter) getLimiter(id uuid.UUID) *rate.Limiter {
	if limiter, ok := d.limiters.Load(id); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := d.limiters.LoadOrStore(id, rate.NewLimiter(d.rate, d.burst))
	return limiter.(*rate.Limiter)
}

// Wait blocks until the destination may be called or ctx expires.
func (d *destinationLimiter) Wait(ctx context.Context, id uuid.UUID) error {
	if d == nil || d.rate <= 0 {
		return nil
	}
	return d.getLimiter(id).Wait(ctx)
}

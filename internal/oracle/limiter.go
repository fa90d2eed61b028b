package oracle

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds oracle traffic across every session sharing a client.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter allows maxInFlight concurrent calls and, when rps > 0, at most
// rps calls per second.
func NewLimiter(maxInFlight int, rps float64) *Limiter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	l := &Limiter{sem: semaphore.NewWeighted(int64(maxInFlight))}
	if rps > 0 {
		l.rate = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return l
}

// Acquire blocks until a call may start. The returned func must be called
// once the call finishes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

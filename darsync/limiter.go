package darsync

import (
	"context"
	"sync"
	"time"
)

// Limiter serializes outbound ledger queries and enforces a minimum interval
// between dispatches. The state ledger throttles aggressively, so every
// caller funnels through one Limiter: effective network concurrency toward
// the ledger is always one in flight.
//
// Callers block in arrival order and none are dropped. The clock and sleep
// functions are injectable so tests can run on virtual time.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewLimiter(interval time.Duration) *Limiter {
	return NewLimiterWithClock(interval, time.Now, sleepContext)
}

func NewLimiterWithClock(interval time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) *Limiter {
	return &Limiter{
		interval: interval,
		now:      now,
		sleep:    sleep,
	}
}

// Wait blocks until at least the configured interval has elapsed since the
// previous dispatch, then records this dispatch. Returns the context error if
// the caller is cancelled while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.last.IsZero() && l.interval > 0 {
		if wait := l.interval - now.Sub(l.last); wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			now = l.now()
		}
	}
	l.last = now
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

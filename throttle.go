package fleetagent

import (
	"context"
	"sync"
	"time"
)

// ActionThrottle enforces a fleet-wide minimum interval between occurrences
// of one sensitive action class. Workers run concurrently, but whichever
// worker arrives first claims the slot and later arrivals sleep out the
// remainder before proceeding.
type ActionThrottle struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewActionThrottle builds a throttle with the given minimum spacing.
// A non-positive interval disables throttling.
func NewActionThrottle(minInterval time.Duration) *ActionThrottle {
	return &ActionThrottle{
		minInterval: minInterval,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Wait blocks until at least minInterval has elapsed since the previous
// throttled action anywhere in the fleet, then stamps the shared timestamp.
// The mutex is held across the sleep so concurrent callers queue up and keep
// the pairwise spacing, not just spacing from the first stamp.
func (t *ActionThrottle) Wait(ctx context.Context) error {
	if t == nil || t.minInterval <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() {
		if remaining := t.minInterval - t.now().Sub(t.last); remaining > 0 {
			if err := t.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	t.last = t.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

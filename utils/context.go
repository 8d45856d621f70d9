package utils

import (
	"context"
	"time"
)

// ContextSleep waits for d or until ctx is done. It reports false if ctx was
// canceled before the timer fired.
func ContextSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

// SleepUntilDeadline is the same as ContextSleep, but never sleeps past the ctx deadline.
// It reports false when there is no time left to do another iteration.
func SleepUntilDeadline(ctx context.Context, d time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			ContextSleep(ctx, left)
			return false
		}
	}
	return ContextSleep(ctx, d) && ctx.Err() == nil
}

package utils

import (
	"context"
	"time"
)

// ContextSleep blocks for d or until ctx is done, whichever comes first. It
// returns the wake-up time, or nil when the context won the race.
func ContextSleep(ctx context.Context, d time.Duration) *time.Time {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case t := <-timer.C:
		return &t
	case <-ctx.Done():
		return nil
	}
}

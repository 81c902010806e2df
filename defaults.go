package flashguard

import (
	"context"
	"time"
)

const (
	defaultTTL          = 30 * time.Minute
	defaultNullTTL      = 2 * time.Minute
	defaultLockTTL      = 10 * time.Second
	defaultMutexRetries = 20
	defaultMutexBackoff = 50 * time.Millisecond
	defaultPoolWorkers  = 10
	defaultPoolQueue    = 1024
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

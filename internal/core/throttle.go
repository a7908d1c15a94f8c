package core

import (
	"context"
	"math/rand/v2"
	"time"
)

// Throttle paces calls into the automation client.
type Throttle interface {
	// BetweenTargets runs after every target except the last one of a task.
	BetweenTargets(ctx context.Context) error
	// AfterAction runs after each successful reply.
	AfterAction(ctx context.Context) error
}

// JitterThrottle sleeps a uniformly random duration within configured bounds.
type JitterThrottle struct {
	TargetMin, TargetMax time.Duration
	ActionMin, ActionMax time.Duration
}

func (j JitterThrottle) BetweenTargets(ctx context.Context) error {
	return sleepCtx(ctx, jitter(j.TargetMin, j.TargetMax))
}

func (j JitterThrottle) AfterAction(ctx context.Context) error {
	return sleepCtx(ctx, jitter(j.ActionMin, j.ActionMax))
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoThrottle never waits.
type NoThrottle struct{}

func (NoThrottle) BetweenTargets(ctx context.Context) error { return ctx.Err() }
func (NoThrottle) AfterAction(ctx context.Context) error    { return ctx.Err() }

package reflow

import (
	"context"
	"time"
)

// SleepMethod returns a MethodFunc that waits for the given duration
// before passing its input through unchanged.
//
// It is context-aware: if the context is cancelled during the sleep, it
// returns ctx.Err and the method fails.
func SleepMethod(d time.Duration) MethodFunc {
	return func(ctx context.Context, input any, _ State) (any, error) {
		if d <= 0 {
			return input, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return input, nil
		}
	}
}

// PassMethod returns a MethodFunc that returns its input unchanged.
// Useful as a join point for compound conditions.
func PassMethod() MethodFunc {
	return func(_ context.Context, input any, _ State) (any, error) {
		return input, nil
	}
}

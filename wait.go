package asynctcp

import (
	"context"
	"fmt"

	"github.com/esphome/asynctcp/lwip"
)

// lockContext takes the core lock, yielding to the stack between attempts.
// It gives up with ErrCoreLocked when ctx ends, which is what a caller
// running inside a stack callback will always see.
func lockContext(ctx context.Context, stack lwip.Stack) error {
	for !stack.TryLock() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCoreLocked, err)
		}
		stack.Yield()
	}
	return nil
}

// waitFor evaluates cond under the core lock until it holds, yielding to the
// stack in between.
func waitFor(ctx context.Context, stack lwip.Stack, cond func() bool) error {
	for {
		if err := lockContext(ctx, stack); err != nil {
			return err
		}
		done := cond()
		stack.Unlock()
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stack.Yield()
	}
}

// withLock runs fn under the core lock taken with lockContext.
func withLock(ctx context.Context, stack lwip.Stack, fn func()) error {
	if err := lockContext(ctx, stack); err != nil {
		return err
	}
	defer stack.Unlock()
	fn()
	return nil
}

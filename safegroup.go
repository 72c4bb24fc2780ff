package fleetagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
//
// The returned SafeGroup:
// - shares a derived context across goroutines (canceled on parent cancellation or first non-nil error),
// - can restart goroutines on panic via GoSafe,
// - can wait with interruption semantics via WaitOrInterrupt.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := ctx
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: parent}
}

// SafeGroup is an errgroup.Group with safer defaults for long-running workers.
type SafeGroup struct {
	*errgroup.Group
	// ctx is the errgroup-derived context (canceled on parent cancellation or first non-nil error).
	ctx context.Context
	// parent is the caller-provided context (typically signal.NotifyContext).
	// WaitOrInterrupt uses this so "errgroup canceled because a worker returned
	// an error" is preserved as a real error rather than being normalized into
	// context.Canceled.
	parent context.Context
}

// GoSafe runs fn in an errgroup goroutine, logs panics to stderr, and restarts
// the goroutine with exponential backoff.
//
// Panics are treated as recoverable: they will not cancel sibling goroutines.
// Returned errors preserve errgroup semantics. Context cancellation stops the
// restart loop so Wait() can return promptly.
//
// We intentionally avoid structured logging here: panics may be caused by the
// logger itself, so printing to stderr is the safest fallback.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if sg.ctx != nil {
				select {
				case <-sg.ctx.Done():
					return nil
				default:
				}
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()

			if !panicked {
				return err
			}

			fmt.Fprintf(os.Stderr, "[fleetagent] worker %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			timer := time.NewTimer(backoff)
			select {
			case <-sg.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for all goroutines, returning early when the parent
// context is canceled (e.g. a shutdown signal).
func (sg *SafeGroup) WaitOrInterrupt() error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- sg.Group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-sg.parent.Done():
		err := sg.parent.Err()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Package wait implements the poll-with-timeout primitive every workflow uses to block
// on an asynchronous hardware effect: a boot marker on the console, a device showing up,
// a link reaching its final training state.
package wait

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fpgalab/bringup/pkg/errors"
)

// Condition reports nil once satisfied. Any other error is the observed reason it is
// not satisfied yet and is kept for the DeadlineError. Wrap an error with Stop to end
// polling immediately.
type Condition func(ctx context.Context) error

// Stop marks err as final: Until returns it without further polling.
func Stop(err error) error {
	return backoff.Permanent(err)
}

// Until evaluates cond immediately and then every interval until it returns nil or
// timeout elapses. On timeout it returns a *errors.DeadlineError carrying the last
// observed failure.
func Until(ctx context.Context, what string, timeout, interval time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = time.Second
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		attempts int
		last     error
	)
	op := func() error {
		attempts++
		err := cond(pollCtx)
		if err != nil && pollCtx.Err() == nil {
			last = err
		}
		return err
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx)
	err := backoff.Retry(op, b)
	if err == nil {
		slog.Debug("wait_satisfied", "what", what, "attempts", attempts)
		return nil
	}

	// Caller cancellation wins over our own deadline.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if pollCtx.Err() == nil {
		// cond asked to stop
		return err
	}

	slog.Warn("wait_deadline_exceeded", "what", what, "timeout", timeout, "attempts", attempts, "last", last)
	return &errors.DeadlineError{
		What:         what,
		Timeout:      timeout,
		Attempts:     attempts,
		LastObserved: last,
	}
}

// Sleep pauses for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

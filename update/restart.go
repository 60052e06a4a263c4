package update

import (
	"context"
	"time"
)

// DefaultRestartDelay lets the final progress event flush before the device
// goes down.
const DefaultRestartDelay = time.Second

// RestartAction is the deferred device restart issued by a completed
// session. The engine never restarts anything itself; the host runs the
// action once the response to the final chunk is on its way.
type RestartAction struct {
	SessionID string
	Kind      Kind
	// Partition to boot, or -1 to reboot into the running image.
	Partition int
	Delay     time.Duration
}

// Restarter performs the irreversible restart.
type Restarter interface {
	Restart(ctx context.Context, a RestartAction) error
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func(ctx context.Context, a RestartAction) error

// Restart implements Restarter.
func (f RestartFunc) Restart(ctx context.Context, a RestartAction) error { return f(ctx, a) }

// Run waits out the delay and restarts. Cancelling ctx before the delay
// elapses drops the restart; that only happens when the host itself is
// shutting down.
func (a RestartAction) Run(ctx context.Context, r Restarter) error {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return r.Restart(ctx, a)
}

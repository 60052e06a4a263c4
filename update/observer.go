package update

import "time"

// Observer receives session lifecycle notifications, typically for metrics.
// Calls happen under the engine lock and must not block.
type Observer interface {
	SessionStarted(kind Kind)
	BytesWritten(kind Kind, n int)
	SessionCompleted(kind Kind, elapsed time.Duration)
	SessionFailed(kind Kind, reason string, elapsed time.Duration)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) SessionStarted(Kind)                       {}
func (NopObserver) BytesWritten(Kind, int)                    {}
func (NopObserver) SessionCompleted(Kind, time.Duration)      {}
func (NopObserver) SessionFailed(Kind, string, time.Duration) {}

// Observers fans notifications out to each observer in order.
type Observers []Observer

func (o Observers) SessionStarted(kind Kind) {
	for _, ob := range o {
		ob.SessionStarted(kind)
	}
}

func (o Observers) BytesWritten(kind Kind, n int) {
	for _, ob := range o {
		ob.BytesWritten(kind, n)
	}
}

func (o Observers) SessionCompleted(kind Kind, elapsed time.Duration) {
	for _, ob := range o {
		ob.SessionCompleted(kind, elapsed)
	}
}

func (o Observers) SessionFailed(kind Kind, reason string, elapsed time.Duration) {
	for _, ob := range o {
		ob.SessionFailed(kind, reason, elapsed)
	}
}

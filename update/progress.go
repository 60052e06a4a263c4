package update

import (
	"encoding/json"
	"log/slog"
	"time"
)

// ProgressInterval is the minimum spacing between two throttled progress
// events.
const ProgressInterval = 100 * time.Millisecond

// Event types.
const (
	EventProgress = "progress"
	EventError    = "error"
)

// Channel is a best-effort broadcast transport. Broadcast must not block on
// slow subscribers.
type Channel interface {
	Broadcast(msg []byte)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(msg []byte)

// Broadcast implements Channel.
func (f ChannelFunc) Broadcast(msg []byte) { f(msg) }

// Event is a progress or failure notification for one session.
type Event struct {
	Type      string  `json:"type"`
	Progress  float64 `json:"progress"`
	Current   uint64  `json:"current"`
	Total     uint64  `json:"total"`
	Speed     float64 `json:"speed"`
	SpeedText string  `json:"speedText"`
	Kind      Kind    `json:"kind"`
	Reason    string  `json:"reason,omitempty"`
	SessionID string  `json:"session,omitempty"`
}

// MarshalJSON keeps error events down to the fields consumers act on.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventError {
		return json.Marshal(struct {
			Type      string `json:"type"`
			Reason    string `json:"reason"`
			Kind      Kind   `json:"kind"`
			SessionID string `json:"session,omitempty"`
		}{e.Type, e.Reason, e.Kind, e.SessionID})
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Percentage returns written as a share of total in [0, 100]. A zero total
// yields 0.
func Percentage(written, total uint64) float64 {
	if total == 0 {
		return 0
	}
	p := float64(written) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Broadcaster emits session events through a Channel, at most once per
// ProgressInterval for throttled progress. Final and failure events bypass
// the throttle. Progress within one session never goes backwards.
type Broadcaster struct {
	ch       Channel
	log      *slog.Logger
	interval time.Duration

	last    time.Time
	sent    bool
	lastPct float64
}

// NewBroadcaster returns a Broadcaster writing to ch. A nil ch discards
// events.
func NewBroadcaster(ch Channel, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{ch: ch, log: log, interval: ProgressInterval}
}

// Reset forgets throttle and clamp state for a new session.
func (b *Broadcaster) Reset() {
	b.last = time.Time{}
	b.sent = false
	b.lastPct = 0
}

// Progress emits ev unless the previous event went out less than
// ProgressInterval before now. It reports whether ev was emitted.
func (b *Broadcaster) Progress(now time.Time, ev Event) bool {
	if b.sent && now.Sub(b.last) < b.interval {
		return false
	}
	b.emit(now, ev)
	return true
}

// Final emits ev regardless of the throttle window.
func (b *Broadcaster) Final(now time.Time, ev Event) {
	b.emit(now, ev)
}

// Failure emits an error event regardless of the throttle window.
func (b *Broadcaster) Failure(now time.Time, ev Event) {
	ev.Type = EventError
	b.emit(now, ev)
}

func (b *Broadcaster) emit(now time.Time, ev Event) {
	if ev.Type == "" {
		ev.Type = EventProgress
	}
	if ev.Type == EventProgress {
		if ev.Progress < b.lastPct {
			ev.Progress = b.lastPct
		}
		if ev.Progress > 100 {
			ev.Progress = 100
		}
		b.lastPct = ev.Progress
	}
	b.last = now
	b.sent = true
	if b.ch == nil {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("ota:event-encode-failed", slog.String("err", err.Error()))
		return
	}
	b.ch.Broadcast(msg)
}

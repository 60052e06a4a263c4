// Package telemetry keeps a bounded in-memory log of recent records and
// exports logs, metrics and spans to an OpenTelemetry collector as OTLP/JSON.
// Its queues are fixed-size and it works under TinyGo.
package telemetry

import (
	"sync"
	"time"
)

// Log severity levels (OTLP standard)
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// DefaultCapacity is the size of the package-level ring.
const DefaultCapacity = 64

// MaxMessageLen truncates stored messages.
const MaxMessageLen = 128

// Entry is a single log record.
type Entry struct {
	Time     time.Time `json:"time"`
	Severity uint8     `json:"severity"`
	Level    string    `json:"level"`
	Message  string    `json:"msg"`
}

// SeverityText returns the OTLP severity text for sev.
func SeverityText(sev uint8) string {
	switch {
	case sev >= SeverityError:
		return "ERROR"
	case sev >= SeverityWarn:
		return "WARN"
	case sev >= SeverityInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// Ring is a circular queue of entries; when full the oldest is overwritten.
type Ring struct {
	mu          sync.Mutex
	entries     []Entry
	head, count int
	overwritten uint64
	paused      bool
	now         func() time.Time
}

// NewRing returns a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity), now: time.Now}
}

// Add records msg with the given severity.
func (r *Ring) Add(severity uint8, msg string) {
	if len(msg) > MaxMessageLen {
		msg = msg[:MaxMessageLen]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}

	idx := (r.head + r.count) % len(r.entries)
	if r.count == len(r.entries) {
		r.head = (r.head + 1) % len(r.entries)
		r.overwritten++
	} else {
		r.count++
	}
	r.entries[idx] = Entry{
		Time:     r.now(),
		Severity: severity,
		Level:    SeverityText(severity),
		Message:  msg,
	}
}

// Recent returns up to n entries, oldest first. n <= 0 returns all of them.
func (r *Ring) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Entry, n)
	start := r.head + r.count - n
	for i := range out {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Overwritten returns how many entries were lost to wrap-around.
func (r *Ring) Overwritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwritten
}

// Pause stops recording, e.g. while a flash write holds the bus.
func (r *Ring) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume restarts recording after Pause.
func (r *Ring) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Reset drops every entry.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.count, r.overwritten = 0, 0, 0
	clear(r.entries)
	r.mu.Unlock()
}

var defaultRing = NewRing(DefaultCapacity)

// Default returns the package-level ring.
func Default() *Ring { return defaultRing }

// Log queues a log entry on the package-level ring.
func Log(severity uint8, msg string) { defaultRing.Add(severity, msg) }

// Recent returns up to n entries of the package-level ring.
func Recent(n int) []Entry { return defaultRing.Recent(n) }

package telemetry

import (
	"sync"
	"time"

	"openenterprise/otaengine/update"
)

// SessionObserver traces update sessions on an Exporter: one span per
// session, named "ota.<kind>", plus cumulative counters per kind.
type SessionObserver struct {
	exp *Exporter

	mu     sync.Mutex
	span   int
	totals map[update.Kind]*kindTotals
}

type kindTotals struct {
	bytes, completed, failures int64
}

var _ update.Observer = (*SessionObserver)(nil)

// NewSessionObserver returns an observer recording into e.
func NewSessionObserver(e *Exporter) *SessionObserver {
	return &SessionObserver{exp: e, span: -1, totals: make(map[update.Kind]*kindTotals)}
}

func (o *SessionObserver) kind(k update.Kind) *kindTotals {
	t, ok := o.totals[k]
	if !ok {
		t = &kindTotals{}
		o.totals[k] = t
	}
	return t
}

func (o *SessionObserver) SessionStarted(kind update.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exp.NewTrace()
	o.span = o.exp.StartSpan("ota."+kind.String(), SpanKindServer)
}

func (o *SessionObserver) BytesWritten(kind update.Kind, n int) {
	o.mu.Lock()
	o.kind(kind).bytes += int64(n)
	o.mu.Unlock()
}

func (o *SessionObserver) SessionCompleted(kind update.Kind, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.kind(kind)
	t.completed++
	o.end(true, "completed")

	prefix := "ota." + kind.String()
	o.exp.RecordCounter(prefix+".bytes", t.bytes)
	o.exp.RecordCounter(prefix+".completed", t.completed)
	o.exp.RecordGauge(prefix+".duration_ms", elapsed.Milliseconds())
}

func (o *SessionObserver) SessionFailed(kind update.Kind, reason string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.kind(kind)
	t.failures++
	o.end(false, reason)

	prefix := "ota." + kind.String()
	o.exp.RecordCounter(prefix+".bytes", t.bytes)
	o.exp.RecordCounter(prefix+".failures", t.failures)
	o.exp.RecordGauge(prefix+".duration_ms", elapsed.Milliseconds())
}

func (o *SessionObserver) end(ok bool, status string) {
	if o.span < 0 {
		return
	}
	o.exp.SetSpanStatus(o.span, status)
	o.exp.EndSpan(o.span, ok)
	o.span = -1
}

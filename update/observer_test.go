package update

import (
	"testing"
	"time"
)

type countingObserver struct {
	started, completed, failed int
	bytes                      int
	reason                     string
}

func (o *countingObserver) SessionStarted(Kind)                  { o.started++ }
func (o *countingObserver) BytesWritten(_ Kind, n int)           { o.bytes += n }
func (o *countingObserver) SessionCompleted(Kind, time.Duration) { o.completed++ }
func (o *countingObserver) SessionFailed(_ Kind, reason string, _ time.Duration) {
	o.failed++
	o.reason = reason
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	obs := Observers{a, NopObserver{}, b}

	obs.SessionStarted(KindCode)
	obs.BytesWritten(KindCode, 10)
	obs.BytesWritten(KindCode, 5)
	obs.SessionCompleted(KindCode, time.Second)
	obs.SessionStarted(KindFilesystem)
	obs.SessionFailed(KindFilesystem, "timeout", time.Second)

	for i, o := range []*countingObserver{a, b} {
		if o.started != 2 || o.bytes != 15 || o.completed != 1 || o.failed != 1 || o.reason != "timeout" {
			t.Errorf("observer %d = %+v", i, *o)
		}
	}
}

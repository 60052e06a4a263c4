package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"openenterprise/otaengine/update"
)

func TestObserver_Lifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)

	o.SessionStarted(update.KindCode)
	o.BytesWritten(update.KindCode, 4096)
	o.BytesWritten(update.KindCode, 100)
	o.SessionCompleted(update.KindCode, 3*time.Second)

	o.SessionStarted(update.KindFilesystem)
	o.SessionFailed(update.KindFilesystem, update.ReasonWriteError, time.Second)

	if got := testutil.ToFloat64(o.bytes.WithLabelValues("firmware")); got != 4196 {
		t.Errorf("bytes = %v, want 4196", got)
	}
	if got := testutil.ToFloat64(o.active.WithLabelValues("firmware")); got != 0 {
		t.Errorf("active firmware = %v, want 0", got)
	}
	if got := testutil.ToFloat64(o.failed.WithLabelValues("filesystem", "write_error")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}

	want := `
# HELP ota_sessions_completed_total Update sessions that committed an image
# TYPE ota_sessions_completed_total counter
ota_sessions_completed_total{kind="firmware"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "ota_sessions_completed_total"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(o.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestObserver_WithEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)
	e := update.NewEngine(update.Options{
		CodeSink: func() (update.Sink, error) { return update.NewFileSink(t.TempDir()+"/img", 0, nil), nil },
		Observer: o,
	})
	if _, err := e.HandleFirmwareChunk(update.Chunk{Offset: 0, Total: 3, Data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleFirmwareChunk(update.Chunk{Offset: 3, Final: true}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(o.completed.WithLabelValues("firmware")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.started.WithLabelValues("firmware")); got != 1 {
		t.Errorf("started = %v, want 1", got)
	}
}

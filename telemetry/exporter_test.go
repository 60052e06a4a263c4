package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePoster records payloads. When block is set, Post signals started and
// waits for block to close.
type fakePoster struct {
	mu      sync.Mutex
	posts   []post
	err     error
	block   chan struct{}
	started chan struct{}
}

type post struct {
	path string
	body []byte
}

func (p *fakePoster) Post(ctx context.Context, path string, body []byte) error {
	if p.block != nil {
		p.started <- struct{}{}
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post{path, append([]byte(nil), body...)})
	return p.err
}

func (p *fakePoster) bodies(path string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, q := range p.posts {
		if q.path == path {
			out = append(out, q.body)
		}
	}
	return out
}

func newTestExporter(t *testing.T) (*Exporter, *fakePoster) {
	t.Helper()
	var n uint32
	e := NewExporter(ExporterConfig{
		ServiceName: "ota-test",
		HostName:    "test-host",
		Rand:        func() uint32 { n++; return n },
		Now:         func() time.Time { return time.Unix(1769000000, 0) },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	p := &fakePoster{}
	e.Start(p)
	return e, p
}

// OTLP/JSON shapes, decoded with encoding/json to check the hand-written encoder.
type otlpDoc struct {
	ResourceLogs []struct {
		Resource  otlpResource `json:"resource"`
		ScopeLogs []struct {
			LogRecords []otlpLog `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
	ResourceMetrics []struct {
		ScopeMetrics []struct {
			Metrics []otlpMetric `json:"metrics"`
		} `json:"scopeMetrics"`
	} `json:"resourceMetrics"`
	ResourceSpans []struct {
		ScopeSpans []struct {
			Spans []otlpSpan `json:"spans"`
		} `json:"scopeSpans"`
	} `json:"resourceSpans"`
}

type otlpResource struct {
	Attributes []struct {
		Key   string `json:"key"`
		Value struct {
			StringValue string `json:"stringValue"`
		} `json:"value"`
	} `json:"attributes"`
}

type otlpLog struct {
	TimeUnixNano   string `json:"timeUnixNano"`
	SeverityNumber int    `json:"severityNumber"`
	SeverityText   string `json:"severityText"`
	Body           struct {
		StringValue string `json:"stringValue"`
	} `json:"body"`
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`
}

type otlpPoint struct {
	AsInt string `json:"asInt"`
}

type otlpMetric struct {
	Name  string `json:"name"`
	Gauge *struct {
		DataPoints []otlpPoint `json:"dataPoints"`
	} `json:"gauge"`
	Sum *struct {
		DataPoints             []otlpPoint `json:"dataPoints"`
		AggregationTemporality int         `json:"aggregationTemporality"`
		IsMonotonic            bool        `json:"isMonotonic"`
	} `json:"sum"`
}

type otlpSpan struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId"`
	Name         string `json:"name"`
	Kind         int    `json:"kind"`
	Status       struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

func decode(t *testing.T, body []byte) otlpDoc {
	t.Helper()
	var doc otlpDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, body)
	}
	return doc
}

func logsOf(t *testing.T, body []byte) []otlpLog {
	t.Helper()
	doc := decode(t, body)
	if len(doc.ResourceLogs) != 1 || len(doc.ResourceLogs[0].ScopeLogs) != 1 {
		t.Fatalf("unexpected logs layout: %s", body)
	}
	return doc.ResourceLogs[0].ScopeLogs[0].LogRecords
}

func metricsOf(t *testing.T, body []byte) []otlpMetric {
	t.Helper()
	doc := decode(t, body)
	if len(doc.ResourceMetrics) != 1 || len(doc.ResourceMetrics[0].ScopeMetrics) != 1 {
		t.Fatalf("unexpected metrics layout: %s", body)
	}
	return doc.ResourceMetrics[0].ScopeMetrics[0].Metrics
}

func spansOf(t *testing.T, body []byte) []otlpSpan {
	t.Helper()
	doc := decode(t, body)
	if len(doc.ResourceSpans) != 1 || len(doc.ResourceSpans[0].ScopeSpans) != 1 {
		t.Fatalf("unexpected spans layout: %s", body)
	}
	return doc.ResourceSpans[0].ScopeSpans[0].Spans
}

func TestExporter_DisabledUntilStart(t *testing.T) {
	e := NewExporter(ExporterConfig{})
	e.Log(SeverityInfo, "dropped")
	e.RecordGauge("g", 1)
	if idx := e.StartSpan("s", SpanKindInternal); idx != -1 {
		t.Errorf("StartSpan = %d, want -1", idx)
	}
	st := e.Stats()
	if st.Enabled || st.QueuedLogs != 0 || st.QueuedMetrics != 0 {
		t.Errorf("stats = %+v", st)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush = %v", err)
	}
}

func TestExporter_LogQueueWraps(t *testing.T) {
	e, p := newTestExporter(t)
	for i := 0; i < 12; i++ {
		e.Log(SeverityWarn, fmt.Sprintf("m%d", i))
	}
	if n := e.Stats().QueuedLogs; n != LogQueueLen {
		t.Fatalf("queued = %d, want %d", n, LogQueueLen)
	}

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	bodies := p.bodies(PathLogs)
	if len(bodies) != 1 {
		t.Fatalf("posts = %d, want 1", len(bodies))
	}
	doc := decode(t, bodies[0])
	attrs := map[string]string{}
	for _, a := range doc.ResourceLogs[0].Resource.Attributes {
		attrs[a.Key] = a.Value.StringValue
	}
	if attrs["service.name"] != "ota-test" || attrs["host.name"] != "test-host" {
		t.Errorf("resource attributes = %v", attrs)
	}

	logs := logsOf(t, bodies[0])
	if len(logs) != LogQueueLen {
		t.Fatalf("records = %d", len(logs))
	}
	if logs[0].Body.StringValue != "m4" || logs[7].Body.StringValue != "m11" {
		t.Errorf("oldest = %q, newest = %q", logs[0].Body.StringValue, logs[7].Body.StringValue)
	}
	if logs[0].SeverityNumber != SeverityWarn || logs[0].SeverityText != "WARN" {
		t.Errorf("severity = %d %q", logs[0].SeverityNumber, logs[0].SeverityText)
	}
	if logs[0].TraceID != "" {
		t.Error("log outside a trace carries a trace id")
	}
	st := e.Stats()
	if st.QueuedLogs != 0 || st.SentLogs != LogQueueLen {
		t.Errorf("stats = %+v", st)
	}
}

func TestExporter_LogTruncates(t *testing.T) {
	e, p := newTestExporter(t)
	e.Log(SeverityInfo, strings.Repeat("x", 200))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	logs := logsOf(t, p.bodies(PathLogs)[0])
	if got := len(logs[0].Body.StringValue); got != MaxMessageLen {
		t.Errorf("body length = %d, want %d", got, MaxMessageLen)
	}
}

func TestExporter_OversizedFlushKeepsRest(t *testing.T) {
	e, p := newTestExporter(t)
	quotes := strings.Repeat(`"`, MaxMessageLen)
	for i := 0; i < LogQueueLen; i++ {
		e.Log(SeverityInfo, quotes)
	}

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	left := e.Stats().QueuedLogs
	if left == 0 || left == LogQueueLen {
		t.Fatalf("queued after first flush = %d, want some but not all", left)
	}

	total := 0
	for i := 0; i < LogQueueLen && e.Stats().QueuedLogs > 0; i++ {
		if err := e.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for _, body := range p.bodies(PathLogs) {
		if len(body) > BodyBufLen {
			t.Errorf("body of %d bytes exceeds buffer", len(body))
		}
		for _, l := range logsOf(t, body) {
			if l.Body.StringValue != quotes {
				t.Fatalf("body = %q", l.Body.StringValue)
			}
			total++
		}
	}
	if total != LogQueueLen {
		t.Errorf("records sent = %d, want %d", total, LogQueueLen)
	}
}

func TestExporter_Metrics(t *testing.T) {
	e, p := newTestExporter(t)
	e.RecordGauge("ota.firmware.duration_ms", 1500)
	e.RecordCounter("ota.firmware.bytes", 65536)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	m := metricsOf(t, p.bodies(PathMetrics)[0])
	if len(m) != 2 {
		t.Fatalf("metrics = %d", len(m))
	}
	if m[0].Name != "ota.firmware.duration_ms" || m[0].Gauge == nil || m[0].Gauge.DataPoints[0].AsInt != "1500" {
		t.Errorf("gauge = %+v", m[0])
	}
	if m[1].Sum == nil || m[1].Sum.DataPoints[0].AsInt != "65536" || !m[1].Sum.IsMonotonic || m[1].Sum.AggregationTemporality != 2 {
		t.Errorf("counter = %+v", m[1])
	}
}

func TestExporter_SpanLifecycle(t *testing.T) {
	e, p := newTestExporter(t)
	e.NewTrace()
	parent := e.StartSpan("ota.firmware", SpanKindServer)
	child := e.StartSpan("ota.commit", SpanKindInternal)
	e.Log(SeverityInfo, "inside")
	e.EndSpan(child, true)
	e.Log(SeverityInfo, "after")
	e.SetSpanStatus(parent, "digest mismatch")
	e.EndSpan(parent, false)

	if n := e.Stats().PendingSpans; n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	spans := spansOf(t, p.bodies(PathTraces)[0])
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	byName := map[string]otlpSpan{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	ps, cs := byName["ota.firmware"], byName["ota.commit"]
	if cs.ParentSpanID != ps.SpanID || ps.TraceID != cs.TraceID {
		t.Errorf("child %+v not under parent %+v", cs, ps)
	}
	if ps.Kind != SpanKindServer || ps.Status.Code != SpanStatusError || ps.Status.Message != "digest mismatch" {
		t.Errorf("parent = %+v", ps)
	}
	if cs.Status.Code != SpanStatusOK || cs.Status.Message != "" {
		t.Errorf("child status = %+v", cs.Status)
	}
	if len(ps.TraceID) != 32 || len(ps.SpanID) != 16 {
		t.Errorf("id lengths: trace %q span %q", ps.TraceID, ps.SpanID)
	}

	logs := logsOf(t, p.bodies(PathLogs)[0])
	if logs[0].SpanID != cs.SpanID {
		t.Errorf("log inside child has span %q, want %q", logs[0].SpanID, cs.SpanID)
	}
	if logs[1].SpanID != ps.SpanID {
		t.Errorf("log after child has span %q, want parent %q", logs[1].SpanID, ps.SpanID)
	}
	if e.Stats().PendingSpans != 0 {
		t.Error("sent spans still pending")
	}
}

func TestExporter_PendingSpansHoldSlots(t *testing.T) {
	e, _ := newTestExporter(t)
	e.NewTrace()
	for i := 0; i < SpanQueueLen; i++ {
		e.EndSpan(e.StartSpan(fmt.Sprintf("s%d", i), SpanKindInternal), true)
	}
	if n := e.Stats().PendingSpans; n != SpanQueueLen {
		t.Fatalf("pending = %d", n)
	}

	// Every slot is pending: the oldest is overwritten.
	if idx := e.StartSpan("late", SpanKindInternal); idx != 0 {
		t.Errorf("slot = %d, want 0", idx)
	}
	if n := e.Stats().PendingSpans; n != SpanQueueLen-1 {
		t.Errorf("pending = %d, want %d", n, SpanQueueLen-1)
	}
}

func TestExporter_PostFailure(t *testing.T) {
	e, p := newTestExporter(t)
	p.err = errors.New("collector down")
	e.Log(SeverityError, "boom")

	if err := e.Flush(context.Background()); !errors.Is(err, p.err) {
		t.Fatalf("Flush = %v", err)
	}
	st := e.Stats()
	if st.SendErrors != 1 || st.SentLogs != 0 || st.QueuedLogs != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExporter_PauseWaitsForSend(t *testing.T) {
	e, p := newTestExporter(t)
	p.block = make(chan struct{})
	p.started = make(chan struct{}, 1)
	e.Log(SeverityInfo, "in flight")

	go e.Flush(context.Background())
	<-p.started

	paused := make(chan struct{})
	go func() {
		e.Pause()
		close(paused)
	}()
	select {
	case <-paused:
		t.Fatal("Pause returned during a send")
	case <-time.After(50 * time.Millisecond):
	}
	close(p.block)
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("Pause did not return")
	}

	// Paused: records queue up but nothing is sent.
	e.Log(SeverityInfo, "while paused")
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := e.Stats(); st.QueuedLogs != 1 || st.SentLogs != 1 || !st.Paused {
		t.Errorf("stats while paused = %+v", st)
	}

	p.block = nil
	e.Resume()
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := e.Stats(); st.QueuedLogs != 0 || st.SentLogs != 2 {
		t.Errorf("stats after resume = %+v", st)
	}
}

func TestExporter_RunFlushesOnStop(t *testing.T) {
	e, p := newTestExporter(t)
	e.Log(SeverityInfo, "last words")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if len(p.bodies(PathLogs)) != 1 {
		t.Error("Run did not flush on stop")
	}
}

func TestSlogHandler_Export(t *testing.T) {
	e, p := newTestExporter(t)
	h := NewSlogHandler(io.Discard, NewRing(4), nil).Export(e)
	log := slog.New(h).WithGroup("ota").With(slog.String("kind", "firmware"))
	log.Info("started")
	log.Debug("chatter")

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	logs := logsOf(t, p.bodies(PathLogs)[0])
	if len(logs) != 1 || logs[0].Body.StringValue != "ota:started kind=firmware" {
		t.Errorf("logs = %+v", logs)
	}
}

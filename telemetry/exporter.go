package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Exporter defaults.
const (
	FlushInterval = 30 * time.Second
	HTTPTimeout   = 10 * time.Second
	MaxRetries    = 2
)

// Queue and buffer sizes. Records are fixed-size so the exporter allocates
// nothing after NewExporter.
const (
	LogQueueLen    = 8
	MetricQueueLen = 8
	SpanQueueLen   = 4
	BodyBufLen     = 2048

	maxNameLen   = 32
	maxStatusLen = 48
)

// Span status codes (OTLP standard)
const (
	SpanStatusUnset = 0
	SpanStatusOK    = 1
	SpanStatusError = 2
)

// Span kind (OTLP standard)
const (
	SpanKindInternal = 1
	SpanKindServer   = 2
	SpanKindClient   = 3
)

// OTLP/HTTP request paths.
const (
	PathLogs    = "/v1/logs"
	PathMetrics = "/v1/metrics"
	PathTraces  = "/v1/traces"
)

var errNoPoster = errors.New("telemetry: exporter not started")

// LogEntry represents a single log record
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [MaxMessageLen]byte
	TraceID   [16]byte
	SpanID    [8]byte
	HasTrace  bool
}

// MetricPoint represents a single metric data point
type MetricPoint struct {
	Timestamp int64
	Value     int64
	NameLen   uint8
	Name      [maxNameLen]byte
	IsGauge   bool
}

// Span represents a trace span. A span that has ended but not been sent is
// pending and keeps its slot.
type Span struct {
	TraceID    [16]byte
	SpanID     [8]byte
	ParentID   [8]byte
	PrevSpanID [8]byte // current span to restore on EndSpan
	StartTime  int64
	EndTime    int64
	NameLen    uint8
	Name       [maxNameLen]byte
	Kind       uint8
	StatusOK   bool
	StatusLen  uint8
	StatusMsg  [maxStatusLen]byte
	Active     bool
}

func (s *Span) pending() bool { return !s.Active && s.EndTime != 0 }

// Poster delivers one OTLP/JSON payload to a collector path.
type Poster interface {
	Post(ctx context.Context, path string, body []byte) error
}

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// ServiceName and HostName become resource attributes.
	ServiceName string
	HostName    string
	// Interval between flushes in Run, default FlushInterval.
	Interval time.Duration
	// Rand supplies trace and span IDs, default math/rand.
	Rand func() uint32
	Now  func() time.Time
	// Logger defaults to slog.Default at the time of use.
	Logger *slog.Logger
}

// Stats reports queue depth and delivery counters.
type Stats struct {
	Enabled       bool
	Paused        bool
	QueuedLogs    int
	QueuedMetrics int
	PendingSpans  int
	SentLogs      int
	SentMetrics   int
	SentSpans     int
	SendErrors    int
}

// Exporter queues OpenTelemetry logs, metrics and spans in small circular
// queues and posts them as OTLP/JSON. Records are dropped until Start.
type Exporter struct {
	mu      sync.Mutex
	cfg     ExporterConfig
	poster  Poster
	enabled bool
	paused  bool
	sending sync.WaitGroup // in-flight posts, waited on by Pause

	logs        [LogQueueLen]LogEntry
	logHead     int
	logCount    int
	metrics     [MetricQueueLen]MetricPoint
	metricHead  int
	metricCount int
	spans       [SpanQueueLen]Span
	spanHead    int
	spanCount   int

	traceID  [16]byte
	spanID   [8]byte
	hasTrace bool

	sentLogs, sentMetrics, sentSpans, sendErrors int

	// sendMu serializes flushes and guards body.
	sendMu sync.Mutex
	body   [BodyBufLen]byte
}

// NewExporter returns a disabled exporter.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ota-engine"
	}
	if cfg.HostName == "" {
		cfg.HostName = cfg.ServiceName
	}
	if cfg.Interval <= 0 {
		cfg.Interval = FlushInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Uint32
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{cfg: cfg}
}

func (e *Exporter) log() *slog.Logger {
	if e.cfg.Logger != nil {
		return e.cfg.Logger
	}
	return slog.Default()
}

// Start enables the exporter with p as its transport.
func (e *Exporter) Start(p Poster) {
	e.mu.Lock()
	e.poster = p
	e.enabled = true
	e.mu.Unlock()
	e.log().Info("telemetry:init", slog.Duration("interval", e.cfg.Interval))
}

// Run flushes every interval until ctx ends, then flushes once more.
func (e *Exporter) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), HTTPTimeout)
			e.Flush(fctx)
			cancel()
			return
		case <-t.C:
			e.Flush(ctx)
		}
	}
}

// Log queues a log entry; when the queue is full the oldest is overwritten.
func (e *Exporter) Log(severity uint8, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	idx := (e.logHead + e.logCount) % len(e.logs)
	if e.logCount >= len(e.logs) {
		e.logHead = (e.logHead + 1) % len(e.logs)
	} else {
		e.logCount++
	}
	entry := &e.logs[idx]
	entry.Timestamp = e.cfg.Now().UnixNano()
	entry.Severity = severity
	entry.BodyLen = uint8(copy(entry.Body[:], msg))
	entry.HasTrace = e.hasTrace
	if e.hasTrace {
		entry.TraceID = e.traceID
		entry.SpanID = e.spanID
	}
}

// RecordGauge records a point-in-time gauge metric
func (e *Exporter) RecordGauge(name string, value int64) {
	e.recordMetric(name, value, true)
}

// RecordCounter records the current total of a monotonic counter.
func (e *Exporter) RecordCounter(name string, value int64) {
	e.recordMetric(name, value, false)
}

func (e *Exporter) recordMetric(name string, value int64, isGauge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}

	idx := (e.metricHead + e.metricCount) % len(e.metrics)
	if e.metricCount >= len(e.metrics) {
		e.metricHead = (e.metricHead + 1) % len(e.metrics)
	} else {
		e.metricCount++
	}
	point := &e.metrics[idx]
	point.Timestamp = e.cfg.Now().UnixNano()
	point.Value = value
	point.IsGauge = isGauge
	point.NameLen = uint8(copy(point.Name[:], name))
}

// NewTrace starts a trace context: later logs and spans carry its ID. The
// first 4 bytes are the Unix time in seconds, as X-Ray expects.
func (e *Exporter) NewTrace() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := uint32(e.cfg.Now().Unix())
	putUint32(e.traceID[0:4], ts)
	for i := 0; i < 3; i++ {
		putUint32(e.traceID[4+i*4:], e.cfg.Rand())
	}
	e.newSpanID(&e.spanID)
	e.hasTrace = true
}

// StartSpan starts a child of the current span and makes it current. It
// returns the span's slot, or -1 while the exporter is off.
func (e *Exporter) StartSpan(name string, kind uint8) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return -1
	}

	idx := -1
	for i := range e.spans {
		if !e.spans[i].Active && e.spans[i].EndTime == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Every slot is running or pending: take the oldest.
		idx = e.spanHead
		e.spanHead = (e.spanHead + 1) % len(e.spans)
		if e.spans[idx].pending() {
			e.spanCount--
		}
	}

	span := &e.spans[idx]
	*span = Span{
		Active:     true,
		StartTime:  e.cfg.Now().UnixNano(),
		Kind:       kind,
		TraceID:    e.traceID,
		ParentID:   e.spanID,
		PrevSpanID: e.spanID,
	}
	e.newSpanID(&span.SpanID)
	e.spanID = span.SpanID
	span.NameLen = uint8(copy(span.Name[:], name))
	return idx
}

// SetSpanStatus sets the status message of a running span.
func (e *Exporter) SetSpanStatus(idx int, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.spans) || !e.spans[idx].Active {
		return
	}
	span := &e.spans[idx]
	span.StatusLen = uint8(copy(span.StatusMsg[:], msg))
}

// EndSpan completes a span with the given status and restores its parent
// as the current span.
func (e *Exporter) EndSpan(idx int, statusOK bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.spans) {
		return
	}
	span := &e.spans[idx]
	if !span.Active {
		return
	}
	span.EndTime = e.cfg.Now().UnixNano()
	if span.EndTime <= span.StartTime {
		span.EndTime = span.StartTime + 1
	}
	span.StatusOK = statusOK
	span.Active = false
	e.spanID = span.PrevSpanID
	e.spanCount++
}

// Pause stops sending, e.g. while an update holds the network. Records are
// still queued. It waits for posts in flight.
func (e *Exporter) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.sending.Wait()
}

// Resume undoes Pause.
func (e *Exporter) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Enabled:       e.enabled,
		Paused:        e.paused,
		QueuedLogs:    e.logCount,
		QueuedMetrics: e.metricCount,
		PendingSpans:  e.spanCount,
		SentLogs:      e.sentLogs,
		SentMetrics:   e.sentMetrics,
		SentSpans:     e.sentSpans,
		SendErrors:    e.sendErrors,
	}
}

// Flush posts every queue that holds records. Records that do not fit the
// body buffer stay queued for the next flush.
func (e *Exporter) Flush(ctx context.Context) error {
	return errors.Join(
		e.flush(ctx, PathLogs, e.buildLogs),
		e.flush(ctx, PathMetrics, e.buildMetrics),
		e.flush(ctx, PathTraces, e.buildSpans),
	)
}

// flush encodes with build under the lock and posts outside it. build
// returns the body length and the number of records it consumed.
func (e *Exporter) flush(ctx context.Context, path string, build func() (int, int)) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if !e.enabled || e.paused {
		e.mu.Unlock()
		return nil
	}
	p := e.poster
	if p == nil {
		e.mu.Unlock()
		return errNoPoster
	}
	n, count := build()
	if count == 0 {
		e.mu.Unlock()
		return nil
	}
	e.sending.Add(1)
	e.mu.Unlock()
	defer e.sending.Done()

	err := p.Post(ctx, path, e.body[:n])

	e.mu.Lock()
	if err != nil {
		e.sendErrors++
	} else {
		switch path {
		case PathLogs:
			e.sentLogs += count
		case PathMetrics:
			e.sentMetrics += count
		case PathTraces:
			e.sentSpans += count
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.log().Debug("telemetry:post-failed", slog.String("path", path), slog.String("err", err.Error()))
	}
	return err
}

func (e *Exporter) newSpanID(id *[8]byte) {
	putUint32(id[0:4], e.cfg.Rand())
	putUint32(id[4:8], e.cfg.Rand())
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

package telemetry

import (
	"openenterprise/otaengine/version"
)

// closing ends every payload; records never write into these bytes.
const closing = `]}]}]}`

// jsonWriter is a zero-allocation JSON writer over the exporter body.
// Writes past the end set full and are discarded.
type jsonWriter struct {
	buf  []byte
	pos  int
	full bool
}

func (e *Exporter) writer() jsonWriter {
	return jsonWriter{buf: e.body[:len(e.body)-len(closing)]}
}

// rewind drops everything written after mark.
func (w *jsonWriter) rewind(mark int) {
	w.pos = mark
	w.full = false
}

// finish writes the closing brackets into the reserved tail and returns
// the payload length.
func (w *jsonWriter) finish() int {
	w.buf = w.buf[:cap(w.buf)]
	w.writeRaw(closing)
	return w.pos
}

// writeRaw writes raw bytes
func (w *jsonWriter) writeRaw(s string) {
	if w.pos+len(s) > len(w.buf) {
		w.full = true
		return
	}
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// writeByte writes a single byte
func (w *jsonWriter) writeByte(b byte) {
	if w.pos >= len(w.buf) {
		w.full = true
		return
	}
	w.buf[w.pos] = b
	w.pos++
}

// writeString writes a JSON string value (with quotes)
func (w *jsonWriter) writeString(s string) {
	w.writeByte('"')
	for i := 0; i < len(s); i++ {
		w.writeEscaped(s[i])
	}
	w.writeByte('"')
}

// writeBytes writes a JSON string from the first n bytes of b
func (w *jsonWriter) writeBytes(b []byte, n int) {
	w.writeByte('"')
	for i := 0; i < n && i < len(b); i++ {
		w.writeEscaped(b[i])
	}
	w.writeByte('"')
}

// writeEscaped writes c escaped; non-printable bytes are skipped.
func (w *jsonWriter) writeEscaped(c byte) {
	switch c {
	case '"':
		w.writeRaw(`\"`)
	case '\\':
		w.writeRaw(`\\`)
	case '\n':
		w.writeRaw(`\n`)
	case '\r':
		w.writeRaw(`\r`)
	case '\t':
		w.writeRaw(`\t`)
	default:
		if c >= 32 && c < 127 {
			w.writeByte(c)
		}
	}
}

// writeInt64 writes an int64 as a JSON string (OTLP uses string for large numbers)
func (w *jsonWriter) writeInt64(n int64) {
	w.writeByte('"')
	switch {
	case n == 0:
		w.writeByte('0')
	case n < 0:
		w.writeByte('-')
		w.writeUint64(uint64(-n))
	default:
		w.writeUint64(uint64(n))
	}
	w.writeByte('"')
}

// writeUint64 writes digits of a uint64
func (w *jsonWriter) writeUint64(n uint64) {
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	for j := i; j < len(buf); j++ {
		w.writeByte(buf[j])
	}
}

// writeInt writes a small non-negative integer unquoted.
func (w *jsonWriter) writeInt(n int) {
	if n <= 0 {
		w.writeByte('0')
		return
	}
	w.writeUint64(uint64(n))
}

// writeHex writes a byte slice as hex string (for trace/span IDs)
func (w *jsonWriter) writeHex(b []byte) {
	const hexDigits = "0123456789abcdef"
	w.writeByte('"')
	for _, v := range b {
		w.writeByte(hexDigits[v>>4])
		w.writeByte(hexDigits[v&0xf])
	}
	w.writeByte('"')
}

// writeHeader opens the payload up to the record array.
func (e *Exporter) writeHeader(w *jsonWriter, resource, scope, records string) {
	w.writeRaw(`{"`)
	w.writeRaw(resource)
	w.writeRaw(`":[{"resource":{"attributes":[`)
	w.writeRaw(`{"key":"service.name","value":{"stringValue":`)
	w.writeString(e.cfg.ServiceName)
	w.writeRaw(`}},{"key":"service.version","value":{"stringValue":`)
	w.writeString(version.Version)
	w.writeRaw(`}},{"key":"service.instance.id","value":{"stringValue":`)
	w.writeString(shortSHA())
	w.writeRaw(`}},{"key":"host.name","value":{"stringValue":`)
	w.writeString(e.cfg.HostName)
	w.writeRaw(`}}]},"`)
	w.writeRaw(scope)
	w.writeRaw(`":[{"scope":{"name":`)
	w.writeString(e.cfg.ServiceName)
	w.writeRaw(`},"`)
	w.writeRaw(records)
	w.writeRaw(`":[`)
}

// shortSHA returns the first 7 characters of the git SHA
func shortSHA() string {
	if len(version.GitSHA) >= 7 {
		return version.GitSHA[:7]
	}
	return version.GitSHA
}

// buildLogs encodes queued logs into the body and removes the ones it
// wrote. Called with mu held.
func (e *Exporter) buildLogs() (int, int) {
	if e.logCount == 0 {
		return 0, 0
	}
	w := e.writer()
	e.writeHeader(&w, "resourceLogs", "scopeLogs", "logRecords")

	n := 0
	for ; n < e.logCount; n++ {
		entry := &e.logs[(e.logHead+n)%len(e.logs)]
		mark := w.pos
		if n > 0 {
			w.writeByte(',')
		}
		w.writeRaw(`{"timeUnixNano":`)
		w.writeInt64(entry.Timestamp)
		w.writeRaw(`,"severityNumber":`)
		w.writeInt(int(entry.Severity))
		w.writeRaw(`,"severityText":`)
		w.writeString(SeverityText(entry.Severity))
		w.writeRaw(`,"body":{"stringValue":`)
		w.writeBytes(entry.Body[:], int(entry.BodyLen))
		w.writeByte('}')
		if entry.HasTrace {
			w.writeRaw(`,"traceId":`)
			w.writeHex(entry.TraceID[:])
			w.writeRaw(`,"spanId":`)
			w.writeHex(entry.SpanID[:])
		}
		w.writeByte('}')
		if w.full {
			w.rewind(mark)
			break
		}
	}
	if n == 0 {
		// Cannot fit even alone: drop it so the queue moves.
		e.logHead = (e.logHead + 1) % len(e.logs)
		e.logCount--
		return 0, 0
	}
	e.logHead = (e.logHead + n) % len(e.logs)
	e.logCount -= n
	return w.finish(), n
}

// buildMetrics encodes queued metric points. Called with mu held.
func (e *Exporter) buildMetrics() (int, int) {
	if e.metricCount == 0 {
		return 0, 0
	}
	w := e.writer()
	e.writeHeader(&w, "resourceMetrics", "scopeMetrics", "metrics")

	n := 0
	for ; n < e.metricCount; n++ {
		point := &e.metrics[(e.metricHead+n)%len(e.metrics)]
		mark := w.pos
		if n > 0 {
			w.writeByte(',')
		}
		w.writeRaw(`{"name":`)
		w.writeBytes(point.Name[:], int(point.NameLen))
		if point.IsGauge {
			w.writeRaw(`,"gauge":{"dataPoints":[{"timeUnixNano":`)
			w.writeInt64(point.Timestamp)
			w.writeRaw(`,"asInt":`)
			w.writeInt64(point.Value)
			w.writeRaw(`}]}`)
		} else {
			w.writeRaw(`,"sum":{"dataPoints":[{"timeUnixNano":`)
			w.writeInt64(point.Timestamp)
			w.writeRaw(`,"asInt":`)
			w.writeInt64(point.Value)
			w.writeRaw(`}],"aggregationTemporality":2,"isMonotonic":true}`)
		}
		w.writeByte('}')
		if w.full {
			w.rewind(mark)
			break
		}
	}
	if n == 0 {
		e.metricHead = (e.metricHead + 1) % len(e.metrics)
		e.metricCount--
		return 0, 0
	}
	e.metricHead = (e.metricHead + n) % len(e.metrics)
	e.metricCount -= n
	return w.finish(), n
}

// buildSpans encodes pending spans and frees their slots. Spans without a
// trace are discarded. Called with mu held.
func (e *Exporter) buildSpans() (int, int) {
	if e.spanCount == 0 {
		return 0, 0
	}
	w := e.writer()
	e.writeHeader(&w, "resourceSpans", "scopeSpans", "spans")

	n := 0
	for i := range e.spans {
		span := &e.spans[i]
		if !span.pending() {
			continue
		}
		if isZero(span.TraceID[:]) {
			span.EndTime = 0
			e.spanCount--
			continue
		}

		mark := w.pos
		if n > 0 {
			w.writeByte(',')
		}
		w.writeRaw(`{"traceId":`)
		w.writeHex(span.TraceID[:])
		w.writeRaw(`,"spanId":`)
		w.writeHex(span.SpanID[:])
		if !isZero(span.ParentID[:]) {
			w.writeRaw(`,"parentSpanId":`)
			w.writeHex(span.ParentID[:])
		}
		w.writeRaw(`,"name":`)
		w.writeBytes(span.Name[:], int(span.NameLen))
		w.writeRaw(`,"kind":`)
		w.writeInt(int(span.Kind))
		w.writeRaw(`,"startTimeUnixNano":`)
		w.writeInt64(span.StartTime)
		w.writeRaw(`,"endTimeUnixNano":`)
		w.writeInt64(span.EndTime)
		w.writeRaw(`,"status":{"code":`)
		if span.StatusOK {
			w.writeInt(SpanStatusOK)
		} else {
			w.writeInt(SpanStatusError)
		}
		if span.StatusLen > 0 {
			w.writeRaw(`,"message":`)
			w.writeBytes(span.StatusMsg[:], int(span.StatusLen))
		}
		w.writeRaw(`}}`)
		if w.full {
			w.rewind(mark)
			break
		}

		span.EndTime = 0
		e.spanCount--
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return w.finish(), n
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

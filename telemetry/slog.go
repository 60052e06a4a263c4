package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"
)

// maxAttrs bounds how many attributes are folded into a stored message.
const maxAttrs = 4

// SlogHandler is a slog.Handler that writes text to the console and copies
// Info-and-above records into a Ring and, once attached, an Exporter.
type SlogHandler struct {
	textHandler slog.Handler
	ring        *Ring
	exp         *Exporter
	attrs       []slog.Attr
	group       string
}

// NewSlogHandler creates a handler that writes to w (the serial console or
// stderr) and records into ring. A nil ring uses the package-level one.
func NewSlogHandler(w io.Writer, ring *Ring, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	if ring == nil {
		ring = defaultRing
	}
	return &SlogHandler{
		textHandler: slog.NewTextHandler(w, opts),
		ring:        ring,
	}
}

// Ring returns the ring the handler records into.
func (h *SlogHandler) Ring() *Ring { return h.ring }

// Export returns a copy of h that also queues records on e.
func (h *SlogHandler) Export(e *Exporter) *SlogHandler {
	c := *h
	c.exp = e
	return &c
}

// Enabled reports whether the handler handles records at the given level.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record to the console and, at Info and above, the ring.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)

	// DEBUG stays on the console; the ring is small
	if r.Level >= slog.LevelInfo {
		msg := buildMessage(h.group, h.attrs, r)
		h.ring.Add(severity(r.Level), msg)
		if h.exp != nil {
			h.exp.Log(severity(r.Level), msg)
		}
	}
	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)

	return &SlogHandler{
		textHandler: h.textHandler.WithAttrs(attrs),
		ring:        h.ring,
		exp:         h.exp,
		attrs:       newAttrs,
		group:       h.group,
	}
}

// WithGroup returns a new Handler with the given group name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		textHandler: h.textHandler.WithGroup(name),
		ring:        h.ring,
		exp:         h.exp,
		attrs:       h.attrs,
		group:       newGroup,
	}
}

// severity converts slog.Level to OTLP severity number
func severity(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// buildMessage formats "group:msg key=val ..." with the handler attributes
// first, capped at maxAttrs pairs and MaxMessageLen bytes.
func buildMessage(group string, pre []slog.Attr, r slog.Record) string {
	buf := make([]byte, 0, MaxMessageLen)
	if group != "" {
		buf = append(buf, group...)
		buf = append(buf, ':')
	}
	buf = append(buf, r.Message...)

	n := 0
	add := func(a slog.Attr) bool {
		if n >= maxAttrs || len(buf) >= MaxMessageLen-10 {
			return false
		}
		buf = append(buf, ' ')
		buf = append(buf, a.Key...)
		buf = append(buf, '=')
		buf = appendValue(buf, a.Value)
		n++
		return true
	}
	for _, a := range pre {
		if !add(a) {
			break
		}
	}
	r.Attrs(add)

	if len(buf) > MaxMessageLen {
		buf = buf[:MaxMessageLen]
	}
	return string(buf)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(buf, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return appendDuration(buf, v.Duration())
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', 1, 64)
	default:
		return append(buf, '?')
	}
}

// appendDuration writes d in its largest whole unit ("5s", "100ms").
func appendDuration(buf []byte, d time.Duration) []byte {
	switch {
	case d == 0:
		return append(buf, "0s"...)
	case d >= time.Second || d <= -time.Second:
		return append(strconv.AppendInt(buf, int64(d/time.Second), 10), 's')
	case d >= time.Millisecond || d <= -time.Millisecond:
		return append(strconv.AppendInt(buf, int64(d/time.Millisecond), 10), "ms"...)
	case d >= time.Microsecond || d <= -time.Microsecond:
		return append(strconv.AppendInt(buf, int64(d/time.Microsecond), 10), "us"...)
	}
	return append(strconv.AppendInt(buf, int64(d), 10), "ns"...)
}

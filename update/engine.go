// Package update implements the chunked image-update engine: one session at a
// time streams an image into a Sink, tracks throughput and broadcasts
// throttled progress, and ends either in a deferred restart or a failure
// event.
package update

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is how long a receiving session may go without a chunk
// before a new upload may take over under PolicyReject.
const DefaultStaleAfter = 30 * time.Second

// Policy decides what happens to a receiving session when a new upload
// starts.
type Policy uint8

const (
	// PolicyReject refuses the new upload with ErrBusy unless the running
	// session is stale.
	PolicyReject Policy = iota
	// PolicyAbortPrevious aborts the running session and starts the new one.
	PolicyAbortPrevious
)

func (p Policy) String() string {
	if p == PolicyAbortPrevious {
		return "abort-previous"
	}
	return "reject"
}

// ParsePolicy parses "reject" or "abort-previous".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "reject", "":
		return PolicyReject, nil
	case "abort-previous", "abort":
		return PolicyAbortPrevious, nil
	}
	return PolicyReject, fmt.Errorf("update: unknown policy %q", s)
}

// Chunk is one delivery of image bytes. Offset 0 starts a new session and
// Final finalizes it. Total, Filename and Digest are read when a session
// starts; a Digest on the final chunk overrides the one given at start.
//
// A chunk that names its Session always continues that session, so a
// transport that opened the session with an empty chunk sends its first
// data at offset 0 without starting over.
type Chunk struct {
	Session  string
	Offset   uint64
	Data     []byte
	Final    bool
	Total    uint64
	Filename string
	Digest   []byte
}

// Result describes the session after a delivery. Restart is set only by the
// delivery that completed the session.
type Result struct {
	SessionID string
	State     State
	Written   uint64
	Restart   *RestartAction
}

// Options configure an Engine.
type Options struct {
	CodeSink       SinkFactory
	FilesystemSink SinkFactory
	Channel        Channel
	Clock          Clock
	Logger         *slog.Logger
	Observer       Observer
	Policy         Policy
	StaleAfter     time.Duration
	RestartDelay   time.Duration
}

type session struct {
	id          string
	kind        Kind
	state       State
	declared    uint64
	written     uint64
	filename    string
	digest      []byte
	startedAt   time.Time
	lastChunkAt time.Time
	reason      string
	sink        Sink
	speed       SpeedEstimator
	zeroLength  bool
}

// Engine owns the single update session. It is safe for concurrent use;
// deliveries are serialized.
type Engine struct {
	mu    sync.Mutex
	opts  Options
	log   *slog.Logger
	clock Clock
	obs   Observer
	bc    *Broadcaster
	sess  *session
}

// NewEngine returns an idle engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	return &Engine{
		opts:  opts,
		log:   opts.Logger,
		clock: opts.Clock,
		obs:   opts.Observer,
		bc:    NewBroadcaster(opts.Channel, opts.Logger),
	}
}

// HandleFirmwareChunk delivers a chunk of a code image.
func (e *Engine) HandleFirmwareChunk(c Chunk) (Result, error) {
	return e.Deliver(KindCode, c)
}

// HandleFilesystemChunk delivers a chunk of a filesystem image.
func (e *Engine) HandleFilesystemChunk(c Chunk) (Result, error) {
	return e.Deliver(KindFilesystem, c)
}

// Deliver processes one chunk of an update of the given kind.
func (e *Engine) Deliver(kind Kind, c Chunk) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if c.Offset == 0 && c.Session == "" {
		if err := e.start(kind, c, now); err != nil {
			return e.result(), err
		}
	} else if err := e.checkContinuation(kind, c); err != nil {
		return e.result(), err
	}

	s := e.sess
	s.lastChunkAt = now
	if c.Offset != s.written {
		err := e.fail(s, now, fmt.Errorf("%w: chunk at offset %d, expected %d", ErrWriteError, c.Offset, s.written))
		return e.result(), err
	}
	if len(c.Data) > 0 {
		if err := e.write(s, c.Data, now); err != nil {
			return e.result(), err
		}
		if !c.Final && !s.zeroLength {
			e.bc.Progress(now, e.event(s))
		}
	}
	if !c.Final {
		return e.result(), nil
	}
	if c.Digest != nil {
		s.digest = c.Digest
	}
	return e.finish(s, now)
}

func (e *Engine) checkContinuation(kind Kind, c Chunk) error {
	s := e.sess
	switch {
	case s == nil:
		e.log.Warn("ota:no-session",
			slog.String("kind", kind.String()),
			slog.Uint64("offset", c.Offset),
		)
		return ErrNoSession
	case c.Session != "" && c.Session != s.id:
		e.log.Warn("ota:session-replaced",
			slog.String("session", c.Session),
			slog.String("active", s.id),
		)
		return ErrSessionClosed
	case s.state.Terminal():
		e.log.Warn("ota:session-closed",
			slog.String("session", s.id),
			slog.String("state", s.state.String()),
			slog.Uint64("offset", c.Offset),
		)
		return ErrSessionClosed
	case s.kind != kind:
		e.log.Warn("ota:kind-mismatch",
			slog.String("session", s.id),
			slog.String("active", s.kind.String()),
			slog.String("got", kind.String()),
		)
		return ErrBusy
	}
	return nil
}

func (e *Engine) start(kind Kind, c Chunk, now time.Time) error {
	if prev := e.sess; prev != nil && !prev.state.Terminal() {
		idle := now.Sub(prev.lastChunkAt)
		if e.opts.Policy == PolicyReject && idle <= e.opts.StaleAfter {
			e.log.Warn("ota:busy",
				slog.String("session", prev.id),
				slog.String("kind", kind.String()),
			)
			return ErrBusy
		}
		e.log.Warn("ota:superseded",
			slog.String("session", prev.id),
			slog.Uint64("written", prev.written),
			slog.Duration("idle", idle),
		)
		_ = e.fail(prev, now, ErrAborted)
	}

	factory := e.opts.CodeSink
	if kind == KindFilesystem {
		factory = e.opts.FilesystemSink
	}
	s := &session{
		id:          uuid.NewString(),
		kind:        kind,
		state:       StateReceiving,
		declared:    c.Total,
		filename:    c.Filename,
		digest:      c.Digest,
		startedAt:   now,
		lastChunkAt: now,
	}
	s.speed.Reset(now)
	e.sess = s
	e.bc.Reset()
	e.obs.SessionStarted(kind)

	e.log.Info("ota:begin",
		slog.String("session", s.id),
		slog.String("kind", kind.String()),
		slog.Uint64("size", c.Total),
		slog.String("file", c.Filename),
	)
	if c.Total == 0 {
		s.zeroLength = true
		e.log.Warn("ota:zero-length", slog.String("session", s.id))
	}

	if factory == nil {
		return e.fail(s, now, fmt.Errorf("%w: no sink for %s updates", ErrEraseError, kind))
	}
	sink, err := factory()
	if err != nil {
		return e.fail(s, now, classify(err, ErrEraseError))
	}
	s.sink = sink
	if err := sink.Begin(c.Total); err != nil {
		return e.fail(s, now, classify(err, ErrEraseError))
	}
	return nil
}

func (e *Engine) write(s *session, p []byte, now time.Time) error {
	if s.declared > 0 && s.written+uint64(len(p)) > s.declared {
		return e.fail(s, now, fmt.Errorf("%w: %d bytes past declared size %d",
			ErrWriteError, s.written+uint64(len(p))-s.declared, s.declared))
	}
	n, err := s.sink.Write(p)
	if n > 0 {
		s.written += uint64(n)
		e.obs.BytesWritten(s.kind, n)
	}
	if err != nil {
		return e.fail(s, now, classify(err, ErrWriteError))
	}
	if n != len(p) {
		return e.fail(s, now, fmt.Errorf("%w: accepted %d of %d bytes", ErrWriteError, n, len(p)))
	}
	if s.speed.Update(now, s.written) {
		e.log.Debug("ota:speed",
			slog.String("session", s.id),
			slog.String("rate", FormatSpeed(s.speed.Rate())),
			slog.String("written", FormatBytes(s.written)),
		)
	}
	return nil
}

func (e *Engine) finish(s *session, now time.Time) (Result, error) {
	s.state = StateFinalizing
	if s.declared > 0 && s.written != s.declared {
		err := e.fail(s, now, fmt.Errorf("%w: got %d bytes, declared %d", ErrValidation, s.written, s.declared))
		return e.result(), err
	}
	if s.digest != nil {
		if dv, ok := s.sink.(DigestVerifier); ok {
			dv.ExpectDigest(s.digest)
		}
	}
	if err := s.sink.Commit(); err != nil {
		err = e.fail(s, now, classify(err, ErrValidation))
		return e.result(), err
	}
	s.state = StateCompleted

	ev := e.event(s)
	ev.Progress = 100
	e.bc.Final(now, ev)

	elapsed := now.Sub(s.startedAt)
	e.obs.SessionCompleted(s.kind, elapsed)

	partition := -1
	if bt, ok := s.sink.(BootTarget); ok {
		partition = bt.BootPartition()
	}
	restart := &RestartAction{
		SessionID: s.id,
		Kind:      s.kind,
		Partition: partition,
		Delay:     e.opts.RestartDelay,
	}
	attrs := []any{
		slog.String("session", s.id),
		slog.String("kind", s.kind.String()),
		slog.String("size", FormatBytes(s.written)),
		slog.Duration("elapsed", elapsed),
		slog.Int("partition", partition),
	}
	if s.digest != nil {
		attrs = append(attrs, slog.String("sha256", hex.EncodeToString(s.digest)))
	}
	e.log.Info("ota:complete", attrs...)

	res := e.result()
	res.Restart = restart
	return res, nil
}

// fail moves s to Failed, releases its sink and reports err. It returns err.
func (e *Engine) fail(s *session, now time.Time, err error) error {
	s.state = StateFailed
	s.reason = Reason(err)
	if s.sink != nil {
		s.sink.Abort()
	}
	level := slog.LevelError
	if s.reason == ReasonAborted {
		level = slog.LevelWarn
	}
	e.log.Log(context.Background(), level, "ota:failed",
		slog.String("session", s.id),
		slog.String("kind", s.kind.String()),
		slog.String("reason", s.reason),
		slog.Uint64("written", s.written),
		slog.String("err", err.Error()),
	)
	e.bc.Failure(now, Event{
		Kind:      s.kind,
		Reason:    s.reason,
		SessionID: s.id,
	})
	e.obs.SessionFailed(s.kind, s.reason, now.Sub(s.startedAt))
	return err
}

// Abort fails the receiving session with ErrAborted. A non-empty id limits
// the abort to that session. Hosts call it when the upload transport goes
// away mid-transfer.
func (e *Engine) Abort(id string, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sess
	if s == nil || s.state.Terminal() || (id != "" && s.id != id) {
		return false
	}
	err := ErrAborted
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	_ = e.fail(s, e.clock.Now(), err)
	return true
}

func (e *Engine) event(s *session) Event {
	return Event{
		Type:      EventProgress,
		Progress:  Percentage(s.written, s.declared),
		Current:   s.written,
		Total:     s.declared,
		Speed:     s.speed.Rate(),
		SpeedText: FormatSpeed(s.speed.Rate()),
		Kind:      s.kind,
		SessionID: s.id,
	}
}

func (e *Engine) result() Result {
	s := e.sess
	if s == nil {
		return Result{State: StateIdle}
	}
	return Result{SessionID: s.id, State: s.state, Written: s.written}
}

// Kind returns the kind of the receiving session, or KindNone.
func (e *Engine) Kind() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.state.Terminal() {
		return KindNone
	}
	return e.sess.kind
}

// Status is a snapshot of the latest session.
type Status struct {
	SessionID string    `json:"session,omitempty"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Filename  string    `json:"filename,omitempty"`
	Current   uint64    `json:"current"`
	Total     uint64    `json:"total"`
	Progress  float64   `json:"progress"`
	Speed     float64   `json:"speed"`
	SpeedText string    `json:"speedText"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Status returns a snapshot of the current or last session.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil {
		return Status{State: StateIdle, SpeedText: FormatSpeed(0)}
	}
	pct := Percentage(s.written, s.declared)
	if s.state == StateCompleted {
		pct = 100
	}
	return Status{
		SessionID: s.id,
		Kind:      s.kind,
		State:     s.state,
		Filename:  s.filename,
		Current:   s.written,
		Total:     s.declared,
		Progress:  pct,
		Speed:     s.speed.Rate(),
		SpeedText: FormatSpeed(s.speed.Rate()),
		Reason:    s.reason,
		StartedAt: s.startedAt,
	}
}

package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memSink keeps the image in memory.
type memSink struct {
	buf       bytes.Buffer
	expected  uint64
	digest    []byte
	beginErr  error
	shortAt   int // accept only this many bytes of the first Write, if > 0
	begun     bool
	committed bool
	aborted   bool
	partition int
}

func (s *memSink) Begin(n uint64) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	s.expected = n
	s.begun = true
	return nil
}

func (s *memSink) Write(p []byte) (int, error) {
	if s.shortAt > 0 {
		n := s.shortAt
		s.shortAt = 0
		s.buf.Write(p[:n])
		return n, nil
	}
	return s.buf.Write(p)
}

func (s *memSink) ExpectDigest(sum []byte) { s.digest = sum }

func (s *memSink) Commit() error {
	sum := sha256.Sum256(s.buf.Bytes())
	if err := validateImage(uint64(s.buf.Len()), s.expected, sum[:], s.digest); err != nil {
		return err
	}
	s.committed = true
	return nil
}

func (s *memSink) Abort() { s.aborted = true }

func (s *memSink) BootPartition() int { return s.partition }

// recorder collects broadcast events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	at     []time.Time
	clock  Clock
}

func (r *recorder) Broadcast(msg []byte) {
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.clock != nil {
		r.at = append(r.at, r.clock.Now())
	}
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testEngine struct {
	*Engine
	clock *fakeClock
	rec   *recorder
	code  []*memSink
	fs    []*memSink
	// next sinks handed out, consumed in order
	nextCode []*memSink
	nextFS   []*memSink
}

func newTestEngine(t *testing.T, policy Policy) *testEngine {
	t.Helper()
	te := &testEngine{clock: newFakeClock()}
	te.rec = &recorder{clock: te.clock}
	te.Engine = NewEngine(Options{
		CodeSink: func() (Sink, error) {
			s := &memSink{partition: 1}
			if len(te.nextCode) > 0 {
				s, te.nextCode = te.nextCode[0], te.nextCode[1:]
			}
			te.code = append(te.code, s)
			return s, nil
		},
		FilesystemSink: func() (Sink, error) {
			s := &memSink{partition: -1}
			if len(te.nextFS) > 0 {
				s, te.nextFS = te.nextFS[0], te.nextFS[1:]
			}
			te.fs = append(te.fs, s)
			return s, nil
		},
		Channel: te.rec,
		Clock:   te.clock,
		Policy:  policy,
	})
	return te
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

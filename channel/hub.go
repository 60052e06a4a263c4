// Package channel provides the broadcast transports progress events travel
// over. Every Broadcast is best effort: a slow or missing subscriber loses
// its oldest messages instead of stalling the sender.
package channel

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultDepth is the per-subscriber queue length.
const DefaultDepth = 16

// Broadcaster is anything that fans a message out to subscribers.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Multi broadcasts to every member.
type Multi []Broadcaster

// Broadcast implements Broadcaster.
func (m Multi) Broadcast(msg []byte) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(msg)
		}
	}
}

// Hub is an in-process fan-out with a bounded queue per subscriber. It
// remembers the last message so late subscribers start from the current
// state.
type Hub struct {
	mu    sync.Mutex
	subs  map[*Subscription]struct{}
	last  []byte
	depth int
	log   *slog.Logger

	dropped atomic.Uint64
}

// NewHub returns a hub whose subscribers buffer up to depth messages.
func NewHub(depth int, log *slog.Logger) *Hub {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), depth: depth, log: log}
}

// Subscription receives hub messages on C until Close.
type Subscription struct {
	C <-chan []byte

	c       chan []byte
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	c := make(chan []byte, h.depth)
	s := &Subscription{C: c, c: c, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last != nil {
		c <- h.last
	}
	h.subs[s] = struct{}{}
	return s
}

// Close unregisters the subscriber and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.c)
	})
}

// Dropped returns how many messages this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Broadcast implements Broadcaster. It never blocks; a full subscriber
// queue gives up its oldest message so the newest one always lands.
func (h *Hub) Broadcast(msg []byte) {
	msg = append([]byte(nil), msg...)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for s := range h.subs {
		if s.push(msg) {
			s.dropped.Add(1)
			if h.dropped.Add(1)%100 == 1 {
				h.log.Warn("hub:subscriber-slow", slog.Uint64("dropped", h.dropped.Load()))
			}
		}
	}
}

// push queues msg, evicting the oldest queued message when the queue is
// full, and reports whether one was evicted. The caller holds hub.mu, so it
// is the only sender and a slot is free after the eviction.
func (s *Subscription) push(msg []byte) bool {
	select {
	case s.c <- msg:
		return false
	default:
	}
	evicted := false
	select {
	case <-s.c:
		evicted = true
	default:
	}
	s.c <- msg
	return evicted
}

// Last returns the most recent message, or nil.
func (h *Hub) Last() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total messages dropped across subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

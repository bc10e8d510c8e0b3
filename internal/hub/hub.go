// Package hub implements the Telemetry Hub: a bounded replay buffer plus
// the subscriber registry that fans every accepted event out to every
// currently subscribed client.
package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/metrics"
)

// Subscriber is a connected client that has issued subscribe. Tx delivers
// a payload to the client's writer goroutine; it must never block the hub.
type Subscriber struct {
	ID uuid.UUID
	Tx chan<- string
}

// subscriber pairs a send channel with a liveness signal: closed is closed
// by the owning writer goroutine when it stops reading from tx (connection
// torn down, write error, etc). The hub never closes tx itself and never
// infers liveness from a single failed send.
type subscriber struct {
	tx     chan<- string
	closed <-chan struct{}
}

// Hub holds the ring buffer and subscriber registry described in spec §4.1.
// The lock discipline mirrors the teacher's broker: copy targets under a
// read lock, release, then send outside any lock.
type Hub struct {
	subMu sync.RWMutex
	subs  map[uuid.UUID]subscriber

	bufMu    sync.RWMutex
	buffer   []string
	capacity int

	log *logging.Logger
}

// New constructs a Hub with the given ring-buffer capacity. Capacity below
// 1 is clamped to 1.
func New(capacity int, log *logging.Logger) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = logging.L()
	}
	return &Hub{
		subs:     make(map[uuid.UUID]subscriber),
		buffer:   make([]string, 0, capacity),
		capacity: capacity,
		log:      log.With(logging.String("component", "hub")),
	}
}

// AddSubscriber registers a subscriber. If one with the same id already
// exists it is replaced. closed should be closed by the caller's writer
// goroutine when it stops reading from tx; passing nil is safe (the
// subscriber is then only ever removed via RemoveSubscriber).
func (h *Hub) AddSubscriber(id uuid.UUID, tx chan<- string, closed <-chan struct{}) {
	h.subMu.Lock()
	h.subs[id] = subscriber{tx: tx, closed: closed}
	h.subMu.Unlock()
	metrics.SetHubSubscribers(h.count())
}

// RemoveSubscriber idempotently removes a subscriber.
func (h *Hub) RemoveSubscriber(id uuid.UUID) {
	h.subMu.Lock()
	_, existed := h.subs[id]
	delete(h.subs, id)
	h.subMu.Unlock()
	if existed {
		metrics.SetHubSubscribers(h.count())
	}
}

func (h *Hub) count() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs)
}

// Snapshot returns the current buffer contents, oldest first.
func (h *Hub) Snapshot() []string {
	h.bufMu.RLock()
	defer h.bufMu.RUnlock()
	out := make([]string, len(h.buffer))
	copy(out, h.buffer)
	return out
}

// Broadcast appends payload to the ring buffer (evicting the oldest entry
// if at capacity) and attempts a non-blocking send to every subscriber. A
// full channel just misses this one payload and stays subscribed, the
// 256-capacity per-connection buffer exists precisely to tolerate that; a
// subscriber whose closed signal has fired is evicted instead, since no
// writer goroutine remains to ever drain it.
func (h *Hub) Broadcast(payload string) {
	h.bufMu.Lock()
	if len(h.buffer) >= h.capacity {
		h.buffer = h.buffer[1:]
	}
	h.buffer = append(h.buffer, payload)
	h.bufMu.Unlock()

	type target struct {
		id uuid.UUID
		sub subscriber
	}
	h.subMu.RLock()
	targets := make([]target, 0, len(h.subs))
	for id, sub := range h.subs {
		targets = append(targets, target{id: id, sub: sub})
	}
	h.subMu.RUnlock()

	var stale []uuid.UUID
	for _, t := range targets {
		select {
		case <-t.sub.closed:
			stale = append(stale, t.id)
			continue
		default:
		}
		select {
		case t.sub.tx <- payload:
		default:
			h.log.Warn("broadcast missed subscriber: channel full", logging.String("subscriber", t.id.String()))
		}
	}

	metrics.IncHubBroadcasts()
	if len(stale) == 0 {
		return
	}
	h.subMu.Lock()
	for _, id := range stale {
		delete(h.subs, id)
	}
	h.subMu.Unlock()
	metrics.IncHubEvictions(len(stale))
	metrics.SetHubSubscribers(h.count())
}

package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pwman/sidecar/internal/logging"
)

const DefaultSubscriberBuffer = 256

// Hub is a Sink that fans events out to a dynamic set of subscribers.
// Each subscriber has a bounded buffer; when it is full the event is dropped for that
// subscriber only, so a slow reader never stalls the emitter or other readers.
type Hub struct {
	log     *zap.SugaredLogger
	bufSize int

	mut    sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

type HubOption func(h *Hub)

func WithHubLogger(l *zap.SugaredLogger) HubOption {
	return func(h *Hub) {
		h.log = l.Named("event_hub")
	}
}

// WithSubscriberBuffer sets the per-subscriber buffer size.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		h.bufSize = n
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:     logging.OrNop(nil),
		bufSize: DefaultSubscriberBuffer,
		subs:    map[*Subscription]struct{}{},
	}
	for _, o := range opts {
		o(h)
	}
	if h.bufSize < 1 {
		h.bufSize = 1
	}
	return h
}

// Emit stamps the event and offers it to every subscriber without blocking.
func (h *Hub) Emit(channel string, payload any) {
	ev := Event{
		ID:      uuid.NewString(),
		Channel: channel,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				h.log.Warnw("subscriber is not keeping up, dropping events", "channel", channel)
			}
		}
	}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.bufSize)}

	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closed {
		close(s.ch)
		s.removed = true
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later Emits are dropped.
func (h *Hub) Close() {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.remove()
	}
}

// Subscription is a single reader of a Hub.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	dropped atomic.Uint64
	removed bool // guarded by hub.mut
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.hub.mut.Lock()
	defer s.hub.mut.Unlock()
	s.remove()
}

// remove requires hub.mut.
func (s *Subscription) remove() {
	if s.removed {
		return
	}
	s.removed = true
	delete(s.hub.subs, s)
	close(s.ch)
}

package hub

import (
	"sync"

	"github.com/devicehive/binary-gateway/internal/logging"
	"github.com/devicehive/binary-gateway/internal/metrics"
	"github.com/google/uuid"
)

// EventKind classifies what a device connection produced.
type EventKind int

const (
	// EventRegistered carries the decoded registration of a device.
	EventRegistered EventKind = iota
	// EventCommand carries a decoded command or notification record.
	EventCommand
	// EventRaw carries an undecoded payload whose intent had no schema.
	EventRaw
)

// Event is one decoded unit of device traffic, fanned out to subscribers.
type Event struct {
	Kind     EventKind
	DeviceID uuid.UUID
	Name     string
	Intent   uint16
	Params   map[string]any
	Payload  []byte
}

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

type Subscriber struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

// Hub fans device events out to subscribers honoring a backpressure policy.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	OutBufSize  int
	Policy      BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{subscribers: make(map[*Subscriber]struct{})} }

// Subscribe registers a new subscriber with the hub's buffer size.
func (h *Hub) Subscribe() *Subscriber {
	bufSize := h.OutBufSize
	if bufSize <= 0 {
		bufSize = 512
	}
	s := &Subscriber{Out: make(chan Event, bufSize), Closed: make(chan struct{})}
	h.mu.Lock()
	prev := len(h.subscribers)
	h.subscribers[s] = struct{}{}
	cur := len(h.subscribers)
	h.mu.Unlock()
	if prev == 0 && cur == 1 {
		logging.L().Info("subscribers_first_attached")
	}
	return s
}

// Remove unregisters a subscriber; safe to call multiple times.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[s]
	if existed {
		delete(h.subscribers, s)
	}
	cur := len(h.subscribers)
	h.mu.Unlock()
	select {
	case <-s.Closed:
	default:
		s.Close()
	}
	if existed && cur == 0 {
		logging.L().Info("subscribers_last_detached")
	}
}

// Broadcast sends an event to all subscribers honoring the backpressure policy.
func (h *Hub) Broadcast(ev Event) {
	subs := h.Snapshot()
	metrics.SetBroadcastFanout(len(subs))
	// queue depth sampling
	if len(subs) > 0 {
		max := 0
		sum := 0
		for _, s := range subs {
			l := len(s.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(subs))
	}
	for _, s := range subs {
		select {
		case s.Out <- ev:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				s.Close() // signal consumer to detach; Remove happens on its way out
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current subscribers (read-only use).
func (h *Hub) Snapshot() []*Subscriber {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	return subs
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subscribers); h.mu.RUnlock(); return n }

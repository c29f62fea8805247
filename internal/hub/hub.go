// Package hub tracks live observers per session and fans trace events out
// to them.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/metrics"
)

// DefaultBuffer is the per-observer queue length used when none is given.
const DefaultBuffer = 64

// Observer is a live subscription to one session. Events arrive on Events
// in publish order. Done is closed once the observer has been removed,
// either by Unsubscribe or because a delivery to it failed.
type Observer struct {
	id        uint64
	sessionID string
	ch        chan domain.TraceEvent
	done      chan struct{}
	once      sync.Once
	dropped   atomic.Bool
}

// SessionID returns the session the observer is subscribed to.
func (o *Observer) SessionID() string { return o.sessionID }

// Events returns the delivery channel. It is never closed; select on Done
// as well.
func (o *Observer) Events() <-chan domain.TraceEvent { return o.ch }

// Done is closed when the observer leaves the live set.
func (o *Observer) Done() <-chan struct{} { return o.done }

// Dropped reports whether the observer was removed after a failed delivery.
func (o *Observer) Dropped() bool { return o.dropped.Load() }

func (o *Observer) stop() bool {
	stopped := false
	o.once.Do(func() {
		close(o.done)
		stopped = true
	})
	return stopped
}

// Hub holds the per-session observer sets. The zero value is not usable;
// call New.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[uint64]*Observer
	nextID   atomic.Uint64
	closed   bool

	buffer  int
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a hub whose observers buffer up to buffer events. m and
// logger may be nil.
func New(buffer int, m *metrics.Collector, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[uint64]*Observer),
		buffer:   buffer,
		metrics:  m,
		logger:   logger,
	}
}

// Subscribe registers a new observer for sessionID. After Close the returned
// observer is already done.
func (h *Hub) Subscribe(sessionID string) *Observer {
	o := &Observer{
		id:        h.nextID.Add(1),
		sessionID: sessionID,
		ch:        make(chan domain.TraceEvent, h.buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		o.stop()
		return o
	}
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[uint64]*Observer)
		h.sessions[sessionID] = set
	}
	set[o.id] = o
	h.metrics.ObserverAdded()
	h.logger.Debug("Observer subscribed", "session_id", sessionID, "observers", len(set))
	return o
}

// Unsubscribe removes o. It is safe to call more than once and after the
// hub already dropped the observer.
func (h *Hub) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	h.remove(o, false)
}

func (h *Hub) remove(o *Observer, dropped bool) {
	h.mu.Lock()
	set, ok := h.sessions[o.sessionID]
	present := ok && set[o.id] == o
	if present {
		delete(set, o.id)
		if len(set) == 0 {
			delete(h.sessions, o.sessionID)
		}
	}
	h.mu.Unlock()

	if !present {
		return
	}
	if dropped {
		o.dropped.Store(true)
	}
	o.stop()
	h.metrics.ObserverRemoved(dropped)
}

// Publish delivers event to every observer subscribed to sessionID at the
// time of the call and returns how many received it. An observer whose
// queue is full is removed; the others are unaffected.
func (h *Hub) Publish(sessionID string, event domain.TraceEvent) int {
	var failed []*Observer
	delivered := 0

	// Sends never block, so holding the read lock keeps a subscription that
	// races with Publish either fully before or fully after it.
	h.mu.RLock()
	for _, o := range h.sessions[sessionID] {
		select {
		case <-o.done:
			continue
		default:
		}
		select {
		case o.ch <- event:
			delivered++
		default:
			failed = append(failed, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range failed {
		h.logger.Debug("Dropping observer after failed delivery",
			"session_id", sessionID,
			"error", domain.ErrDelivery,
		)
		h.remove(o, true)
	}
	return delivered
}

// Count returns the number of live observers for sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Close removes every observer. Later subscriptions are done immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]map[uint64]*Observer)
	h.closed = true
	h.mu.Unlock()

	for _, set := range sessions {
		for _, o := range set {
			if o.stop() {
				h.metrics.ObserverRemoved(false)
			}
		}
	}
}

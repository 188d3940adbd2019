package store

import (
	"log/slog"
	"sync"
)

// hub fans snapshots out to subscribers without ever blocking the publisher.
//
// Each subscriber owns a channel with a single slot. Delivery is a
// non-blocking send; when the slot is occupied the unread snapshot is
// discarded and replaced with the newer one. Publishing happens under the
// store lock, so there is exactly one publisher at a time and the
// drain-then-send loop always terminates.
type hub struct {
	mu     sync.Mutex
	subs   map[<-chan Snapshot]*subscription
	closed bool
	logger *slog.Logger
}

// subscription is one subscriber. done is closed together with ch so that
// goroutines tied to the subscription can exit.
type subscription struct {
	ch   chan Snapshot
	done chan struct{}
}

func (sub *subscription) end() {
	close(sub.ch)
	close(sub.done)
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		subs:   make(map[<-chan Snapshot]*subscription),
		logger: logger,
	}
}

// subscribe registers a subscriber primed with initial and returns its
// channel and a done channel closed when the subscription ends. After close
// both are returned already closed.
func (h *hub) subscribe(initial Snapshot) (<-chan Snapshot, <-chan struct{}) {
	sub := &subscription{ch: make(chan Snapshot, 1), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.end()
		return sub.ch, sub.done
	}
	sub.ch <- initial
	h.subs[sub.ch] = sub
	return sub.ch, sub.done
}

// unsubscribe removes ch and ends its subscription. It is a no-op for unknown
// channels and after close.
func (h *hub) unsubscribe(ch <-chan Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		sub.end()
	}
}

// publish delivers snap to every subscriber, replacing any unread value.
func (h *hub) publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if deliver(sub.ch, snap) {
			h.logger.Debug("store: subscriber lagging, coalesced snapshot",
				slog.Uint64("version", snap.Version),
			)
		}
	}
}

// deliver places snap in ch, discarding an unread older value if the slot is
// taken. It reports whether a value was discarded.
func deliver(ch chan Snapshot, snap Snapshot) (coalesced bool) {
	for {
		select {
		case ch <- snap:
			return coalesced
		default:
		}
		select {
		case <-ch:
			coalesced = true
		default:
		}
	}
}

// close closes every subscriber channel. Later publishes are no-ops and later
// subscriptions receive a closed channel.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, sub := range h.subs {
		delete(h.subs, key)
		sub.end()
	}
}

// count returns the number of live subscribers.
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

package live

import (
	"log/slog"
	"sync"
)

// Hub is a publish/subscribe registry. Publishing never blocks: a subscriber
// whose buffer is full is evicted and its channel closed, which its
// transport goroutine observes as the end of the stream.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	log    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: make(map[int]chan Event),
		log:  log.With("component", "hub"),
	}
}

// Subscribe registers a new subscriber with a buffer of bufSize events.
func (h *Hub) Subscribe(bufSize int) (id int, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id = h.nextID
	h.nextID++
	c := make(chan Event, bufSize)
	h.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already evicted ids are ignored.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Publish delivers e to every subscriber and returns how many received it.
func (h *Hub) Publish(e Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- e:
			delivered++
		default:
			close(ch)
			delete(h.subs, id)
			h.log.Warn("evicted slow subscriber", "subID", id, "event", e.Key())
		}
	}
	return delivered
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

package channel

import (
	"sync"
	"time"
)

// EventType identifies a supervisor lifecycle or message event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventMessage      EventType = "message"
)

// Event is delivered to subscribers in emission order.
type Event struct {
	Type        EventType   `json:"type"`
	ChannelType ChannelType `json:"channel_type"`
	At          time.Time   `json:"at"`
	Err         error       `json:"-"`
	Message     *Message    `json:"message,omitempty"`
}

// eventHub fans events out to subscribers without blocking the emitter.
// A subscriber whose buffer is full misses the event.
type eventHub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	closed  bool
	dropped func()
}

func newEventHub(dropped func()) *eventHub {
	return &eventHub{subs: map[int]chan Event{}, dropped: dropped}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *eventHub) emit(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			if h.dropped != nil {
				h.dropped()
			}
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

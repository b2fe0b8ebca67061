// Package watch fans out "conversation changed" notifications.
package watch

import (
	"sync"
	"time"
)

type Event struct {
	Key string
	At  time.Time
}

// Hub delivers events per key. Each subscriber has one buffered slot; an event
// only means "re-read", so a full slot drops the newer event.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

func (h *Hub) Subscribe(key string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 1)
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan Event)
	}
	h.subs[key][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{Key: key, At: time.Now()}
	for _, ch := range h.subs[key] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

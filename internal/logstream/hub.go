// Package logstream fans build changes out to local consumers and tails
// log files into line channels.
package logstream

import "sync"

const defaultBuffer = 64

// Hub is a pub/sub hub keyed by game. Subscribers receive values on a
// buffered channel; slow consumers have values dropped rather than blocking
// the dispatcher that publishes them.
type Hub[T any] struct {
	mu      sync.Mutex
	buffer  int
	subs    map[int64]map[chan T]struct{}
	dropped int64
}

func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{
		buffer: buffer,
		subs:   make(map[int64]map[chan T]struct{}),
	}
}

// Subscribe returns a channel that receives values for the given game, and an
// unsubscribe function. Calling the function more than once is harmless.
func (h *Hub[T]) Subscribe(gameID int64) (<-chan T, func()) {
	ch := make(chan T, h.buffer)
	h.mu.Lock()
	if h.subs[gameID] == nil {
		h.subs[gameID] = make(map[chan T]struct{})
	}
	h.subs[gameID][ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[gameID][ch]; !ok {
			return
		}
		delete(h.subs[gameID], ch)
		if len(h.subs[gameID]) == 0 {
			delete(h.subs, gameID)
		}
		close(ch)
	}
	return ch, unsub
}

// Publish sends v to all subscribers for the given game.
// Non-blocking: drops values for slow consumers.
func (h *Hub[T]) Publish(gameID int64, v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[gameID] {
		select {
		case ch <- v:
		default:
			h.dropped++
		}
	}
}

// Close closes all subscriber channels for the given game.
func (h *Hub[T]) Close(gameID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[gameID] {
		close(ch)
	}
	delete(h.subs, gameID)
}

func (h *Hub[T]) Subscribers(gameID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[gameID])
}

// Dropped counts values lost to full subscriber buffers.
func (h *Hub[T]) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

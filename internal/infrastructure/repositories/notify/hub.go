// Package notify fans session updates out to in-process subscribers. Every
// store backend uses it; backends with a remote change feed push what they
// receive into the same hub.
package notify

import (
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

type Hub struct {
	mu      sync.Mutex
	nextID  uint64
	active  map[uint64]func([]*domain.StreamSession)
	streams map[domain.StreamID]map[uint64]func(*domain.StreamSession)
}

func NewHub() *Hub {
	return &Hub{
		active:  make(map[uint64]func([]*domain.StreamSession)),
		streams: make(map[domain.StreamID]map[uint64]func(*domain.StreamSession)),
	}
}

// OnActive registers cb for active-stream list changes.
func (h *Hub) OnActive(cb func([]*domain.StreamSession)) ports.Unsubscribe {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.active[id] = cb
	h.mu.Unlock()

	return once(func() {
		h.mu.Lock()
		delete(h.active, id)
		h.mu.Unlock()
	})
}

// OnStream registers cb for changes to a single stream.
func (h *Hub) OnStream(streamID domain.StreamID, cb func(*domain.StreamSession)) ports.Unsubscribe {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	subs, ok := h.streams[streamID]
	if !ok {
		subs = make(map[uint64]func(*domain.StreamSession))
		h.streams[streamID] = subs
	}
	subs[id] = cb
	h.mu.Unlock()

	return once(func() {
		h.mu.Lock()
		if subs, ok := h.streams[streamID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.streams, streamID)
			}
		}
		h.mu.Unlock()
	})
}

// HasActiveListeners reports whether anyone watches the active list.
func (h *Hub) HasActiveListeners() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active) > 0
}

// HasStreamListeners reports whether anyone watches streamID.
func (h *Hub) HasStreamListeners(streamID domain.StreamID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[streamID]) > 0
}

// PublishActive delivers a copy of streams to every active-list listener.
func (h *Hub) PublishActive(streams []*domain.StreamSession) {
	h.mu.Lock()
	cbs := make([]func([]*domain.StreamSession), 0, len(h.active))
	for _, cb := range h.active {
		cbs = append(cbs, cb)
	}
	h.mu.Unlock()

	for _, cb := range cbs {
		copied := make([]*domain.StreamSession, len(streams))
		for i, s := range streams {
			copied[i] = s.Clone()
		}
		cb(copied)
	}
}

// PublishStream delivers a copy of stream to its listeners.
func (h *Hub) PublishStream(stream *domain.StreamSession) {
	if stream == nil {
		return
	}
	h.mu.Lock()
	subs := h.streams[stream.ID]
	cbs := make([]func(*domain.StreamSession), 0, len(subs))
	for _, cb := range subs {
		cbs = append(cbs, cb)
	}
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(stream.Clone())
	}
}

func once(fn func()) ports.Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}

package ws

import (
	"sync"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/regen"
)

// RebuildEvent is the wire form of a finished rebuild
type RebuildEvent struct {
	Trigger    string   `json:"trigger"`
	Instance   string   `json:"instance,omitempty"`
	Hash       string   `json:"hash"`
	Reused     bool     `json:"reused"`
	Warnings   []string `json:"warnings,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// NewRebuildEvent converts a controller rebuild
func NewRebuildEvent(r regen.Rebuild) RebuildEvent {
	ev := RebuildEvent{
		Trigger:    string(r.Trigger),
		Instance:   r.Instance,
		Hash:       r.Hash,
		Reused:     r.Reused,
		DurationMs: r.Duration.Milliseconds(),
	}
	for _, w := range r.Warnings {
		ev.Warnings = append(ev.Warnings, w.Error())
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	return ev
}

// Hub fans rebuild events out to the connections watching a surface
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(RebuildEvent)
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(RebuildEvent))}
}

// Subscribe registers fn for rebuilds of one surface
func (h *Hub) Subscribe(surfaceID string, fn func(RebuildEvent)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	subID := h.nextID
	if h.subs[surfaceID] == nil {
		h.subs[surfaceID] = make(map[uint64]func(RebuildEvent))
	}
	h.subs[surfaceID][subID] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[surfaceID], subID)
			if len(h.subs[surfaceID]) == 0 {
				delete(h.subs, surfaceID)
			}
		})
	}
}

// Publish delivers a rebuild to every subscriber of the surface. It matches
// the workspace OnRebuild signature.
func (h *Hub) Publish(surfaceID string, r regen.Rebuild) {
	ev := NewRebuildEvent(r)

	h.mu.RLock()
	fns := make([]func(RebuildEvent), 0, len(h.subs[surfaceID]))
	for _, fn := range h.subs[surfaceID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Watchers returns the number of subscribers for a surface
func (h *Hub) Watchers(surfaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[surfaceID])
}

package broker

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// DefaultHistorySize bounds the console history kept per broker
const DefaultHistorySize = 500

// Entry is one recorded console or error event
type Entry struct {
	Seq      uint64                 `json:"seq"`
	Instance string                 `json:"instance"`
	Time     time.Time              `json:"time"`
	Type     protocol.Type          `json:"type"`
	Console  *protocol.ConsoleEvent `json:"console,omitempty"`
	Error    *protocol.ErrorEvent   `json:"error,omitempty"`
}

// History is a fixed-size ring of entries; the oldest entry is overwritten
// when full
type History struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	seq     uint64
}

// NewHistory creates a ring holding at most size entries
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]Entry, size)}
}

// Add records e, assigning its sequence number
func (h *History) Add(e Entry) Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq
	h.entries[h.head] = e
	h.head = (h.head + 1) % len(h.entries)
	if h.count < len(h.entries) {
		h.count++
	}
	return e
}

// Entries returns the recorded entries, oldest first
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Entry, 0, h.count)
	start := (h.head - h.count + len(h.entries)) % len(h.entries)
	for i := 0; i < h.count; i++ {
		out = append(out, h.entries[(start+i)%len(h.entries)])
	}
	return out
}

// Since returns entries with a sequence number greater than seq
func (h *History) Since(seq uint64) []Entry {
	all := h.Entries()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Len returns the number of recorded entries
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear drops all entries. Sequence numbers keep increasing.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.entries {
		h.entries[i] = Entry{}
	}
	h.head = 0
	h.count = 0
}

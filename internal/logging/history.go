package logging

import "sync"

// History is a fixed-size ring of the most recent records.
type History struct {
	mu    sync.Mutex
	items []Record
	next  int
	full  bool
}

func newHistory(size int) *History {
	return &History{items: make([]Record, size)}
}

func (h *History) add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.next] = rec
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
}

// Snapshot returns a copy of the retained records, oldest first.
func (h *History) Snapshot() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]Record(nil), h.items[:h.next]...)
	}
	out := make([]Record, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	out = append(out, h.items[:h.next]...)
	return out
}

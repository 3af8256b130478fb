package controller

import (
	"sync"

	"github.com/nstogner/devbox/pkg/domain"
)

// History is the ordered record of dispatched (Action, Observation) pairs.
// Entries are only appended; Clear truncates to empty.
type History struct {
	mu      sync.RWMutex
	entries []domain.HistoryEntry
}

func (h *History) Append(entries ...domain.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
}

// Entries returns a copy of the history.
func (h *History) Entries() []domain.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

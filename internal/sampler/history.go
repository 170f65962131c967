package sampler

import (
	"sync"

	"github.com/loykin/ollamad/internal/state"
)

// DefaultHistorySize is the number of snapshots a History keeps.
const DefaultHistorySize = 100

// History keeps the most recent snapshots in a circular buffer.
type History struct {
	mu       sync.RWMutex
	buf      []state.ResourceStats
	startIdx int
	count    int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]state.ResourceStats, size)}
}

func (h *History) Add(s state.ResourceStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.buf) {
		h.buf[(h.startIdx+h.count)%len(h.buf)] = s
		h.count++
		return
	}
	h.buf[h.startIdx] = s
	h.startIdx = (h.startIdx + 1) % len(h.buf)
}

// Last returns up to n snapshots, oldest first. n <= 0 returns all.
func (h *History) Last(n int) []state.ResourceStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]state.ResourceStats, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.buf[(h.startIdx+i)%len(h.buf)])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

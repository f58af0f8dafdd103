package scheduler

import "sync"

// history is a bounded ring of fire records, oldest overwritten first.
type history struct {
	mu   sync.Mutex
	buf  []FireRecord
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	return &history{buf: make([]FireRecord, size)}
}

func (h *history) add(r FireRecord) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

// recent returns up to limit records, newest first. limit <= 0 returns all.
func (h *history) recent(limit int) []FireRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FireRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// resize keeps the newest records that fit.
func (h *history) resize(size int) {
	if size <= 0 {
		size = 1
	}
	keep := h.recent(size)
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == len(h.buf) {
		return
	}
	h.buf = make([]FireRecord, size)
	h.next, h.full = 0, false
	for i := len(keep) - 1; i >= 0; i-- {
		h.buf[h.next] = keep[i]
		h.next++
		if h.next == size {
			h.next = 0
			h.full = true
		}
	}
}

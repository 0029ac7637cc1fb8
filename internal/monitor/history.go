package monitor

import "sync"

// historyRing is a fixed-capacity sample ring. Once full, each push
// overwrites the oldest sample.
type historyRing struct {
	mu      sync.Mutex
	samples []NodeMetrics
	head    int
	count   int
	cap     int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &historyRing{samples: make([]NodeMetrics, capacity), cap: capacity}
}

func (r *historyRing) push(m NodeMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.head] = m
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// tail returns the most recent limit samples, oldest first. A limit
// of zero or less returns everything retained.
func (r *historyRing) tail(limit int) []NodeMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]NodeMetrics, 0, n)
	for i := n; i > 0; i-- {
		out = append(out, r.samples[(r.head-i+r.cap)%r.cap])
	}
	return out
}

func (r *historyRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

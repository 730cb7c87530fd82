package registry

import (
	"sync"
	"time"
)

// slidingWindow is a per-connection message rate limiter. It keeps the timestamps of recent events and admits a new
// one only while fewer than limit fall inside the window. Memory is bounded by limit.
type slidingWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

func (w *slidingWindow) allow() bool {
	now := time.Now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop events that have left the window.
	keep := 0
	for _, t := range w.events {
		if t.After(cutoff) {
			break
		}
		keep++
	}
	w.events = w.events[keep:]

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

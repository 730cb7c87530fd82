package retry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/buffer"
)

// Scheduler wakes failed messages when their backoff expires. Entries sit in a min-heap keyed by due time; a single
// worker goroutine sleeps until the earliest entry and fires the callback, which moves the message back to PENDING.
type Scheduler struct {
	log  zerolog.Logger
	fire func(userID, messageID string)

	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}
}

type entry struct {
	userID    string
	messageID string
	at        time.Time
}

// NewScheduler builds a Scheduler. fire is invoked from the worker goroutine once per due entry.
func NewScheduler(fire func(userID, messageID string), log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:  log.With().Str("component", "retry").Logger(),
		fire: fire,
		wake: make(chan struct{}, 1),
	}
}

// Schedule queues retry wake-ups. Safe from any goroutine.
func (s *Scheduler) Schedule(items ...buffer.RetrySchedule) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	for _, item := range items {
		heap.Push(&s.entries, entry{userID: item.UserID, messageID: item.MessageID, at: item.At})
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending wake-ups.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.fireDue()

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue pops and fires every entry at or past its due time.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.entries.Len() == 0 || s.entries[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(entry)
		s.mu.Unlock()

		s.log.Debug().Str("user_id", e.userID).Str("message_id", e.messageID).Msg("retry due")
		s.fire(e.userID, e.messageID)
	}
}

// untilNext returns the sleep before the earliest entry, clamped to keep the worker responsive.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries.Len() == 0 {
		return time.Hour
	}
	wait := time.Until(s.entries[0].at)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

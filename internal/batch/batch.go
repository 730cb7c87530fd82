package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// Strategy selects how a Batcher decides to flush.
type Strategy string

const (
	// TimeBased flushes on a fixed wait after the first message.
	TimeBased Strategy = "time_based"
	// SizeBased flushes when the batch reaches the size or byte limit.
	SizeBased Strategy = "size_based"
	// Hybrid flushes on whichever of size or time triggers first.
	Hybrid Strategy = "hybrid"
	// Adaptive is Hybrid with a size target that follows the recent arrival rate.
	Adaptive Strategy = "adaptive"
)

// ParseStrategy converts a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case TimeBased, SizeBased, Hybrid, Adaptive:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown batch strategy %q", s)
}

// Trigger names the condition that caused a flush. Used as a metric label.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerBytes    Trigger = "bytes"
	TriggerTimer    Trigger = "timer"
	TriggerPriority Trigger = "priority"
	TriggerManual   Trigger = "manual"
)

// Options configures a Batcher.
type Options struct {
	Strategy          Strategy
	MaxSize           int
	MaxBytes          int
	MaxWait           time.Duration
	PriorityThreshold protocol.Priority
	AdaptiveMin       int
	AdaptiveMax       int
}

// FlushFunc receives a flushed batch in arrival order. Called from the adding goroutine or the wait timer; it must
// not call back into the Batcher.
type FlushFunc func(items []*buffer.Message, trigger Trigger)

// Batcher accumulates messages for one delivery target and flushes them as a single frame. Messages at or above the
// priority threshold, and critical messages, force an immediate flush so urgency is never traded for throughput.
type Batcher struct {
	opts  Options
	flush FlushFunc

	mu      sync.Mutex
	pending []*buffer.Message
	bytes   int
	timer   *time.Timer
	closed  bool

	// Adaptive bookkeeping: arrivals in the current one-second window set the next window's size target.
	target      int
	windowStart time.Time
	windowCount int
}

// New builds a Batcher flushing through fn.
func New(opts Options, fn FlushFunc) *Batcher {
	target := opts.MaxSize
	if opts.Strategy == Adaptive {
		target = opts.AdaptiveMin
	}
	return &Batcher{opts: opts, flush: fn, target: target, windowStart: time.Now()}
}

// Add appends a message and flushes if a trigger fires.
func (b *Batcher) Add(msg *buffer.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.pending = append(b.pending, msg)
	b.bytes += msg.SizeBytes
	if b.opts.Strategy == Adaptive {
		b.observeArrivalLocked()
	}

	if trigger, ok := b.triggerLocked(msg); ok {
		items := b.takeLocked()
		b.mu.Unlock()
		b.flush(items, trigger)
		return
	}

	if b.usesTimer() && b.timer == nil {
		b.timer = time.AfterFunc(b.opts.MaxWait, b.flushOnTimer)
	}
	b.mu.Unlock()
}

// Flush forces out whatever is pending. Used when a drain loop empties its source and wants the last partial batch
// on the wire.
func (b *Batcher) Flush() {
	b.mu.Lock()
	items := b.takeLocked()
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items, TriggerManual)
	}
}

// Close flushes pending messages and stops the timer. The Batcher accepts no further messages.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	items := b.takeLocked()
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items, TriggerManual)
	}
}

// Pending returns the number of accumulated messages.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) usesTimer() bool {
	switch b.opts.Strategy {
	case TimeBased, Hybrid, Adaptive:
		return true
	}
	return false
}

func (b *Batcher) usesSize() bool {
	switch b.opts.Strategy {
	case SizeBased, Hybrid, Adaptive:
		return true
	}
	return false
}

// triggerLocked evaluates flush conditions after newest was added.
func (b *Batcher) triggerLocked(newest *buffer.Message) (Trigger, bool) {
	if newest.Critical || newest.Priority() >= b.opts.PriorityThreshold {
		return TriggerPriority, true
	}
	if b.usesSize() {
		if len(b.pending) >= b.sizeTargetLocked() {
			return TriggerSize, true
		}
		if b.opts.MaxBytes > 0 && b.bytes >= b.opts.MaxBytes {
			return TriggerBytes, true
		}
	}
	return "", false
}

func (b *Batcher) sizeTargetLocked() int {
	if b.opts.Strategy == Adaptive {
		return b.target
	}
	return b.opts.MaxSize
}

// observeArrivalLocked rolls the one-second arrival window and retargets the adaptive batch size: busy windows get
// bigger batches for throughput, quiet windows get smaller ones for latency.
func (b *Batcher) observeArrivalLocked() {
	now := time.Now()
	if now.Sub(b.windowStart) >= time.Second {
		target := b.windowCount
		if target < b.opts.AdaptiveMin {
			target = b.opts.AdaptiveMin
		}
		if target > b.opts.AdaptiveMax {
			target = b.opts.AdaptiveMax
		}
		b.target = target
		b.windowStart = now
		b.windowCount = 0
	}
	b.windowCount++
}

func (b *Batcher) flushOnTimer() {
	b.mu.Lock()
	items := b.takeLocked()
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items, TriggerTimer)
	}
}

// takeLocked detaches the pending batch and resets the timer.
func (b *Batcher) takeLocked() []*buffer.Message {
	items := b.pending
	b.pending = nil
	b.bytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}

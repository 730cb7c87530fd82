package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/batch"
	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
	"github.com/tessera-ai/tessera-gateway/internal/retry"
)

// workerIdleTimeout is how long a drain worker lingers with nothing to do before retiring. A later notify spawns a
// fresh one.
const workerIdleTimeout = 30 * time.Second

// Dispatcher moves buffered messages onto live sockets. Each user with traffic gets a drain worker that pulls pending
// messages, batches them, and resolves every take with an Ack or a Nack. Workers are woken by buffer notifications
// and retire when idle.
type Dispatcher struct {
	buf     *buffer.Manager
	reg     *registry.Registry
	sched   *retry.Scheduler
	opts    batch.Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	wakes  map[string]chan struct{}
	closed bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher builds the dispatcher and installs itself as the buffer's notify target.
func NewDispatcher(opts batch.Options, buf *buffer.Manager, reg *registry.Registry, sched *retry.Scheduler, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		buf:     buf,
		reg:     reg,
		sched:   sched,
		opts:    opts,
		log:     log.With().Str("component", "dispatcher").Logger(),
		metrics: m,
		wakes:   make(map[string]chan struct{}),
		quit:    make(chan struct{}),
	}
	buf.SetNotify(d.Notify)
	return d
}

// Notify wakes the user's drain worker, spawning one if none is running. Safe from any goroutine.
func (d *Dispatcher) Notify(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if wake, ok := d.wakes[userID]; ok {
		select {
		case wake <- struct{}{}:
		default:
		}
		return
	}
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	d.wakes[userID] = wake
	d.wg.Add(1)
	go d.worker(userID, wake)
}

// worker drains one user's buffer through a batcher until it has been idle long enough to retire.
func (d *Dispatcher) worker(userID string, wake chan struct{}) {
	defer d.wg.Done()

	b := batch.New(d.opts, func(items []*buffer.Message, trigger batch.Trigger) {
		d.deliver(userID, items, trigger)
	})
	defer b.Close()

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		for d.reg.UserOnline(userID) {
			msgs := d.buf.TakeBatch(userID, d.opts.MaxSize, d.opts.MaxBytes)
			if len(msgs) == 0 {
				break
			}
			for _, m := range msgs {
				b.Add(m)
			}
		}
		b.Flush()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(workerIdleTimeout)

		select {
		case <-wake:
		case <-idle.C:
			if d.tryRetire(userID, wake) {
				return
			}
		case <-d.quit:
			return
		}
	}
}

// tryRetire removes the worker's wake registration unless work arrived while it was deciding. Holding the mutex for
// the whole check is what makes Notify lose no wakeups.
func (d *Dispatcher) tryRetire(userID string, wake chan struct{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-wake:
		return false
	default:
	}
	if d.buf.PendingCount(userID) > 0 && d.reg.UserOnline(userID) {
		return false
	}
	delete(d.wakes, userID)
	return true
}

// deliver writes one flushed batch to every live socket of the user. One successful socket acknowledges the batch;
// zero sockets requeues it without burning an attempt; failed sends on all sockets count as a delivery attempt and go
// to the retry scheduler.
func (d *Dispatcher) deliver(userID string, items []*buffer.Message, trigger batch.Trigger) {
	ids := make([]string, len(items))
	envs := make([]*protocol.Envelope, len(items))
	for i, m := range items {
		ids[i] = m.ID()
		envs[i] = m.Envelope
	}

	conns := d.reg.ByUser(userID)
	if len(conns) == 0 {
		d.buf.Requeue(userID, ids...)
		return
	}

	data, err := protocol.EncodeBatch(envs)
	if err != nil {
		d.log.Error().Err(err).Str("user_id", userID).Msg("batch encode failed")
		d.sched.Schedule(d.buf.Nack(userID, ids...)...)
		return
	}

	delivered := false
	for _, c := range conns {
		if err := c.Send(data); err == nil {
			delivered = true
		}
	}

	if delivered {
		d.buf.Ack(userID, ids...)
		d.metrics.BatchesFlushed.WithLabelValues(string(trigger)).Inc()
		return
	}
	d.sched.Schedule(d.buf.Nack(userID, ids...)...)
}

// Shutdown stops accepting notifications and waits for in-flight workers, bounded by ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

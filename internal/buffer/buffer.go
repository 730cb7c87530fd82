package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// OverflowPolicy decides which message loses when a full per-user buffer receives another enqueue.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest non-critical message.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest rejects the incoming message unless it is critical.
	DropNewest OverflowPolicy = "drop_newest"
	// DropLowPriority evicts the lowest-priority non-critical message, oldest first on ties.
	DropLowPriority OverflowPolicy = "drop_low_priority"
)

// ParsePolicy converts a config string to an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, DropNewest, DropLowPriority:
		return OverflowPolicy(s), nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Options configures a Manager.
type Options struct {
	PerUserLimit     int
	GlobalLimit      int
	MaxMessageBytes  int
	MaxMemoryBytes   int64
	Policy           OverflowPolicy
	MaxAttempts      int
	RetryBackoff     []time.Duration
	RecoveryDeadline time.Duration
	CriticalTypes    []protocol.MessageType
}

// Manager holds bounded per-user delivery buffers. Every user-targeted message flows through a Manager so delivery is
// at-least-once: Enqueue admits, TakeBatch marks SENDING, and Ack or Nack resolves the attempt. A single mutex guards
// all queues; operations are short and never block on I/O.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	critical map[protocol.MessageType]struct{}

	mu          sync.Mutex
	users       map[string]*userQueue
	globalCount int
	globalBytes int64
	seq         uint64

	notify     func(userID string)
	deadLetter func(msg *Message)
}

type userQueue struct {
	msgs []*Message
}

// NewManager builds a Manager. The zero critical set falls back to protocol.DefaultCriticalTypes.
func NewManager(opts Options, log zerolog.Logger, m *metrics.Metrics) *Manager {
	types := opts.CriticalTypes
	if len(types) == 0 {
		types = protocol.DefaultCriticalTypes
	}
	critical := make(map[protocol.MessageType]struct{}, len(types))
	for _, t := range types {
		critical[t] = struct{}{}
	}
	return &Manager{
		opts:     opts,
		log:      log.With().Str("component", "buffer").Logger(),
		metrics:  m,
		critical: critical,
		users:    make(map[string]*userQueue),
	}
}

// SetNotify registers a callback invoked when a user gains deliverable messages. Called without the manager lock held.
func (b *Manager) SetNotify(fn func(userID string)) {
	b.notify = fn
}

// SetDeadLetterHook registers a callback for messages removed after exhausting attempts or evicted while critical.
func (b *Manager) SetDeadLetterHook(fn func(msg *Message)) {
	b.deadLetter = fn
}

// IsCritical reports whether an envelope is protected from overflow eviction.
func (b *Manager) IsCritical(env *protocol.Envelope) bool {
	if env.EffectivePriority() == protocol.PriorityCritical {
		return true
	}
	_, ok := b.critical[env.Type]
	return ok
}

// Enqueue admits a message into userID's buffer. Oversize messages are rejected with protocol.ErrOverflow; a full
// buffer triggers the overflow policy. Returns protocol.ErrOverflow when the policy rejects the incoming message.
func (b *Manager) Enqueue(userID string, env *protocol.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	size := len(encoded)
	if size > b.opts.MaxMessageBytes {
		b.metrics.MessagesDropped.Inc()
		b.log.Warn().Str("user_id", userID).Str("message_id", env.MessageID).
			Int("size", size).Int("limit", b.opts.MaxMessageBytes).Msg("oversize message rejected")
		return fmt.Errorf("message size %d exceeds limit %d: %w", size, b.opts.MaxMessageBytes, protocol.ErrOverflow)
	}

	msg := &Message{
		Envelope:    env,
		State:       StatePending,
		OwnerUserID: userID,
		Critical:    b.IsCritical(env),
		SizeBytes:   size,
		EnqueuedAt:  time.Now(),
	}

	var dead []*Message
	b.mu.Lock()
	b.seq++
	msg.seq = b.seq

	// Memory pressure rejects new non-critical work before it is queued.
	if b.opts.MaxMemoryBytes > 0 && b.globalBytes+int64(size) > b.opts.MaxMemoryBytes && !msg.Critical {
		b.mu.Unlock()
		b.metrics.MessagesDropped.Inc()
		b.metrics.OverflowEvents.Inc()
		return fmt.Errorf("buffer memory limit reached: %w", protocol.ErrOverflow)
	}

	q := b.users[userID]
	if q == nil {
		q = &userQueue{}
		b.users[userID] = q
	}

	if len(q.msgs) >= b.opts.PerUserLimit {
		evicted, rejected := b.applyOverflowLocked(q, msg)
		b.metrics.OverflowEvents.Inc()
		if rejected {
			b.mu.Unlock()
			b.metrics.MessagesDropped.Inc()
			b.log.Warn().Str("user_id", userID).Str("message_id", env.MessageID).
				Str("policy", string(b.opts.Policy)).Msg("buffer full, incoming message rejected")
			return fmt.Errorf("buffer full for user %s: %w", userID, protocol.ErrOverflow)
		}
		dead = append(dead, evicted...)
	}

	q.msgs = append(q.msgs, msg)
	b.globalCount++
	b.globalBytes += int64(size)

	if b.globalCount > b.opts.GlobalLimit {
		dead = append(dead, b.evictGlobalLocked()...)
	}
	b.mu.Unlock()

	b.metrics.MessagesBuffered.Set(float64(b.Len()))
	b.finishEvictions(dead)
	if b.notify != nil {
		b.notify(userID)
	}
	return nil
}

// applyOverflowLocked makes room in a full queue for incoming. It returns messages evicted for dead-lettering and
// whether the incoming message itself was rejected.
func (b *Manager) applyOverflowLocked(q *userQueue, incoming *Message) (evicted []*Message, rejected bool) {
	victim := -1
	switch b.opts.Policy {
	case DropNewest:
		if !incoming.Critical {
			return nil, true
		}
		victim = b.oldestNonCriticalLocked(q)
	case DropLowPriority:
		victim = b.lowestPriorityLocked(q)
	default: // DropOldest
		victim = b.oldestNonCriticalLocked(q)
	}

	// Every queued message is critical. Losing the oldest critical is preferable to silently losing the newest, and
	// the dead-letter hook makes the loss observable.
	if victim < 0 {
		victim = b.oldestEvictableLocked(q)
	}
	if victim < 0 {
		return nil, true
	}

	msg := q.msgs[victim]
	b.removeAtLocked(q, victim)
	b.metrics.MessagesDropped.Inc()
	if msg.Critical {
		return []*Message{msg}, false
	}
	b.log.Debug().Str("user_id", msg.OwnerUserID).Str("message_id", msg.ID()).
		Str("policy", string(b.opts.Policy)).Msg("message evicted by overflow policy")
	return nil, false
}

// oldestNonCriticalLocked returns the index of the oldest evictable non-critical message, or -1.
func (b *Manager) oldestNonCriticalLocked(q *userQueue) int {
	for i, m := range q.msgs {
		if !m.Critical && m.State != StateSending {
			return i
		}
	}
	return -1
}

// lowestPriorityLocked returns the index of the lowest-priority evictable non-critical message, oldest first on ties.
func (b *Manager) lowestPriorityLocked(q *userQueue) int {
	victim := -1
	best := protocol.PriorityCritical + 1
	for i, m := range q.msgs {
		if m.Critical || m.State == StateSending {
			continue
		}
		if p := m.Priority(); p < best {
			best = p
			victim = i
		}
	}
	return victim
}

// oldestEvictableLocked returns the index of the oldest message not mid-send, or -1.
func (b *Manager) oldestEvictableLocked(q *userQueue) int {
	for i, m := range q.msgs {
		if m.State != StateSending {
			return i
		}
	}
	return -1
}

// evictGlobalLocked enforces the global cap by evicting the oldest LOW-priority message across all buffers, falling
// back to the oldest non-critical message when no LOW exists.
func (b *Manager) evictGlobalLocked() []*Message {
	var (
		victimQ   *userQueue
		victimIdx = -1
		victimSeq uint64
		low       bool
	)
	for _, q := range b.users {
		for i, m := range q.msgs {
			if m.Critical || m.State == StateSending {
				continue
			}
			isLow := m.Priority() == protocol.PriorityLow
			switch {
			case victimIdx < 0,
				isLow && !low,
				isLow == low && m.seq < victimSeq:
				victimQ, victimIdx, victimSeq, low = q, i, m.seq, isLow
			}
		}
	}
	if victimIdx < 0 {
		return nil
	}
	msg := victimQ.msgs[victimIdx]
	b.removeAtLocked(victimQ, victimIdx)
	b.metrics.MessagesDropped.Inc()
	b.metrics.OverflowEvents.Inc()
	b.log.Warn().Str("user_id", msg.OwnerUserID).Str("message_id", msg.ID()).Msg("global buffer cap eviction")
	return nil
}

func (b *Manager) removeAtLocked(q *userQueue, i int) {
	msg := q.msgs[i]
	q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
	b.globalCount--
	b.globalBytes -= int64(msg.SizeBytes)
}

// TakeBatch atomically marks up to maxCount PENDING messages (bounded by maxBytes when > 0) as SENDING and returns
// them in enqueue order. Messages stay owned by the buffer until Ack or Nack.
func (b *Manager) TakeBatch(userID string, maxCount, maxBytes int) []*Message {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.users[userID]
	if q == nil {
		return nil
	}

	var (
		batch []*Message
		bytes int
	)
	for _, m := range q.msgs {
		if m.State != StatePending {
			continue
		}
		if len(batch) >= maxCount {
			break
		}
		if maxBytes > 0 && bytes+m.SizeBytes > maxBytes && len(batch) > 0 {
			break
		}
		m.State = StateSending
		m.LastAttemptAt = now
		batch = append(batch, m)
		bytes += m.SizeBytes
	}
	return batch
}

// Ack marks delivered messages SENT and removes them. Acking an unknown or already-removed ID is a no-op so duplicate
// acks after a redelivery are harmless.
func (b *Manager) Ack(userID string, messageIDs ...string) {
	ids := toSet(messageIDs)

	b.mu.Lock()
	q := b.users[userID]
	if q == nil {
		b.mu.Unlock()
		return
	}
	kept := q.msgs[:0]
	acked := 0
	for _, m := range q.msgs {
		if _, ok := ids[m.ID()]; ok {
			m.State = StateSent
			b.globalCount--
			b.globalBytes -= int64(m.SizeBytes)
			acked++
			continue
		}
		kept = append(kept, m)
	}
	q.msgs = kept
	if len(q.msgs) == 0 {
		delete(b.users, userID)
	}
	b.mu.Unlock()

	if acked > 0 {
		b.metrics.MessagesSent.Add(float64(acked))
		b.metrics.MessagesBuffered.Set(float64(b.Len()))
	}
}

// Nack records a failed attempt. Messages under the attempt cap move to FAILED with a backoff schedule returned for
// the retry scheduler; exhausted messages are dead-lettered and removed.
func (b *Manager) Nack(userID string, messageIDs ...string) []RetrySchedule {
	ids := toSet(messageIDs)
	now := time.Now()

	var (
		schedules []RetrySchedule
		dead      []*Message
	)

	b.mu.Lock()
	q := b.users[userID]
	if q == nil {
		b.mu.Unlock()
		return nil
	}
	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if _, ok := ids[m.ID()]; !ok {
			kept = append(kept, m)
			continue
		}
		m.AttemptCount++
		if m.AttemptCount >= b.opts.MaxAttempts {
			b.globalCount--
			b.globalBytes -= int64(m.SizeBytes)
			dead = append(dead, m)
			continue
		}
		m.State = StateFailed
		m.NextRetryAt = now.Add(b.backoffFor(m.AttemptCount))
		schedules = append(schedules, RetrySchedule{UserID: userID, MessageID: m.ID(), At: m.NextRetryAt})
		kept = append(kept, m)
	}
	q.msgs = kept
	if len(q.msgs) == 0 {
		delete(b.users, userID)
	}
	b.mu.Unlock()

	b.metrics.MessagesBuffered.Set(float64(b.Len()))
	b.finishEvictions(dead)
	return schedules
}

// Requeue moves SENDING messages straight back to PENDING without counting an attempt. Used when delivery was never
// tried, e.g. the user's last connection vanished between take and send.
func (b *Manager) Requeue(userID string, messageIDs ...string) {
	ids := toSet(messageIDs)

	b.mu.Lock()
	q := b.users[userID]
	if q == nil {
		b.mu.Unlock()
		return
	}
	for _, m := range q.msgs {
		if _, ok := ids[m.ID()]; ok && m.State == StateSending {
			m.State = StatePending
		}
	}
	b.mu.Unlock()
}

// backoffFor returns the delay before retry number attempt. Attempts beyond the configured ladder reuse its last rung.
func (b *Manager) backoffFor(attempt int) time.Duration {
	ladder := b.opts.RetryBackoff
	if len(ladder) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// MarkRetryDue moves a FAILED message back to PENDING. The retry scheduler calls this when its timer fires.
func (b *Manager) MarkRetryDue(userID, messageID string) bool {
	b.mu.Lock()
	q := b.users[userID]
	if q == nil {
		b.mu.Unlock()
		return false
	}
	found := false
	for _, m := range q.msgs {
		if m.ID() == messageID && m.State == StateFailed {
			m.State = StatePending
			found = true
			break
		}
	}
	b.mu.Unlock()

	if found {
		b.metrics.MessagesRetried.Inc()
		if b.notify != nil {
			b.notify(userID)
		}
	}
	return found
}

// RecoverStuck requeues SENDING messages whose attempt started before the recovery deadline. Covers consumers that
// died without resolving a batch. Returns the number of recovered messages.
func (b *Manager) RecoverStuck() int {
	cutoff := time.Now().Add(-b.opts.RecoveryDeadline)
	recovered := 0
	var woken []string

	b.mu.Lock()
	for userID, q := range b.users {
		userHit := false
		for _, m := range q.msgs {
			if m.State == StateSending && m.LastAttemptAt.Before(cutoff) {
				m.State = StatePending
				recovered++
				userHit = true
			}
		}
		if userHit {
			woken = append(woken, userID)
		}
	}
	b.mu.Unlock()

	if recovered > 0 {
		b.log.Warn().Int("count", recovered).Msg("recovered messages stuck in SENDING")
	}
	if b.notify != nil {
		for _, u := range woken {
			b.notify(u)
		}
	}
	return recovered
}

// PendingCount returns the number of PENDING messages for a user.
func (b *Manager) PendingCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.users[userID]
	if q == nil {
		return 0
	}
	n := 0
	for _, m := range q.msgs {
		if m.State == StatePending {
			n++
		}
	}
	return n
}

// UserLen returns the total buffered message count for a user, regardless of state.
func (b *Manager) UserLen(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.users[userID]
	if q == nil {
		return 0
	}
	return len(q.msgs)
}

// Len returns the total buffered message count across all users.
func (b *Manager) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.globalCount
}

// Snapshot returns the buffered envelopes for a user in enqueue order without changing their states. Used by the
// reconnection handler to replay undelivered messages.
func (b *Manager) Snapshot(userID string) []*protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.users[userID]
	if q == nil {
		return nil
	}
	out := make([]*protocol.Envelope, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m.Envelope)
	}
	return out
}

// Users returns the IDs of users with at least one PENDING message.
func (b *Manager) Users() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.users))
	for userID, q := range b.users {
		for _, m := range q.msgs {
			if m.State == StatePending {
				out = append(out, userID)
				break
			}
		}
	}
	return out
}

// finishEvictions dead-letters evicted messages outside the lock.
func (b *Manager) finishEvictions(dead []*Message) {
	for _, m := range dead {
		b.metrics.DeadLetters.Inc()
		b.log.Error().Str("user_id", m.OwnerUserID).Str("message_id", m.ID()).
			Str("type", string(m.Envelope.Type)).Int("attempts", m.AttemptCount).
			Bool("critical", m.Critical).Msg("message dead-lettered")
		if b.deadLetter != nil {
			b.deadLetter(m)
		}
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

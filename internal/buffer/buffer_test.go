package buffer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

func testOptions() Options {
	return Options{
		PerUserLimit:     3,
		GlobalLimit:      100,
		MaxMessageBytes:  4096,
		Policy:           DropOldest,
		MaxAttempts:      3,
		RetryBackoff:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		RecoveryDeadline: 50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	return NewManager(opts, zerolog.Nop(), metrics.New())
}

func envelope(t protocol.MessageType, p protocol.Priority) *protocol.Envelope {
	return protocol.NewEnvelope(t, map[string]any{"n": 1}).WithPriority(p)
}

func queuedTypes(b *Manager, userID string) []protocol.MessageType {
	var out []protocol.MessageType
	for _, env := range b.Snapshot(userID) {
		out = append(out, env.Type)
	}
	return out
}

func queuedPriorities(b *Manager, userID string) []protocol.Priority {
	var out []protocol.Priority
	for _, env := range b.Snapshot(userID) {
		out = append(out, env.EffectivePriority())
	}
	return out
}

func TestEnqueueOversizeRejected(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.MaxMessageBytes = 64
	b := newTestManager(t, opts)

	big := protocol.NewEnvelope(protocol.TypeChatMessage, map[string]any{
		"text": string(make([]byte, 256)),
	})
	err := b.Enqueue("u1", big)
	if !errors.Is(err, protocol.ErrOverflow) {
		t.Fatalf("Enqueue(oversize) error = %v, want ErrOverflow", err)
	}
	if got := b.UserLen("u1"); got != 0 {
		t.Errorf("UserLen = %d, want 0", got)
	}
}

func TestOverflowDropLowPriorityProtectsCritical(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Policy = DropLowPriority
	b := newTestManager(t, opts)

	// Fill to capacity: LOW, NORMAL, LOW.
	for _, p := range []protocol.Priority{protocol.PriorityLow, protocol.PriorityNormal, protocol.PriorityLow} {
		if err := b.Enqueue("u1", envelope(protocol.TypeChatMessage, p)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// A critical enqueue evicts the oldest LOW and lands at the tail.
	if err := b.Enqueue("u1", envelope(protocol.TypeStartAgent, protocol.PriorityCritical)); err != nil {
		t.Fatalf("Enqueue(critical) error = %v", err)
	}

	want := []protocol.Priority{protocol.PriorityNormal, protocol.PriorityLow, protocol.PriorityCritical}
	got := queuedPriorities(b, "u1")
	if len(got) != len(want) {
		t.Fatalf("queue length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOverflowDropOldestSkipsCritical(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	if err := b.Enqueue("u1", envelope(protocol.TypeStartAgent, protocol.PriorityCritical)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.Enqueue("u1", envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Oldest message is critical; the first NORMAL goes instead.
	if err := b.Enqueue("u1", envelope(protocol.TypeAgentUpdate, protocol.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got := queuedTypes(b, "u1")
	want := []protocol.MessageType{protocol.TypeStartAgent, protocol.TypeChatMessage, protocol.TypeAgentUpdate}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOverflowDropNewestRejectsNonCritical(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Policy = DropNewest
	b := newTestManager(t, opts)

	for i := 0; i < 3; i++ {
		if err := b.Enqueue("u1", envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if err := b.Enqueue("u1", envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); !errors.Is(err, protocol.ErrOverflow) {
		t.Errorf("Enqueue(overflow) error = %v, want ErrOverflow", err)
	}
	if got := b.UserLen("u1"); got != 3 {
		t.Errorf("UserLen = %d, want 3", got)
	}

	// Critical still gets in by displacing the oldest non-critical.
	if err := b.Enqueue("u1", envelope(protocol.TypeStopAgent, protocol.PriorityCritical)); err != nil {
		t.Errorf("Enqueue(critical) error = %v", err)
	}
	got := queuedTypes(b, "u1")
	if got[len(got)-1] != protocol.TypeStopAgent {
		t.Errorf("tail = %v, want stop_agent", got[len(got)-1])
	}
}

func TestOverflowAllCriticalDeadLettersOldest(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	var dead []string
	b.SetDeadLetterHook(func(m *Message) { dead = append(dead, m.ID()) })

	var first string
	for i := 0; i < 3; i++ {
		env := envelope(protocol.TypeStartAgent, protocol.PriorityCritical)
		if i == 0 {
			first = env.MessageID
		}
		if err := b.Enqueue("u1", env); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if err := b.Enqueue("u1", envelope(protocol.TypeStopAgent, protocol.PriorityCritical)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if len(dead) != 1 || dead[0] != first {
		t.Errorf("dead letters = %v, want [%s]", dead, first)
	}
}

func TestTakeBatchMarksSendingInOrder(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.PerUserLimit = 10
	b := newTestManager(t, opts)

	var ids []string
	for i := 0; i < 5; i++ {
		env := envelope(protocol.TypeChatMessage, protocol.PriorityNormal)
		ids = append(ids, env.MessageID)
		if err := b.Enqueue("u1", env); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	batch := b.TakeBatch("u1", 3, 0)
	if len(batch) != 3 {
		t.Fatalf("TakeBatch() returned %d messages, want 3", len(batch))
	}
	for i, m := range batch {
		if m.ID() != ids[i] {
			t.Errorf("batch[%d] = %s, want %s (enqueue order)", i, m.ID(), ids[i])
		}
		if m.State != StateSending {
			t.Errorf("batch[%d] state = %v, want SENDING", i, m.State)
		}
	}

	// SENDING messages are not handed out again.
	second := b.TakeBatch("u1", 10, 0)
	if len(second) != 2 {
		t.Errorf("second TakeBatch() returned %d messages, want 2", len(second))
	}
}

func TestAckRemovesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	env := envelope(protocol.TypeChatMessage, protocol.PriorityNormal)
	if err := b.Enqueue("u1", env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	b.TakeBatch("u1", 1, 0)

	b.Ack("u1", env.MessageID)
	if got := b.UserLen("u1"); got != 0 {
		t.Fatalf("UserLen after ack = %d, want 0", got)
	}

	// Duplicate and unknown acks are no-ops.
	b.Ack("u1", env.MessageID)
	b.Ack("u1", "no-such-id")
	b.Ack("ghost", env.MessageID)
}

func TestNackSchedulesBackoffThenDeadLetters(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	var dead []string
	b.SetDeadLetterHook(func(m *Message) { dead = append(dead, m.ID()) })

	env := envelope(protocol.TypeChatMessage, protocol.PriorityNormal)
	if err := b.Enqueue("u1", env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Attempts 1 and 2 schedule retries on the backoff ladder.
	for attempt := 1; attempt < 3; attempt++ {
		if got := b.TakeBatch("u1", 1, 0); len(got) != 1 {
			t.Fatalf("attempt %d: TakeBatch() returned %d messages, want 1", attempt, len(got))
		}
		schedules := b.Nack("u1", env.MessageID)
		if len(schedules) != 1 {
			t.Fatalf("attempt %d: Nack() returned %d schedules, want 1", attempt, len(schedules))
		}
		if schedules[0].MessageID != env.MessageID || schedules[0].UserID != "u1" {
			t.Errorf("attempt %d: schedule = %+v", attempt, schedules[0])
		}
		if !b.MarkRetryDue("u1", env.MessageID) {
			t.Fatalf("attempt %d: MarkRetryDue() = false, want true", attempt)
		}
	}

	// Third failure exhausts MaxAttempts.
	b.TakeBatch("u1", 1, 0)
	if schedules := b.Nack("u1", env.MessageID); len(schedules) != 0 {
		t.Errorf("final Nack() returned %d schedules, want 0", len(schedules))
	}
	if len(dead) != 1 || dead[0] != env.MessageID {
		t.Errorf("dead letters = %v, want [%s]", dead, env.MessageID)
	}
	if got := b.UserLen("u1"); got != 0 {
		t.Errorf("UserLen = %d, want 0", got)
	}
}

func TestRecoverStuckRequeuesExpiredSends(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	if err := b.Enqueue("u1", envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if got := b.TakeBatch("u1", 1, 0); len(got) != 1 {
		t.Fatalf("TakeBatch() returned %d messages, want 1", len(got))
	}

	// Too early: the attempt is still within the recovery deadline.
	if n := b.RecoverStuck(); n != 0 {
		t.Errorf("RecoverStuck() = %d, want 0", n)
	}

	time.Sleep(60 * time.Millisecond)
	if n := b.RecoverStuck(); n != 1 {
		t.Errorf("RecoverStuck() = %d, want 1", n)
	}
	if got := b.TakeBatch("u1", 1, 0); len(got) != 1 {
		t.Errorf("TakeBatch() after recovery returned %d messages, want 1", len(got))
	}
}

func TestGlobalCapEvictsOldestLow(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.PerUserLimit = 10
	opts.GlobalLimit = 4
	b := newTestManager(t, opts)

	lowEnv := envelope(protocol.TypeChatMessage, protocol.PriorityLow)
	if err := b.Enqueue("u1", lowEnv); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		user := fmt.Sprintf("u%d", i+2)
		if err := b.Enqueue(user, envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Fifth message breaches the global cap; u1's LOW is the victim.
	if err := b.Enqueue("u5", envelope(protocol.TypeChatMessage, protocol.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if got := b.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
	if got := b.UserLen("u1"); got != 0 {
		t.Errorf("UserLen(u1) = %d, want 0 (LOW evicted)", got)
	}
}

func TestNotifyFiresOnEnqueueAndRetry(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	notified := make([]string, 0, 2)
	b.SetNotify(func(userID string) { notified = append(notified, userID) })

	env := envelope(protocol.TypeChatMessage, protocol.PriorityNormal)
	if err := b.Enqueue("u1", env); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	b.TakeBatch("u1", 1, 0)
	b.Nack("u1", env.MessageID)
	b.MarkRetryDue("u1", env.MessageID)

	if len(notified) != 2 || notified[0] != "u1" || notified[1] != "u1" {
		t.Errorf("notified = %v, want [u1 u1]", notified)
	}
}

func TestCriticalTypeWithoutPriorityIsProtected(t *testing.T) {
	t.Parallel()

	b := newTestManager(t, testOptions())

	env := protocol.NewEnvelope(protocol.TypeStartAgent, nil)
	if !b.IsCritical(env) {
		t.Error("IsCritical(start_agent) = false, want true")
	}
	if b.IsCritical(protocol.NewEnvelope(protocol.TypeChatMessage, nil)) {
		t.Error("IsCritical(chat_message) = true, want false")
	}
}

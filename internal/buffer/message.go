package buffer

import (
	"time"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// State is the delivery state of a buffered message. Only PENDING messages are eligible for batching; SENDING resolves
// to SENT or FAILED; SENT messages are removed; FAILED messages requeue until attempts are exhausted.
type State int

const (
	StatePending State = iota
	StateSending
	StateSent
	StateFailed
)

// String returns the state name used in logs and observability events.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSending:
		return "SENDING"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Message is a buffered envelope plus its delivery bookkeeping. The buffer owns its messages; consumers receive
// references during a SENDING window and must resolve them with Ack or Nack.
type Message struct {
	Envelope *protocol.Envelope

	State             State
	AttemptCount      int
	NextRetryAt       time.Time
	LastAttemptAt     time.Time
	OwnerUserID       string
	OwnerConnectionID string

	// Critical messages are never dropped by overflow while any non-critical message remains.
	Critical bool

	// SizeBytes is the encoded envelope size, computed once at enqueue.
	SizeBytes int

	EnqueuedAt time.Time
	seq        uint64
}

// ID returns the message's envelope ID.
func (m *Message) ID() string {
	return m.Envelope.MessageID
}

// Priority returns the envelope's effective priority.
func (m *Message) Priority() protocol.Priority {
	return m.Envelope.EffectivePriority()
}

// RetrySchedule tells the retry scheduler when a failed message becomes eligible again.
type RetrySchedule struct {
	UserID    string
	MessageID string
	At        time.Time
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a gateway message. The set of valid types is closed and mirrors schema/messages.json, which
// is the single source of truth shared with client code generation. A test enforces that this enumeration and the
// schema file never diverge.
type MessageType string

const (
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeConnectionEstablished MessageType = "connection_established"
	TypeError                 MessageType = "error"
	TypeUserMessage           MessageType = "user_message"
	TypeChatMessage           MessageType = "chat_message"
	TypeStartAgent            MessageType = "start_agent"
	TypeStopAgent             MessageType = "stop_agent"
	TypeAgentStarted          MessageType = "agent_started"
	TypeAgentThinking         MessageType = "agent_thinking"
	TypeAgentUpdate           MessageType = "agent_update"
	TypeAgentCompleted        MessageType = "agent_completed"
	TypeToolExecuting         MessageType = "tool_executing"
	TypeToolCompleted         MessageType = "tool_completed"
	TypeCreateThread          MessageType = "create_thread"
	TypeSwitchThread          MessageType = "switch_thread"
	TypeDeleteThread          MessageType = "delete_thread"
	TypeThreadHistory         MessageType = "thread_history"
	TypeStreamChunk           MessageType = "stream_chunk"
	TypeStreamComplete        MessageType = "stream_complete"
	TypeStateSnapshot         MessageType = "state_snapshot"
	TypeStateUpdate           MessageType = "state_update"
	TypeStateUpdated          MessageType = "state_updated"
	TypeStateResync           MessageType = "state_resync"
	TypeStateResyncRequired   MessageType = "state_resync_required"
	TypeVersionConflict       MessageType = "version_conflict"
	TypeSubscribe             MessageType = "subscribe"
	TypeUnsubscribe           MessageType = "unsubscribe"
	TypePresenceUpdate        MessageType = "presence_update"
)

// messageTypes is the closed set of valid message types. Ordered to match schema/messages.json.
var messageTypes = []MessageType{
	TypePing,
	TypePong,
	TypeConnectionEstablished,
	TypeError,
	TypeUserMessage,
	TypeChatMessage,
	TypeStartAgent,
	TypeStopAgent,
	TypeAgentStarted,
	TypeAgentThinking,
	TypeAgentUpdate,
	TypeAgentCompleted,
	TypeToolExecuting,
	TypeToolCompleted,
	TypeCreateThread,
	TypeSwitchThread,
	TypeDeleteThread,
	TypeThreadHistory,
	TypeStreamChunk,
	TypeStreamComplete,
	TypeStateSnapshot,
	TypeStateUpdate,
	TypeStateUpdated,
	TypeStateResync,
	TypeStateResyncRequired,
	TypeVersionConflict,
	TypeSubscribe,
	TypeUnsubscribe,
	TypePresenceUpdate,
}

var messageTypeSet = func() map[MessageType]struct{} {
	m := make(map[MessageType]struct{}, len(messageTypes))
	for _, t := range messageTypes {
		m[t] = struct{}{}
	}
	return m
}()

// MessageTypes returns the closed message type set in schema order.
func MessageTypes() []MessageType {
	out := make([]MessageType, len(messageTypes))
	copy(out, messageTypes)
	return out
}

// IsKnownType reports whether t is a member of the closed message type set.
func IsKnownType(t MessageType) bool {
	_, ok := messageTypeSet[t]
	return ok
}

// DefaultCriticalTypes is the default set of message types that are treated as critical regardless of priority.
// Mirrors the critical_types list in schema/messages.json and is overridable via configuration.
var DefaultCriticalTypes = []MessageType{
	TypeStartAgent,
	TypeStopAgent,
	TypeAgentStarted,
	TypeAgentCompleted,
}

// Priority orders messages for batching and overflow decisions. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

var prioritiesByName = map[string]Priority{
	"LOW":      PriorityLow,
	"NORMAL":   PriorityNormal,
	"HIGH":     PriorityHigh,
	"CRITICAL": PriorityCritical,
}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority converts a wire name to a Priority. Unknown names default to NORMAL.
func ParsePriority(name string) Priority {
	if p, ok := prioritiesByName[name]; ok {
		return p
	}
	return PriorityNormal
}

// MarshalJSON encodes the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a priority from its wire name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := prioritiesByName[name]
	if !ok {
		return fmt.Errorf("unknown priority %q", name)
	}
	*p = parsed
	return nil
}

// Envelope is the wire representation of a single gateway message. Payload semantics are opaque to the gateway; only
// type, priority, and size participate in routing decisions.
type Envelope struct {
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Sender        string         `json:"sender,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      *Priority      `json:"priority,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message ID and a normalized UTC timestamp.
func NewEnvelope(t MessageType, payload map[string]any) *Envelope {
	return &Envelope{
		Type:      t,
		Payload:   payload,
		Timestamp: FormatTimestamp(time.Now()),
		MessageID: uuid.NewString(),
	}
}

// EffectivePriority returns the envelope's priority, defaulting to NORMAL when unset.
func (e *Envelope) EffectivePriority() Priority {
	if e.Priority == nil {
		return PriorityNormal
	}
	return *e.Priority
}

// WithPriority returns the envelope with its priority set. Convenience for producers.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Priority = &p
	return e
}

// Encode serialises the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// EncodeBatch serialises an ordered batch of envelopes as a single wire frame (a JSON array). Order is preserved.
func EncodeBatch(batch []*Envelope) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// timestampFormat is the canonical output format: UTC ISO 8601 with millisecond precision.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// acceptedTimestampFormats are the RFC 3339 variants accepted on input.
var acceptedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
}

// FormatTimestamp renders t in the canonical wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

// ParseTimestamp parses a timestamp in any accepted RFC 3339 variant. Timestamps without an explicit zone are
// interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range acceptedTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// NormalizeTimestamp parses s and re-renders it in the canonical format.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}

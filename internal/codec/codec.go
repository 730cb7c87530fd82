package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// Category classifies a rejected inbound frame. Only security errors are connection-fatal; everything else is
// reported as a single error frame and the connection stays open.
type Category string

const (
	CategoryFormat     Category = "format_error"
	CategoryType       Category = "type_error"
	CategoryValidation Category = "validation_error"
	CategorySecurity   Category = "security_error"
)

// DecodeError is a categorized rejection of an inbound frame.
type DecodeError struct {
	Category Category
	Message  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap lets callers match decode failures with errors.Is(err, protocol.ErrValidation).
func (e *DecodeError) Unwrap() error {
	return protocol.ErrValidation
}

// Fatal reports whether the error must close the connection.
func (e *DecodeError) Fatal() bool {
	return e.Category == CategorySecurity
}

// Frame renders the rejection as a client-facing error envelope.
func (e *DecodeError) Frame() *protocol.Envelope {
	severity := protocol.SeverityLow
	if e.Fatal() {
		severity = protocol.SeverityHigh
	}
	return protocol.NewErrorFrame(protocol.ErrCodeValidation, e.Message, severity, map[string]any{
		"category": string(e.Category),
	})
}

// Decoder validates and decodes inbound frames. Validation is fail-fast and strict: the frame must be well-formed
// UTF-8 JSON, the type must belong to the closed set, and the payload must be an object.
type Decoder struct {
	maxBytes int
}

// NewDecoder builds a Decoder with the given inbound size cap.
func NewDecoder(maxBytes int) *Decoder {
	return &Decoder{maxBytes: maxBytes}
}

// rawEnvelope defers payload and priority decoding so their failures can be categorized separately from frame-level
// JSON syntax errors.
type rawEnvelope struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	Sender        string          `json:"sender"`
	CorrelationID string          `json:"correlation_id"`
	Priority      json.RawMessage `json:"priority"`
	MessageID     string          `json:"message_id"`
}

// Decode validates data and returns the normalized envelope. Timestamps are rewritten to canonical UTC millisecond
// form; a missing message_id is assigned.
func (d *Decoder) Decode(data []byte) (*protocol.Envelope, *DecodeError) {
	if len(data) > d.maxBytes {
		return nil, &DecodeError{
			Category: CategoryValidation,
			Message:  fmt.Sprintf("frame size %d exceeds limit %d", len(data), d.maxBytes),
		}
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, &DecodeError{Category: CategorySecurity, Message: "frame contains a NUL byte"}
	}
	if !utf8.Valid(data) {
		return nil, &DecodeError{Category: CategoryFormat, Message: "frame is not valid UTF-8"}
	}
	if err := checkSurrogateEscapes(data); err != nil {
		return nil, err
	}

	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Category: CategoryFormat, Message: "frame is not a valid message envelope"}
	}

	if raw.Type == "" {
		return nil, &DecodeError{Category: CategoryType, Message: "message type is required"}
	}
	msgType := protocol.MessageType(raw.Type)
	if !protocol.IsKnownType(msgType) {
		return nil, &DecodeError{Category: CategoryType, Message: fmt.Sprintf("unknown message type %q", raw.Type)}
	}

	env := &protocol.Envelope{
		Type:          msgType,
		Timestamp:     raw.Timestamp,
		Sender:        raw.Sender,
		CorrelationID: raw.CorrelationID,
		MessageID:     raw.MessageID,
	}

	if len(raw.Payload) > 0 && !bytes.Equal(raw.Payload, []byte("null")) {
		var payload map[string]any
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, &DecodeError{Category: CategoryValidation, Message: "payload must be an object"}
		}
		env.Payload = payload
	}

	if len(raw.Priority) > 0 && !bytes.Equal(raw.Priority, []byte("null")) {
		var p protocol.Priority
		if err := json.Unmarshal(raw.Priority, &p); err != nil {
			return nil, &DecodeError{Category: CategoryValidation, Message: "priority must be LOW, NORMAL, HIGH, or CRITICAL"}
		}
		env.Priority = &p
	}

	if env.Timestamp != "" {
		normalized, err := protocol.NormalizeTimestamp(env.Timestamp)
		if err != nil {
			return nil, &DecodeError{Category: CategoryValidation, Message: fmt.Sprintf("unrecognised timestamp %q", env.Timestamp)}
		}
		env.Timestamp = normalized
	}

	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	return env, nil
}

// checkSurrogateEscapes rejects unpaired UTF-16 surrogate escapes. encoding/json silently replaces them with
// U+FFFD, which would smuggle malformed text through the UTF-8 requirement.
func checkSurrogateEscapes(data []byte) *DecodeError {
	for i := 0; i < len(data)-1; i++ {
		if data[i] != '\\' {
			continue
		}
		if data[i+1] != 'u' {
			i++ // skip the escaped character, covers \\ before a real \u
			continue
		}
		code, ok := hex4(data[i+2:])
		if !ok {
			i++
			continue
		}
		switch {
		case code >= 0xD800 && code <= 0xDBFF:
			// High surrogate must be followed by an escaped low surrogate.
			rest := data[i+6:]
			if len(rest) < 6 || rest[0] != '\\' || rest[1] != 'u' {
				return &DecodeError{Category: CategoryFormat, Message: "unpaired surrogate escape"}
			}
			low, ok := hex4(rest[2:])
			if !ok || low < 0xDC00 || low > 0xDFFF {
				return &DecodeError{Category: CategoryFormat, Message: "unpaired surrogate escape"}
			}
			i += 11 // both escapes consumed
		case code >= 0xDC00 && code <= 0xDFFF:
			return &DecodeError{Category: CategoryFormat, Message: "unpaired surrogate escape"}
		default:
			i += 5
		}
	}
	return nil
}

func hex4(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	var v uint32
	for _, c := range b[:4] {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

package protocol

import "errors"

// ErrorCode identifies a gateway failure mode on the wire and in logs.
type ErrorCode string

const (
	ErrCodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	ErrCodeAuthMalformed      ErrorCode = "AUTH_MALFORMED"
	ErrCodeAuthUnavailable    ErrorCode = "AUTH_UNAVAILABLE"
	ErrCodeValidation         ErrorCode = "VALIDATION"
	ErrCodeOverflow           ErrorCode = "OVERFLOW"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodePoolFull           ErrorCode = "POOL_FULL"
	ErrCodeSlowClient         ErrorCode = "SLOW_CLIENT"
	ErrCodeDeadLetter         ErrorCode = "DEAD_LETTER"
	ErrCodeConflictVersion    ErrorCode = "CONFLICT_VERSION"
	ErrCodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	ErrCodeInternal           ErrorCode = "INTERNAL"
)

// Severity grades an error frame for client-side handling.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Sentinel errors for expected gateway conditions. Expected conditions are typed results, not panics; each maps to an
// ErrorCode above and, where connection-fatal, a close code.
var (
	ErrAuthInvalid        = errors.New("token is missing, expired, or has an invalid signature")
	ErrAuthMalformed      = errors.New("token is structurally malformed")
	ErrAuthUnavailable    = errors.New("signing secret resolver is unavailable")
	ErrValidation         = errors.New("message failed validation")
	ErrOverflow           = errors.New("buffer or message size limit exceeded")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrPoolFull           = errors.New("connection pool is full")
	ErrSlowClient         = errors.New("client is too slow to keep up")
	ErrConflictVersion    = errors.New("client state version conflicts with server version")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	ErrSessionNotFound    = errors.New("session not found or expired")
)

// NewErrorFrame builds an error envelope for the client. The connection stays open for client-addressable codes;
// closing is the caller's decision.
func NewErrorFrame(code ErrorCode, message string, severity Severity, details map[string]any) *Envelope {
	payload := map[string]any{
		"error_code":    string(code),
		"error_message": message,
		"severity":      string(severity),
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	return NewEnvelope(TypeError, payload)
}

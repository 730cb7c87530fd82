package auth

import "errors"

// Sentinel errors for the auth package. Validation failures are expected conditions and are classified so callers can
// map them to the right wire error code and close behaviour.
var (
	// ErrTokenInvalid covers missing, expired, wrong-issuer, and bad-signature tokens.
	ErrTokenInvalid = errors.New("invalid or expired token")

	// ErrTokenMalformed covers tokens that are not structurally a JWT at all.
	ErrTokenMalformed = errors.New("malformed token")

	// ErrSecretUnavailable means the signing secret could not be resolved. Callers must not treat this as a rejected
	// token; the correct response is retry with backoff.
	ErrSecretUnavailable = errors.New("signing secret unavailable")
)

package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores the
// subject in c.Locals("userID"). It uses the same Validator instance as the WebSocket handshake, so a token accepted
// here is accepted there and vice versa.
func RequireAuth(validator *Validator) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthInvalid, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthMalformed, "Invalid authorization format")
		}
		tokenStr := header[len(prefix):]

		claims, err := validator.Validate(c.Context(), tokenStr)
		if err != nil {
			switch {
			case errors.Is(err, ErrSecretUnavailable):
				return httputil.Fail(c, fiber.StatusServiceUnavailable, protocol.ErrCodeAuthUnavailable, "Authentication temporarily unavailable")
			case errors.Is(err, ErrTokenMalformed):
				return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthMalformed, "Malformed token")
			default:
				return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthInvalid, "Invalid token")
			}
		}

		c.Locals("userID", claims.Subject)
		return c.Next()
	}
}

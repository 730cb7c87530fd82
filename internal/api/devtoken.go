package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/tessera-ai/tessera-gateway/internal/auth"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// DevTokenHandler mints short-lived access tokens for local development. Only mounted when the server runs in
// development mode; production tokens come from the external issuer.
type DevTokenHandler struct {
	Cfg *config.Config
}

type devTokenRequest struct {
	UserID string `json:"user_id"`
}

// Issue handles POST /api/v1/dev/token.
func (h *DevTokenHandler) Issue(c fiber.Ctx) error {
	var req devTokenRequest
	if err := c.Bind().JSON(&req); err != nil || req.UserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ErrCodeValidation, "user_id is required")
	}

	token, err := auth.NewAccessToken(req.UserID, h.Cfg.JWTSecret, h.Cfg.JWTAccessTTL, h.Cfg.ServerURL)
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.ErrCodeInternal, "Token issuance failed")
	}
	return httputil.Success(c, fiber.Map{"token": token})
}

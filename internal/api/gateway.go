package api

import (
	"errors"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/tessera-ai/tessera-gateway/internal/auth"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/gateway"
	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

// GatewayHandler serves the WebSocket upgrade endpoint. Authentication, subprotocol negotiation, and the pool
// pre-check all happen here, before the upgrade; once the socket exists the Hub owns it.
type GatewayHandler struct {
	cfg       *config.Config
	hub       *gateway.Hub
	validator *auth.Validator
	reg       *registry.Registry
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(cfg *config.Config, hub *gateway.Hub, validator *auth.Validator, reg *registry.Registry) *GatewayHandler {
	return &GatewayHandler{cfg: cfg, hub: hub, validator: validator, reg: reg}
}

// Upgrade handles GET /api/v1/gateway. A `session` query parameter resumes an existing session; without one the
// server mints a fresh session ID and announces it in the welcome frame.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token, _ := gateway.ExtractToken(c.Get("Authorization"), c.Get("Sec-Websocket-Protocol"), c.Query("token"))
	claims, err := h.validator.Validate(c.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrSecretUnavailable):
			return httputil.Fail(c, fiber.StatusServiceUnavailable, protocol.ErrCodeAuthUnavailable, "Authentication temporarily unavailable")
		case errors.Is(err, auth.ErrTokenMalformed):
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthMalformed, "Malformed token")
		default:
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ErrCodeAuthInvalid, "Invalid token")
		}
	}

	offered := gateway.SplitProtocols(c.Get("Sec-Websocket-Protocol"))
	if _, ok := gateway.NegotiateSubprotocol(offered, h.cfg.GatewayAllowedSubprotocols); !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ErrCodeValidation, "No acceptable subprotocol")
	}

	// Pre-check so the client gets an HTTP refusal instead of an upgrade followed by an immediate close. The
	// registry enforces the cap again under its own lock.
	if h.reg.Count() >= h.cfg.GatewayMaxConnectionsPerPool {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, protocol.ErrCodePoolFull, "Connection pool is full")
	}

	userID := claims.Subject
	sessionID := c.Query("session")
	resume := sessionID != ""
	if !resume {
		sessionID = uuid.NewString()
	}
	remoteAddr := c.IP()

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, userID, sessionID, remoteAddr, resume)
	}, websocket.Config{Subprotocols: h.cfg.GatewayAllowedSubprotocols})(c)
}

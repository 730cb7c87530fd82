package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/presence"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// maxPresenceQuery bounds one lookup so a single request cannot fan out across the whole user base.
const maxPresenceQuery = 100

// PresenceHandler serves presence lookups for the agent UI.
type PresenceHandler struct {
	Presence *presence.Store
}

// List handles GET /api/v1/presence?user_ids=a,b,c. Offline users are omitted from the response.
func (h *PresenceHandler) List(c fiber.Ctx) error {
	raw := c.Query("user_ids")
	if raw == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ErrCodeValidation, "user_ids query parameter is required")
	}

	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceQuery {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ErrCodeValidation, "user_ids must contain between 1 and 100 IDs")
	}

	states, err := h.Presence.GetMany(c.Context(), ids)
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.ErrCodeInternal, "Presence lookup failed")
	}
	return httputil.Success(c, fiber.Map{"presence": states})
}

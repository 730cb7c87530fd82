package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	Redis *redis.Client
	Reg   *registry.Registry
}

// Health pings Valkey and reports gateway liveness with the active connection count.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	vkStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":      overall,
		"valkey":      vkStatus,
		"connections": h.Reg.Count(),
	})
}

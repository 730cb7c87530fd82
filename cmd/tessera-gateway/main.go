package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/tessera-ai/tessera-gateway/internal/api"
	"github.com/tessera-ai/tessera-gateway/internal/auth"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/core"
	"github.com/tessera-ai/tessera-gateway/internal/httputil"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Tessera Gateway")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	c, err := core.New(cfg, rdb, log.Logger)
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("background loops stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: cfg.ServerName,
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API
		// responses (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(fc fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", fc.Method()).
					Str("path", fc.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(fc, status, statusToErrorCode(status), message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Sec-Websocket-Protocol"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use("/api", limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(app, cfg, c)

	// Graceful shutdown: stop intake, drain delivery, snapshot sessions, close sockets with 1001.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		runCancel()

		drainCtx, drainCancel := context.WithTimeout(ctx, cfg.ShutdownDrainDeadline)
		defer drainCancel()
		if err := c.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("drain deadline exceeded")
		}
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, cfg *config.Config, c *core.Core) {
	health := &api.HealthHandler{Redis: c.Redis, Reg: c.Registry}
	app.Get("/api/v1/health", health.Health)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(c.Metrics.Registry, promhttp.HandlerOpts{})))

	gw := api.NewGatewayHandler(cfg, c.Hub, c.Validator, c.Registry)
	app.Get("/api/v1/gateway", gw.Upgrade)

	presenceHandler := &api.PresenceHandler{Presence: c.Presence}
	app.Get("/api/v1/presence", presenceHandler.List, auth.RequireAuth(c.Validator))

	if cfg.IsDevelopment() {
		dev := &api.DevTokenHandler{Cfg: cfg}
		app.Post("/api/v1/dev/token", dev.Issue)
	}
}

// statusToErrorCode maps an HTTP status from Fiber's built-in errors to the closest gateway error code.
func statusToErrorCode(status int) protocol.ErrorCode {
	switch {
	case status == fiber.StatusTooManyRequests:
		return protocol.ErrCodeRateLimit
	case status == fiber.StatusServiceUnavailable:
		return protocol.ErrCodePoolFull
	case status >= 400 && status < 500:
		return protocol.ErrCodeValidation
	default:
		return protocol.ErrCodeInternal
	}
}

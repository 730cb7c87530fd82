package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/auth"
	"github.com/tessera-ai/tessera-gateway/internal/batch"
	"github.com/tessera-ai/tessera-gateway/internal/broadcast"
	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/codec"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/gateway"
	"github.com/tessera-ai/tessera-gateway/internal/heartbeat"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/presence"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/reconnect"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
	"github.com/tessera-ai/tessera-gateway/internal/retry"
	"github.com/tessera-ai/tessera-gateway/internal/router"
	"github.com/tessera-ai/tessera-gateway/internal/state"
)

// Core holds every gateway component, wired explicitly once at startup. All cross-component callbacks are installed
// here so the packages themselves stay free of each other's types.
type Core struct {
	Cfg     *config.Config
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Redis   *redis.Client

	Validator   *auth.Validator
	Registry    *registry.Registry
	Decoder     *codec.Decoder
	Buffer      *buffer.Manager
	Scheduler   *retry.Scheduler
	Broadcaster *broadcast.Broadcaster
	States      *state.Store
	Presence    *presence.Store
	Reconnect   *reconnect.Handler
	Heartbeat   *heartbeat.Monitor
	Router      *router.Router
	Publisher   *router.Publisher
	Dispatcher  *gateway.Dispatcher
	Hub         *gateway.Hub
}

// New wires the gateway from configuration. It does not start any loops; call Run.
func New(cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (*Core, error) {
	policy, err := buffer.ParsePolicy(cfg.BufferOverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("buffer policy: %w", err)
	}
	strategy, err := batch.ParseStrategy(cfg.BatchStrategy)
	if err != nil {
		return nil, fmt.Errorf("batch strategy: %w", err)
	}

	critical := make([]protocol.MessageType, 0, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical = append(critical, protocol.MessageType(t))
	}

	m := metrics.New()
	c := &Core{
		Cfg:     cfg,
		Log:     log,
		Metrics: m,
		Redis:   rdb,
	}

	c.Validator = auth.NewValidator(auth.NewStaticResolver(cfg.JWTSecret), cfg.ServerURL, cfg.AuthCacheTTL)
	c.Registry = registry.New(cfg.GatewayMaxConnectionsPerPool, log, m)
	c.Decoder = codec.NewDecoder(cfg.BufferMaxMessageBytes)

	c.Buffer = buffer.NewManager(buffer.Options{
		PerUserLimit:     cfg.BufferPerUserLimit,
		GlobalLimit:      cfg.BufferGlobalLimit,
		MaxMessageBytes:  cfg.BufferMaxMessageBytes,
		MaxMemoryBytes:   int64(cfg.BufferMaxMemoryBufferMB) << 20,
		Policy:           policy,
		MaxAttempts:      cfg.BufferMaxAttempts,
		RetryBackoff:     cfg.BufferRetryBackoff,
		RecoveryDeadline: cfg.BufferRecoveryDeadline,
		CriticalTypes:    critical,
	}, log, m)

	c.Scheduler = retry.NewScheduler(func(userID, messageID string) {
		c.Buffer.MarkRetryDue(userID, messageID)
	}, log)

	c.Dispatcher = gateway.NewDispatcher(batch.Options{
		Strategy:          strategy,
		MaxSize:           cfg.BatchMaxSize,
		MaxBytes:          cfg.BatchMaxBytes,
		MaxWait:           cfg.BatchMaxWait,
		PriorityThreshold: protocol.ParsePriority(cfg.BatchPriorityThreshold),
		AdaptiveMin:       cfg.BatchAdaptiveMin,
		AdaptiveMax:       cfg.BatchAdaptiveMax,
	}, c.Buffer, c.Registry, c.Scheduler, log, m)

	c.Broadcaster = broadcast.New(broadcast.Options{
		ChunkSize:          cfg.BroadcastChunkSize,
		ChunkPause:         cfg.BroadcastChunkTimeout,
		DisconnectFailures: cfg.BroadcastDisconnectFailures,
	}, c.Registry, log, m)

	c.States = state.NewStore(rdb, cfg.StateSnapshotTTL, cfg.DisconnectStateTTL, log, m)
	c.Presence = presence.NewStore(rdb, cfg.PresenceTTL, cfg.PresenceTTL)

	c.Reconnect = reconnect.New(reconnect.Options{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		MinInterval: cfg.ReconnectMinInterval,
		WindowTTL:   cfg.DisconnectStateTTL,
	}, c.States, c.Buffer, rdb, log, m)

	c.Heartbeat = heartbeat.New(heartbeat.Options{
		PingInterval: cfg.HeartbeatPingInterval,
		PingTimeout:  cfg.HeartbeatPingTimeout,
		DeadAfter:    cfg.HeartbeatDeadAfter,
	}, c.Registry, log)

	c.Router = router.New(rdb, c.Broadcaster, c.Buffer, c.States, log, m)
	c.Publisher = router.NewPublisher(rdb, log)

	c.Hub = gateway.NewHub(cfg, c.Registry, c.Decoder, c.States, c.Reconnect, c.Presence, c.Dispatcher, log, m)

	// Cross-component hooks. Dead and slow connections get the same treatment: snapshot for later resume, close,
	// deregister.
	c.Heartbeat.SetDeadHook(func(conn *registry.Conn) {
		c.evict(conn, "heartbeat_timeout", protocol.CloseGoingAway)
	})
	c.Broadcaster.SetSlowClientHook(func(conn *registry.Conn) {
		c.evict(conn, "slow_client", protocol.CloseInternalError)
	})
	c.Buffer.SetDeadLetterHook(func(msg *buffer.Message) {
		c.Log.Warn().
			Str("user_id", msg.OwnerUserID).
			Str("message_id", msg.ID()).
			Str("type", string(msg.Envelope.Type)).
			Int("attempts", msg.AttemptCount).
			Msg("message dead-lettered")
	})
	c.Hub.SetPublishHook(func(ctx context.Context, env *protocol.Envelope, userID, sessionID string) error {
		return c.Publisher.PublishInbound(ctx, sessionID, env)
	})

	return c, nil
}

// Run starts the background loops and blocks on the pub/sub subscription until ctx is cancelled. A dropped
// subscription is re-established after a short pause.
func (c *Core) Run(ctx context.Context) error {
	go c.Heartbeat.Run(ctx)
	go c.Scheduler.Run(ctx)
	go c.recoveryLoop(ctx)
	go c.presenceLoop(ctx)

	for {
		err := c.Router.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Error().Err(err).Msg("router subscription dropped, restarting in 5s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// recoveryLoop periodically requeues messages stuck in SENDING past the recovery deadline.
func (c *Core) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Cfg.BufferRecoveryDeadline)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Buffer.RecoverStuck(); n > 0 {
				c.Log.Warn().Int("count", n).Msg("recovered stuck messages")
			}
		}
	}
}

// presenceLoop re-extends presence TTLs for connected users so a live socket keeps its user visible without client
// cooperation. Half the TTL keeps one missed round harmless.
func (c *Core) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Cfg.PresenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seen := make(map[string]struct{})
			for _, conn := range c.Registry.All() {
				if _, ok := seen[conn.UserID]; ok {
					continue
				}
				seen[conn.UserID] = struct{}{}
				if err := c.Presence.Refresh(ctx, conn.UserID); err != nil {
					c.Log.Debug().Str("user_id", conn.UserID).Err(err).Msg("presence refresh failed")
				}
			}
		}
	}
}

// Shutdown drains buffered traffic onto still-connected sockets, persists a disconnection snapshot for every open
// session, and closes all sockets with a going-away frame. Bounded by ctx; callers derive it from the configured
// drain deadline. Whatever the drain could not deliver rides along in the disconnection snapshots.
func (c *Core) Shutdown(ctx context.Context) error {
	c.drainBuffers(ctx)
	drainErr := c.Dispatcher.Shutdown(ctx)

	for _, conn := range c.Registry.All() {
		if snap, err := c.States.Load(ctx, conn.SessionID); err == nil {
			if err := c.Reconnect.MarkDisconnected(ctx, snap, "server_shutdown"); err != nil {
				c.Log.Error().Str("session_id", conn.SessionID).Err(err).Msg("shutdown snapshot failed")
			}
		}
		conn.Close(protocol.CloseGoingAway, "server shutting down")
		c.Registry.Deregister(conn.ID)
	}
	return drainErr
}

// drainBuffers pushes pending messages for still-connected users through the dispatcher until the buffers empty or
// ctx expires. Offline users keep their backlog; it is persisted with their disconnection snapshots.
func (c *Core) drainBuffers(ctx context.Context) {
	for {
		waiting := false
		for _, userID := range c.Buffer.Users() {
			if c.Registry.UserOnline(userID) {
				waiting = true
				c.Dispatcher.Notify(userID)
			}
		}
		if !waiting {
			return
		}
		select {
		case <-ctx.Done():
			c.Log.Warn().Msg("shutdown drain deadline reached with messages still buffered")
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// evict force-closes a connection the server has given up on, preserving its session for a later resume.
func (c *Core) evict(conn *registry.Conn, reason string, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if snap, err := c.States.Load(ctx, conn.SessionID); err == nil {
		if err := c.Reconnect.MarkDisconnected(ctx, snap, reason); err != nil {
			c.Log.Error().Str("session_id", conn.SessionID).Err(err).Msg("eviction snapshot failed")
		}
	}
	conn.Close(code, reason)
	c.Registry.Deregister(conn.ID)
	c.Metrics.ConnectionsEvicted.Inc()
	c.Log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("reason", reason).
		Msg("connection evicted")
}

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/codec"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/presence"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/reconnect"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
	"github.com/tessera-ai/tessera-gateway/internal/state"
)

// PublishFunc forwards a client-originated envelope to internal consumers. The hub does not interpret agent traffic;
// it hands it off and lets the backplane route it.
type PublishFunc func(ctx context.Context, env *protocol.Envelope, userID, sessionID string) error

// Hub owns WebSocket session lifecycle: registration, the welcome/resume handshake tail, inbound frame handling, and
// teardown. One Hub serves the whole process.
type Hub struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	reg      *registry.Registry
	dec      *codec.Decoder
	states   *state.Store
	reconn   *reconnect.Handler
	presence *presence.Store
	dispatch *Dispatcher

	publish PublishFunc
}

// NewHub assembles the hub from its collaborators.
func NewHub(
	cfg *config.Config,
	reg *registry.Registry,
	dec *codec.Decoder,
	states *state.Store,
	reconn *reconnect.Handler,
	pres *presence.Store,
	dispatch *Dispatcher,
	log zerolog.Logger,
	m *metrics.Metrics,
) *Hub {
	return &Hub{
		cfg:      cfg,
		log:      log.With().Str("component", "hub").Logger(),
		metrics:  m,
		reg:      reg,
		dec:      dec,
		states:   states,
		reconn:   reconn,
		presence: pres,
		dispatch: dispatch,
	}
}

// SetPublishHook installs the forwarder for client-originated agent traffic. Without a hook those frames are refused
// with an INTERNAL error.
func (h *Hub) SetPublishHook(fn PublishFunc) {
	h.publish = fn
}

// ServeWebSocket runs one connection from registration to teardown. It blocks until the socket dies; the caller is
// the upgraded fasthttp handler goroutine.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, userID, sessionID, remoteAddr string, resume bool) {
	connID := uuid.NewString()
	logger := h.log.With().Str("connection_id", connID).Str("user_id", userID).Str("session_id", sessionID).Logger()

	client := newClient(h, conn, h.cfg.GatewaySendQueueSize, logger)
	rateWindow := time.Duration(h.cfg.RateLimitWSWindowSeconds) * time.Second
	rec := registry.NewConn(connID, userID, sessionID, remoteAddr, client, h.cfg.RateLimitWSCount, rateWindow)
	client.rec = rec

	if err := h.reg.Register(rec); err != nil {
		logger.Warn().Err(err).Msg("registration refused")
		client.Close(protocol.ClosePolicyViolation, "connection pool full")
		return
	}
	h.displaceOld(rec, logger)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GatewayWelcomeTimeout)
	defer cancel()

	if _, err := h.states.Create(ctx, sessionID, userID); err != nil {
		h.reg.Deregister(connID)
		if errors.Is(err, protocol.ErrAuthInvalid) {
			logger.Warn().Msg("session owned by another user")
			client.Close(protocol.ClosePolicyViolation, "session ownership mismatch")
			return
		}
		logger.Error().Err(err).Msg("session state init failed")
		client.Close(protocol.CloseInternalError, "state store unavailable")
		return
	}

	// Welcome goes out synchronously so it is the first frame on the wire, ahead of anything queued for this user.
	welcome, err := protocol.NewWelcomeFrame(connID, sessionID)
	if err == nil {
		err = client.sendDirect(welcome)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("welcome frame failed")
		h.reg.Deregister(connID)
		client.Close(protocol.CloseInternalError, "")
		return
	}

	if resume {
		if !h.resumeSession(ctx, client, logger) {
			h.reg.Deregister(connID)
			return
		}
	}

	if err := h.presence.Set(ctx, userID, presence.StatusOnline); err != nil {
		logger.Debug().Err(err).Msg("presence set failed")
	}

	go client.writePump()
	h.dispatch.Notify(userID)
	logger.Info().Bool("resume", resume).Msg("connection established")

	client.readPump()
}

// displaceOld closes any earlier connection bound to the same session. One socket per session; parallel tabs get
// their own sessions.
func (h *Hub) displaceOld(rec *registry.Conn, logger zerolog.Logger) {
	for _, other := range h.reg.ByUser(rec.UserID) {
		if other.ID == rec.ID || other.SessionID != rec.SessionID {
			continue
		}
		logger.Info().Str("displaced_connection_id", other.ID).Msg("session opened on a new connection")
		other.Close(protocol.CloseNormal, "session opened elsewhere")
		h.reg.Deregister(other.ID)
	}
}

// resumeSession runs the reconnection flow. Returns false when the connection must not proceed; the close frame has
// already been sent.
func (h *Hub) resumeSession(ctx context.Context, c *Client, logger zerolog.Logger) bool {
	res, err := h.reconn.Resume(ctx, c.rec.SessionID, c.rec.UserID, c.sendDirect)
	switch {
	case err == nil:
		logger.Info().Bool("fresh", res.Fresh).Int("replayed", res.Replayed).Msg("session resumed")
		return true
	case errors.Is(err, protocol.ErrRateLimited):
		c.Close(protocol.CloseRateLimited, "reconnecting too fast")
	case errors.Is(err, protocol.ErrReconnectExhausted):
		c.Close(protocol.CloseReconnectExhausted, "reconnection attempts exhausted")
	case errors.Is(err, protocol.ErrAuthInvalid):
		c.Close(protocol.ClosePolicyViolation, "session ownership mismatch")
	default:
		logger.Error().Err(err).Msg("resume failed")
		c.Close(protocol.CloseInternalError, "")
	}
	return false
}

// readDeadline is the socket-level liveness bound. The heartbeat monitor acts first; the deadline is the backstop for
// a process that stops sweeping.
func (h *Hub) readDeadline() time.Duration {
	return h.cfg.HeartbeatDeadAfter + h.cfg.HeartbeatPingInterval
}

// handleInbound processes one client frame. Returns false to terminate the read loop.
func (h *Hub) handleInbound(c *Client, raw []byte) bool {
	if err := c.rec.RateAllow(); err != nil {
		// Rate limiting is client-addressable: frames are dropped but the connection survives. One error frame per
		// deny episode; a flood is not answered frame-for-frame.
		if c.rec.NoteRateLimited() {
			h.sendError(c, protocol.ErrCodeRateLimit, "message rate limit exceeded, frames dropped until the window clears", protocol.SeverityLow, nil)
		}
		return true
	}

	env, derr := h.dec.Decode(raw)
	if derr != nil {
		if frame, err := derr.Frame().Encode(); err == nil {
			_ = c.Enqueue(frame)
		}
		if derr.Fatal() {
			c.log.Warn().Str("category", string(derr.Category)).Msg("closing connection on fatal frame")
			c.Close(protocol.ClosePolicyViolation, "malformed frame")
			return false
		}
		return true
	}

	switch env.Type {
	case protocol.TypePong:
		c.rec.MarkPongReceived()

	case protocol.TypePing:
		if pong, err := protocol.NewPongFrame(); err == nil {
			_ = c.Enqueue(pong)
		}

	case protocol.TypeStateUpdate:
		h.handleStateUpdate(c, env)

	case protocol.TypeSubscribe:
		if topic, ok := payloadString(env, "topic"); ok {
			h.reg.Subscribe(c.rec.ID, topic)
		} else {
			h.sendError(c, protocol.ErrCodeValidation, "subscribe requires a topic", protocol.SeverityLow, nil)
		}

	case protocol.TypeUnsubscribe:
		if topic, ok := payloadString(env, "topic"); ok {
			h.reg.Unsubscribe(c.rec.ID, topic)
		}

	case protocol.TypePresenceUpdate:
		h.handlePresenceUpdate(c, env)

	default:
		h.forwardInbound(c, env)
	}
	return true
}

// handleStateUpdate applies a versioned partial update and answers with state_updated or version_conflict.
func (h *Hub) handleStateUpdate(c *Client, env *protocol.Envelope) {
	updateType, _ := payloadString(env, "update_type")
	data, _ := env.Payload["data"].(map[string]any)
	version, ok := payloadInt64(env, "client_version")
	if updateType == "" || !ok {
		h.sendError(c, protocol.ErrCodeValidation, "state_update requires update_type and client_version", protocol.SeverityLow, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GatewayWelcomeTimeout)
	defer cancel()

	res, err := h.states.ApplyUpdate(ctx, c.rec.SessionID, state.UpdateType(updateType), data, version)
	switch {
	case err == nil && res.Conflict:
		if frame, ferr := protocol.NewVersionConflictFrame(version, res.ServerVersion); ferr == nil {
			_ = c.Enqueue(frame)
		}
	case err == nil:
		if frame, ferr := protocol.NewStateUpdatedFrame(c.rec.SessionID, res.NewVersion, updateType); ferr == nil {
			_ = c.Enqueue(frame)
		}
	case errors.Is(err, protocol.ErrValidation):
		h.sendError(c, protocol.ErrCodeValidation, err.Error(), protocol.SeverityLow, nil)
	case errors.Is(err, protocol.ErrSessionNotFound):
		c.Close(protocol.CloseSessionExpired, "session expired")
	default:
		c.log.Error().Err(err).Msg("state update failed")
		h.sendError(c, protocol.ErrCodeInternal, "state update failed", protocol.SeverityHigh, nil)
	}
}

func (h *Hub) handlePresenceUpdate(c *Client, env *protocol.Envelope) {
	status, _ := payloadString(env, "status")
	if !presence.ValidStatus(status) {
		h.sendError(c, protocol.ErrCodeValidation, "presence status must be online or away", protocol.SeverityLow, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GatewayWelcomeTimeout)
	defer cancel()
	if err := h.presence.Set(ctx, c.rec.UserID, status); err != nil {
		c.log.Debug().Err(err).Msg("presence update failed")
	}
}

// forwardInbound hands agent-bound traffic to the publish hook. The gateway stamps the sender; payload contents stay
// opaque.
func (h *Hub) forwardInbound(c *Client, env *protocol.Envelope) {
	if h.publish == nil {
		h.sendError(c, protocol.ErrCodeInternal, "no upstream configured", protocol.SeverityHigh, nil)
		return
	}
	env.Sender = c.rec.UserID

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GatewayWelcomeTimeout)
	defer cancel()
	if err := h.publish(ctx, env, c.rec.UserID, c.rec.SessionID); err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type)).Msg("inbound publish failed")
		h.sendError(c, protocol.ErrCodeInternal, "message could not be forwarded", protocol.SeverityHigh, map[string]any{
			"message_id": env.MessageID,
		})
	}
}

func (h *Hub) sendError(c *Client, code protocol.ErrorCode, msg string, sev protocol.Severity, details map[string]any) {
	frame, err := protocol.NewErrorFrame(code, msg, sev, details).Encode()
	if err != nil {
		return
	}
	_ = c.Enqueue(frame)
}

// unregister tears down a connection's server-side footprint: the disconnect snapshot for later resume, presence when
// the user's last socket is gone, and the registry entry.
func (h *Hub) unregister(c *Client) {
	if c.rec == nil {
		return
	}
	rec := h.reg.Deregister(c.rec.ID)
	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.GatewayWelcomeTimeout)
	defer cancel()

	// Snapshot only when no other socket still serves this session; a parallel tab keeps the session live.
	if !h.sessionStillOpen(rec.UserID, rec.SessionID) {
		if snap, err := h.states.Load(ctx, rec.SessionID); err == nil {
			if err := h.reconn.MarkDisconnected(ctx, snap, "connection_closed"); err != nil {
				c.log.Error().Err(err).Msg("disconnect snapshot failed")
			}
		} else if !errors.Is(err, protocol.ErrSessionNotFound) {
			c.log.Error().Err(err).Msg("disconnect snapshot load failed")
		}
	}

	if !h.reg.UserOnline(rec.UserID) {
		h.scheduleOffline(rec.UserID)
	}
	c.log.Info().Msg("connection closed")
}

// scheduleOffline clears presence after the configured delay unless the user came back in the meantime. The delay
// keeps a quick page refresh from flickering the user offline.
func (h *Hub) scheduleOffline(userID string) {
	delay := h.cfg.PresenceOfflineDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	time.AfterFunc(delay, func() {
		if h.reg.UserOnline(userID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.presence.Delete(ctx, userID); err != nil {
			h.log.Debug().Str("user_id", userID).Err(err).Msg("presence delete failed")
		}
	})
}

func (h *Hub) sessionStillOpen(userID, sessionID string) bool {
	for _, conn := range h.reg.ByUser(userID) {
		if conn.SessionID == sessionID {
			return true
		}
	}
	return false
}

func payloadString(env *protocol.Envelope, key string) (string, bool) {
	v, ok := env.Payload[key].(string)
	return v, ok && v != ""
}

func payloadInt64(env *protocol.Envelope, key string) (int64, bool) {
	switch v := env.Payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

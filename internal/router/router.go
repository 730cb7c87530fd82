package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/broadcast"
	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/state"
)

// Channel name prefixes. Producers publish envelopes to these channels; the router is the single ingress for
// server-originated traffic.
const (
	ChannelBroadcastAll    = "broadcast:all"
	channelBroadcastPrefix = "broadcast:"
	channelUserPrefix      = "user:"
	channelSessionPrefix   = "session:"

	// ChannelInboundPrefix carries client-originated traffic out to agent-side consumers. Not subscribed by the
	// router.
	ChannelInboundPrefix = "inbound:"
)

// Router consumes envelopes from Valkey pub/sub and dispatches them by channel pattern: broadcasts fan out through
// the Broadcaster, user and session traffic is made durable through the per-user buffer. Unknown patterns are an
// observability event, not an error.
type Router struct {
	rdb     *redis.Client
	bc      *broadcast.Broadcaster
	buf     *buffer.Manager
	store   *state.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New builds a Router.
func New(rdb *redis.Client, bc *broadcast.Broadcaster, buf *buffer.Manager, store *state.Store, log zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		rdb:     rdb,
		bc:      bc,
		buf:     buf,
		store:   store,
		log:     log.With().Str("component", "router").Logger(),
		metrics: m,
	}
}

// Run subscribes to the gateway channel patterns and dispatches until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, "broadcast:*", "user:*", "session:*")
	defer func() { _ = sub.Close() }()

	r.log.Info().Msg("router subscribed to gateway channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// Dispatch routes one published payload by channel name. Exported so tests and in-process producers can bypass
// pub/sub.
func (r *Router) Dispatch(ctx context.Context, channel string, payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn().Str("channel", channel).Err(err).Msg("dropping undecodable published event")
		return
	}
	if !protocol.IsKnownType(env.Type) {
		r.log.Warn().Str("channel", channel).Str("type", string(env.Type)).Msg("dropping event with unknown message type")
		return
	}

	switch {
	case channel == ChannelBroadcastAll:
		r.metrics.RouterEvents.WithLabelValues("broadcast_all").Inc()
		if _, err := r.bc.BroadcastAll(ctx, &env); err != nil {
			r.log.Error().Err(err).Msg("broadcast all failed")
		}

	case strings.HasPrefix(channel, channelBroadcastPrefix):
		topic := strings.TrimPrefix(channel, channelBroadcastPrefix)
		r.metrics.RouterEvents.WithLabelValues("broadcast_topic").Inc()
		if _, err := r.bc.BroadcastTopic(ctx, topic, &env); err != nil {
			r.log.Error().Str("topic", topic).Err(err).Msg("topic broadcast failed")
		}

	case strings.HasPrefix(channel, channelUserPrefix):
		userID := strings.TrimPrefix(channel, channelUserPrefix)
		r.metrics.RouterEvents.WithLabelValues("user").Inc()
		r.enqueue(userID, &env)

	case strings.HasPrefix(channel, channelSessionPrefix):
		sessionID := strings.TrimPrefix(channel, channelSessionPrefix)
		r.metrics.RouterEvents.WithLabelValues("session").Inc()
		r.dispatchSession(ctx, sessionID, &env)

	default:
		r.metrics.RouterUnknownEvents.Inc()
		r.log.Warn().Str("channel", channel).Msg("event on unknown channel pattern")
	}
}

// dispatchSession resolves session to owner and delivers through the user path.
func (r *Router) dispatchSession(ctx context.Context, sessionID string, env *protocol.Envelope) {
	snap, err := r.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, protocol.ErrSessionNotFound) {
			r.metrics.RouterUnknownEvents.Inc()
			r.log.Warn().Str("session_id", sessionID).Msg("event for unknown session")
			return
		}
		r.log.Error().Str("session_id", sessionID).Err(err).Msg("session lookup failed")
		return
	}
	r.enqueue(snap.UserID, env)
}

func (r *Router) enqueue(userID string, env *protocol.Envelope) {
	if err := r.buf.Enqueue(userID, env); err != nil {
		r.log.Warn().Str("user_id", userID).Str("type", string(env.Type)).Err(err).Msg("buffer rejected routed message")
	}
}

package router

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// Publisher serialises envelopes and publishes them to the gateway channels. Internal producers (agent runtimes, API
// handlers) use it instead of talking to sockets directly.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a gateway event publisher.
func NewPublisher(rdb *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log.With().Str("component", "publisher").Logger()}
}

// PublishAll publishes an envelope for every connection.
func (p *Publisher) PublishAll(ctx context.Context, env *protocol.Envelope) error {
	return p.publish(ctx, ChannelBroadcastAll, env)
}

// PublishTopic publishes an envelope for a topic's subscribers.
func (p *Publisher) PublishTopic(ctx context.Context, topic string, env *protocol.Envelope) error {
	return p.publish(ctx, channelBroadcastPrefix+topic, env)
}

// PublishUser publishes an envelope for durable delivery to one user.
func (p *Publisher) PublishUser(ctx context.Context, userID string, env *protocol.Envelope) error {
	return p.publish(ctx, channelUserPrefix+userID, env)
}

// PublishSession publishes an envelope addressed to a session; the router resolves the owning user.
func (p *Publisher) PublishSession(ctx context.Context, sessionID string, env *protocol.Envelope) error {
	return p.publish(ctx, channelSessionPrefix+sessionID, env)
}

// PublishInbound forwards a client-originated envelope to agent-side consumers. Inbound channels are keyed by session
// and deliberately outside the router's subscription patterns, so client traffic never loops back into the gateway.
func (p *Publisher) PublishInbound(ctx context.Context, sessionID string, env *protocol.Envelope) error {
	return p.publish(ctx, ChannelInboundPrefix+sessionID, env)
}

func (p *Publisher) publish(ctx context.Context, channel string, env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}

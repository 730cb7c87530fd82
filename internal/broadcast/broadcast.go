package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

// Options configures a Broadcaster.
type Options struct {
	// ChunkSize caps how many sockets are written in parallel per chunk.
	ChunkSize int
	// ChunkPause is the gap between chunks, smoothing fan-out bursts.
	ChunkPause time.Duration
	// DisconnectFailures is the consecutive-failure run after which a connection is evicted as a slow client.
	DisconnectFailures int
}

// Result summarises one fan-out. Broadcast delivery is advisory: failures are counted against connections but the
// messages are not buffered for retry.
type Result struct {
	Total     int
	Delivered int
	Failed    int
	Evicted   []string
	Duration  time.Duration
}

// Broadcaster fans frames out to connection sets in bounded parallel chunks. Slow clients accumulate consecutive
// failures and are evicted through the onSlow hook rather than stalling the fan-out.
type Broadcaster struct {
	opts    Options
	reg     *registry.Registry
	log     zerolog.Logger
	metrics *metrics.Metrics

	// onSlow runs off the fan-out path when a connection crosses the failure threshold. The core wires it to save a
	// state snapshot, close the socket, and deregister.
	onSlow func(c *registry.Conn)
}

// New builds a Broadcaster over the registry.
func New(opts Options, reg *registry.Registry, log zerolog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		opts:    opts,
		reg:     reg,
		log:     log.With().Str("component", "broadcast").Logger(),
		metrics: m,
	}
}

// SetSlowClientHook registers the eviction callback for connections that keep failing sends.
func (b *Broadcaster) SetSlowClientHook(fn func(c *registry.Conn)) {
	b.onSlow = fn
}

// BroadcastAll delivers the envelope to every registered connection.
func (b *Broadcaster) BroadcastAll(ctx context.Context, env *protocol.Envelope) (*Result, error) {
	return b.deliver(ctx, b.reg.All(), env)
}

// BroadcastTopic delivers the envelope to every connection subscribed to topic.
func (b *Broadcaster) BroadcastTopic(ctx context.Context, topic string, env *protocol.Envelope) (*Result, error) {
	return b.deliver(ctx, b.reg.ByTopic(topic), env)
}

// SendUser delivers the envelope directly to every live connection of one user. Used for fire-and-forget frames
// such as presence; durable user delivery goes through the buffer instead.
func (b *Broadcaster) SendUser(ctx context.Context, userID string, env *protocol.Envelope) (*Result, error) {
	return b.deliver(ctx, b.reg.ByUser(userID), env)
}

func (b *Broadcaster) deliver(ctx context.Context, conns []*registry.Conn, env *protocol.Envelope) (*Result, error) {
	start := time.Now()
	result := &Result{Total: len(conns)}
	if len(conns) == 0 {
		return result, nil
	}

	data, err := env.Encode()
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		slow []*registry.Conn
	)

	for offset := 0; offset < len(conns); offset += b.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		end := offset + b.opts.ChunkSize
		if end > len(conns) {
			end = len(conns)
		}

		var wg sync.WaitGroup
		for _, c := range conns[offset:end] {
			wg.Add(1)
			go func(c *registry.Conn) {
				defer wg.Done()
				err := c.Send(data)

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					result.Delivered++
					return
				}
				result.Failed++
				if c.ConsecutiveFailures() >= b.opts.DisconnectFailures {
					slow = append(slow, c)
				}
			}(c)
		}
		wg.Wait()

		if end < len(conns) && b.opts.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				result.Duration = time.Since(start)
				return result, ctx.Err()
			case <-time.After(b.opts.ChunkPause):
			}
		}
	}

	for _, c := range slow {
		result.Evicted = append(result.Evicted, c.ID)
		b.metrics.SlowConnections.Inc()
		b.log.Warn().Str("connection_id", c.ID).Str("user_id", c.UserID).
			Int("failures", c.ConsecutiveFailures()).Msg("evicting slow client")
		if b.onSlow != nil {
			b.onSlow(c)
		}
	}

	result.Duration = time.Since(start)
	b.metrics.BroadcastLatency.Observe(result.Duration.Seconds())
	if result.Failed > 0 {
		b.log.Debug().Str("type", string(env.Type)).Int("total", result.Total).
			Int("delivered", result.Delivered).Int("failed", result.Failed).Msg("broadcast completed with failures")
	}
	return result, nil
}

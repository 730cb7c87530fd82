package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

// Options configures a Monitor.
type Options struct {
	// PingInterval is how often the server pings every live connection.
	PingInterval time.Duration
	// PingTimeout marks a connection DEGRADED once no pong has arrived for this long.
	PingTimeout time.Duration
	// DeadAfter declares a connection dead once no inbound activity has arrived for this long.
	DeadAfter time.Duration
}

// Monitor drives server-initiated heartbeats. One goroutine pings every registered connection each interval, degrades
// the silent ones, and hands dead ones to the onDead hook. Pongs are recorded by the gateway's read pump, not here.
type Monitor struct {
	opts Options
	reg  *registry.Registry
	log  zerolog.Logger

	// onDead runs once per dead connection. The core wires it to snapshot state, close the socket, and deregister.
	onDead func(c *registry.Conn)
}

// New builds a Monitor over the registry.
func New(opts Options, reg *registry.Registry, log zerolog.Logger) *Monitor {
	return &Monitor{
		opts: opts,
		reg:  reg,
		log:  log.With().Str("component", "heartbeat").Logger(),
	}
}

// SetDeadHook registers the callback for connections that stopped responding entirely.
func (m *Monitor) SetDeadHook(fn func(c *registry.Conn)) {
	m.onDead = fn
}

// Run pings until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one heartbeat pass over every registered connection. Exported for tests and manual ticks.
func (m *Monitor) Sweep() {
	now := time.Now()
	for _, c := range m.reg.All() {
		switch c.State() {
		case registry.StateOpen, registry.StateDegraded:
		default:
			continue
		}

		if now.Sub(c.LastActivity()) >= m.opts.DeadAfter {
			m.log.Warn().Str("connection_id", c.ID).Str("user_id", c.UserID).
				Dur("silent_for", now.Sub(c.LastActivity())).Msg("connection dead, no activity")
			if m.onDead != nil {
				m.onDead(c)
			}
			continue
		}

		if c.State() == registry.StateOpen && m.isSilent(c, now) {
			missed := c.MissPing()
			c.SetState(registry.StateDegraded)
			m.log.Debug().Str("connection_id", c.ID).Int("missed_pings", missed).Msg("connection degraded")
		}

		m.ping(c)
	}
}

// isSilent reports whether the connection has answered neither a ping nor sent any frame within the ping timeout.
func (m *Monitor) isSilent(c *registry.Conn, now time.Time) bool {
	last := c.LastPongReceived()
	if activity := c.LastActivity(); activity.After(last) {
		last = activity
	}
	return now.Sub(last) >= m.opts.PingTimeout
}

func (m *Monitor) ping(c *registry.Conn) {
	frame, err := protocol.NewPingFrame()
	if err != nil {
		return
	}
	c.MarkPingSent()
	if err := c.Send(frame); err != nil {
		m.log.Debug().Str("connection_id", c.ID).Err(err).Msg("ping send failed")
	}
}

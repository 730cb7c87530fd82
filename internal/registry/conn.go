package registry

import (
	"sync"
	"time"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// ConnState is the lifecycle state of a registered connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateDegraded
	StateClosing
	StateClosed
)

// String returns the state name used in logs and presence payloads.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDegraded:
		return "DEGRADED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Transport is the write side of a live socket. The gateway client implements it; tests substitute fakes.
// Enqueue must not block: a full send queue returns protocol.ErrSlowClient.
type Transport interface {
	Enqueue(data []byte) error
	Close(code int, reason string)
}

// Conn is a registered connection's record: identity, lifecycle state, heartbeat bookkeeping, topic subscriptions,
// and an inbound rate limiter. All mutable fields are guarded by mu; the identity fields are immutable after Register.
type Conn struct {
	ID          string
	UserID      string
	SessionID   string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport

	mu                  sync.Mutex
	state               ConnState
	lastActivity        time.Time
	lastPingSent        time.Time
	lastPongReceived    time.Time
	missedPings         int
	consecutiveFailures int
	rateNotified        bool
	subscriptions       map[string]struct{}
	limiter             *slidingWindow
}

// NewConn builds a connection record in the CONNECTING state.
func NewConn(id, userID, sessionID, remoteAddr string, transport Transport, rateLimit int, rateWindow time.Duration) *Conn {
	now := time.Now()
	return &Conn{
		ID:            id,
		UserID:        userID,
		SessionID:     sessionID,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   now,
		transport:     transport,
		state:         StateConnecting,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
		limiter:       newSlidingWindow(rateLimit, rateWindow),
	}
}

// Send queues data on the socket. A refused send counts as a consecutive failure and moves an OPEN connection to
// DEGRADED; any success resets the count. Recovery to OPEN comes with the next pong.
func (c *Conn) Send(data []byte) error {
	err := c.transport.Enqueue(data)

	c.mu.Lock()
	if err != nil {
		c.consecutiveFailures++
		if c.state == StateOpen {
			c.state = StateDegraded
		}
	} else {
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()
	return err
}

// Close shuts the underlying socket down and marks the record CLOSING.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.transport.Close(code, reason)
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection's lifecycle state.
func (c *Conn) SetState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Touch records inbound activity. Any frame counts, not just pongs.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MarkPingSent records an outbound heartbeat ping.
func (c *Conn) MarkPingSent() {
	c.mu.Lock()
	c.lastPingSent = time.Now()
	c.mu.Unlock()
}

// MarkPongReceived records a heartbeat response and clears the missed-ping count. A DEGRADED connection recovers to
// OPEN.
func (c *Conn) MarkPongReceived() {
	c.mu.Lock()
	now := time.Now()
	c.lastPongReceived = now
	c.lastActivity = now
	c.missedPings = 0
	if c.state == StateDegraded {
		c.state = StateOpen
	}
	c.mu.Unlock()
}

// MissPing increments and returns the missed-ping count.
func (c *Conn) MissPing() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPings++
	return c.missedPings
}

// LastPongReceived returns the time of the most recent heartbeat response, zero if none yet.
func (c *Conn) LastPongReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongReceived
}

// ConsecutiveFailures returns the current run of failed sends.
func (c *Conn) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

// RateAllow records one inbound message against the sliding window and reports whether it is within the limit. An
// allowed frame ends any rate-limit episode in progress.
func (c *Conn) RateAllow() error {
	if c.limiter.allow() {
		c.mu.Lock()
		c.rateNotified = false
		c.mu.Unlock()
		return nil
	}
	return protocol.ErrRateLimited
}

// NoteRateLimited reports whether this deny opens a new rate-limit episode. The first deny after a run of allowed
// frames returns true; further denies in the same episode return false so the client sees a single error frame.
func (c *Conn) NoteRateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateNotified {
		return false
	}
	c.rateNotified = true
	return true
}

// subscribe and unsubscribe are driven through the Registry so its topic index stays consistent.
func (c *Conn) subscribe(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
}

// Subscriptions returns a copy of the connection's topic set.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	return out
}

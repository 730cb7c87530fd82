package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

// Client owns one WebSocket socket and its two pumps. It implements registry.Transport: the rest of the gateway
// addresses it through the connection record, never the raw socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// rec is assigned during ServeWebSocket before the pumps start.
	rec *registry.Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, queueSize int, logger zerolog.Logger) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, queueSize),
		log:  logger,
		done: make(chan struct{}),
	}
}

// Enqueue queues a frame for the write pump. A full queue means the client cannot keep up; the frame is refused with
// ErrSlowClient rather than blocking the producer.
func (c *Client) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return protocol.ErrSlowClient
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return protocol.ErrSlowClient
	}
}

// writeTimeout bounds every socket write. Configured as the per-connection send timeout; a peer that cannot take a
// frame within it is treated as unhealthy.
func (c *Client) writeTimeout() time.Duration {
	return c.hub.cfg.BroadcastSendTimeout
}

// Close sends a close frame with the given code and shuts the socket down. Safe to call more than once.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout()))
		_ = c.conn.Close()
	})
}

// readPump reads frames from the socket and hands them to the hub in arrival order. It owns connection teardown:
// when the loop exits the hub unwinds registration, presence, and the disconnection snapshot.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close(protocol.CloseNormal, "")
	}()

	c.conn.SetReadLimit(int64(c.hub.cfg.GatewayMaxInboundFrameBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.readDeadline()))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		c.rec.Touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.readDeadline()))

		if !c.hub.handleInbound(c, message) {
			return
		}
	}
}

// writePump drains the send queue onto the socket. It exits when the socket dies or the client is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// A timed-out or failed write marks the connection DEGRADED before the pump exits.
				if c.rec != nil {
					c.rec.SetState(registry.StateDegraded)
				}
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		}
	}
}

// sendDirect writes a frame synchronously, bypassing the queue. Used for the welcome frame and resume replay where
// ordering ahead of queued traffic matters.
func (c *Client) sendDirect(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.GatewayWelcomeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

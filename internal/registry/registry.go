package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// Registry is the authoritative index of live connections: by connection ID, by user, and by topic. Lookups return
// copies so callers iterate without holding the registry lock.
type Registry struct {
	maxPerPool int
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	conns   map[string]*Conn
	byUser  map[string]map[string]*Conn
	byTopic map[string]map[string]*Conn
}

// New builds an empty Registry capped at maxPerPool connections.
func New(maxPerPool int, log zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		maxPerPool: maxPerPool,
		log:        log.With().Str("component", "registry").Logger(),
		metrics:    m,
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		byTopic:    make(map[string]map[string]*Conn),
	}
}

// Register adds a connection and marks it OPEN. Returns protocol.ErrPoolFull at capacity; the caller rejects the
// socket with POOL_FULL rather than queueing the handshake.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	if len(r.conns) >= r.maxPerPool {
		r.mu.Unlock()
		r.metrics.ConnectionsEvicted.Inc()
		return fmt.Errorf("pool at capacity %d: %w", r.maxPerPool, protocol.ErrPoolFull)
	}
	r.conns[c.ID] = c
	userConns := r.byUser[c.UserID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	c.SetState(StateOpen)
	r.metrics.ConnectionsActive.Set(float64(total))
	r.metrics.ConnectionsTotal.Inc()
	r.log.Info().Str("connection_id", c.ID).Str("user_id", c.UserID).
		Str("remote_addr", c.RemoteAddr).Int("active", total).Msg("connection registered")
	return nil
}

// Deregister removes a connection from every index and marks it CLOSED. Idempotent; returns the removed record or
// nil when the ID was not registered.
func (r *Registry) Deregister(connID string) *Conn {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	for _, topic := range c.Subscriptions() {
		r.dropFromTopicLocked(topic, connID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	c.SetState(StateClosed)
	r.metrics.ConnectionsActive.Set(float64(total))
	r.log.Info().Str("connection_id", connID).Str("user_id", c.UserID).
		Int("active", total).Msg("connection deregistered")
	return c
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// ByUser returns all connections for a user.
func (r *Registry) ByUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// ByTopic returns all connections subscribed to a topic.
func (r *Registry) ByTopic(topic string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byTopic[topic]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserOnline reports whether the user has at least one registered connection.
func (r *Registry) UserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Subscribe adds the connection to a topic. Returns false when the connection is not registered.
func (r *Registry) Subscribe(connID, topic string) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	subs := r.byTopic[topic]
	if subs == nil {
		subs = make(map[string]*Conn)
		r.byTopic[topic] = subs
	}
	subs[connID] = c
	r.mu.Unlock()

	c.subscribe(topic)
	return true
}

// Unsubscribe removes the connection from a topic.
func (r *Registry) Unsubscribe(connID, topic string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		r.dropFromTopicLocked(topic, connID)
	}
	r.mu.Unlock()

	if ok {
		c.unsubscribe(topic)
	}
}

func (r *Registry) dropFromTopicLocked(topic, connID string) {
	if subs := r.byTopic[topic]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

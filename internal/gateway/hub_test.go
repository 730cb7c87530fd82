package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

func TestDisplaceOldClosesSameSession(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	reg := registry.New(10, zerolog.Nop(), m)
	h := &Hub{reg: reg, log: zerolog.Nop()}

	oldTransport := &fakeTransport{}
	siblingTransport := &fakeTransport{}
	old := registry.NewConn(uuid.NewString(), "u1", "s1", "127.0.0.1:1", oldTransport, 1000, time.Minute)
	sibling := registry.NewConn(uuid.NewString(), "u1", "s2", "127.0.0.1:2", siblingTransport, 1000, time.Minute)
	fresh := registry.NewConn(uuid.NewString(), "u1", "s1", "127.0.0.1:3", &fakeTransport{}, 1000, time.Minute)
	for _, c := range []*registry.Conn{old, sibling, fresh} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	h.displaceOld(fresh, zerolog.Nop())

	if reg.Get(old.ID) != nil {
		t.Error("old same-session connection still registered")
	}
	if reg.Get(sibling.ID) == nil {
		t.Error("sibling session was displaced; only same-session connections should be")
	}
	if reg.Get(fresh.ID) == nil {
		t.Error("fresh connection was displaced")
	}
}

func TestClientWriteTimeoutFromConfig(t *testing.T) {
	t.Parallel()
	h := &Hub{cfg: &config.Config{BroadcastSendTimeout: 250 * time.Millisecond}}
	c := &Client{hub: h}
	if got := c.writeTimeout(); got != 250*time.Millisecond {
		t.Errorf("writeTimeout() = %v, want the configured send timeout", got)
	}
}

func TestPayloadHelpers(t *testing.T) {
	t.Parallel()
	env := &protocol.Envelope{Payload: map[string]any{
		"topic":          "agents",
		"empty":          "",
		"client_version": float64(7),
		"bad_version":    "seven",
	}}

	if v, ok := payloadString(env, "topic"); !ok || v != "agents" {
		t.Errorf("payloadString(topic) = (%q, %v)", v, ok)
	}
	if _, ok := payloadString(env, "empty"); ok {
		t.Error("payloadString accepted an empty string")
	}
	if _, ok := payloadString(env, "missing"); ok {
		t.Error("payloadString accepted a missing key")
	}
	if v, ok := payloadInt64(env, "client_version"); !ok || v != 7 {
		t.Errorf("payloadInt64(client_version) = (%d, %v)", v, ok)
	}
	if _, ok := payloadInt64(env, "bad_version"); ok {
		t.Error("payloadInt64 accepted a string")
	}
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/auth"
	"github.com/tessera-ai/tessera-gateway/internal/config"
	"github.com/tessera-ai/tessera-gateway/internal/core"
	"github.com/tessera-ai/tessera-gateway/internal/registry"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "http://localhost:8080"
)

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:                    testIssuer,
		JWTSecret:                    testSecret,
		JWTAccessTTL:                 time.Minute,
		AuthCacheTTL:                 time.Minute,
		GatewayMaxConnectionsPerPool: 2,
		GatewayAllowedSubprotocols:   []string{"tessera.v1.json"},
		GatewayMaxInboundFrameBytes:  64 * 1024,
		GatewayWelcomeTimeout:        2 * time.Second,
		GatewaySendQueueSize:         16,
		HeartbeatPingInterval:        15 * time.Second,
		HeartbeatPingTimeout:         30 * time.Second,
		HeartbeatDeadAfter:           60 * time.Second,
		RateLimitWSCount:             1000,
		RateLimitWSWindowSeconds:     60,
		BufferPerUserLimit:           100,
		BufferGlobalLimit:            1000,
		BufferMaxMessageBytes:        32 * 1024,
		BufferOverflowPolicy:         "drop_oldest",
		BufferMaxAttempts:            3,
		BufferRetryBackoff:           []time.Duration{10 * time.Millisecond},
		BufferRecoveryDeadline:       time.Minute,
		BufferMaxMemoryBufferMB:      10,
		BatchStrategy:                "hybrid",
		BatchMaxSize:                 10,
		BatchMaxBytes:                64 * 1024,
		BatchMaxWait:                 20 * time.Millisecond,
		BatchPriorityThreshold:       "HIGH",
		BroadcastChunkSize:           50,
		BroadcastChunkTimeout:        time.Millisecond,
		BroadcastSendTimeout:         time.Second,
		BroadcastDisconnectFailures:  5,
		StateSnapshotTTL:             time.Hour,
		DisconnectStateTTL:           time.Hour,
		ReconnectMaxAttempts:         5,
		ReconnectMinInterval:         100 * time.Millisecond,
		ShutdownDrainDeadline:        time.Second,
		PresenceTTL:                  time.Minute,
	}
}

type gatewayFixture struct {
	app  *fiber.App
	cfg  *config.Config
	core *core.Core
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	c, err := core.New(cfg, rdb, zerolog.Nop())
	if err != nil {
		t.Fatalf("core.New() error = %v", err)
	}

	app := fiber.New()
	handler := NewGatewayHandler(cfg, c.Hub, c.Validator, c.Registry)
	app.Get("/api/v1/gateway", handler.Upgrade)
	return &gatewayFixture{app: app, cfg: cfg, core: c}
}

func upgradeRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

func validToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewAccessToken(uuid.NewString(), testSecret, time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}
	return token
}

func TestUpgradeRequiresWebSocket(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/gateway", nil)
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestUpgradeRejectsMissingToken(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	resp, err := f.app.Test(upgradeRequest(t, "/api/v1/gateway"))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgradeRejectsMalformedToken(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	req := upgradeRequest(t, "/api/v1/gateway?token=not-a-jwt")
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgradeRejectsUnknownSubprotocol(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	req := upgradeRequest(t, "/api/v1/gateway")
	req.Header.Set("Authorization", "Bearer "+validToken(t))
	req.Header.Set("Sec-Websocket-Protocol", "soap.v1")
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpgradeRejectsWhenPoolFull(t *testing.T) {
	t.Parallel()
	f := newGatewayFixture(t)

	// Fill the pool to its configured cap of 2.
	for i := 0; i < 2; i++ {
		conn := registry.NewConn(uuid.NewString(), "u1", uuid.NewString(), "127.0.0.1:1", nopTransport{}, 1000, time.Minute)
		if err := f.core.Registry.Register(conn); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	req := upgradeRequest(t, "/api/v1/gateway")
	req.Header.Set("Authorization", "Bearer "+validToken(t))
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

type nopTransport struct{}

func (nopTransport) Enqueue([]byte) error { return nil }
func (nopTransport) Close(int, string)    {}

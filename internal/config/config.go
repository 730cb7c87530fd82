package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables. The buffer, batch, and performance
// values are deliberately tunable: the defaults below are sane starting points and production tuning is the
// operator's responsibility.
type Config struct {
	// Core
	ServerName        string
	ServerURL         string // also the JWT issuer
	ServerPort        int
	ServerEnv         string // "development" or "production"
	LogHealthRequests bool
	CORSAllowOrigins  string

	// Valkey
	ValkeyURL         string
	ValkeyDialTimeout time.Duration

	// JWT / auth
	JWTSecret    string
	JWTAccessTTL time.Duration
	AuthCacheTTL time.Duration

	// Gateway
	GatewayMaxConnectionsPerPool int
	GatewayAllowedSubprotocols   []string
	GatewayMaxInboundFrameBytes  int
	GatewayWelcomeTimeout        time.Duration
	GatewaySendQueueSize         int

	// Heartbeat
	HeartbeatPingInterval time.Duration
	HeartbeatPingTimeout  time.Duration
	HeartbeatDeadAfter    time.Duration

	// Rate limiting
	RateLimitWSCount          int
	RateLimitWSWindowSeconds  int
	RateLimitAPIRequests      int
	RateLimitAPIWindowSeconds int

	// Per-user buffer
	BufferPerUserLimit      int
	BufferGlobalLimit       int
	BufferMaxMessageBytes   int
	BufferOverflowPolicy    string // drop_oldest, drop_newest, drop_low_priority
	BufferMaxAttempts       int
	BufferRetryBackoff      []time.Duration
	BufferRecoveryDeadline  time.Duration
	BufferMaxMemoryBufferMB int
	CriticalTypes           []string

	// Batching
	BatchStrategy          string // time_based, size_based, hybrid, adaptive
	BatchMaxSize           int
	BatchMaxBytes          int
	BatchMaxWait           time.Duration
	BatchPriorityThreshold string
	BatchAdaptiveMin       int
	BatchAdaptiveMax       int

	// Broadcast
	BroadcastChunkSize          int
	BroadcastChunkTimeout       time.Duration
	BroadcastSendTimeout        time.Duration
	BroadcastDisconnectFailures int

	// State store
	StateSnapshotTTL   time.Duration
	DisconnectStateTTL time.Duration

	// Reconnection
	ReconnectMaxAttempts  int
	ReconnectMinInterval  time.Duration
	ShutdownDrainDeadline time.Duration

	// Presence
	PresenceTTL          time.Duration
	PresenceOfflineDelay time.Duration
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerName:        envStr("SERVER_NAME", "Tessera Gateway"),
		ServerURL:         envStr("SERVER_URL", "https://gateway.example.com"),
		ServerPort:        p.int("SERVER_PORT", 8080),
		ServerEnv:         envStr("SERVER_ENV", "production"),
		LogHealthRequests: p.bool("LOG_HEALTH_REQUESTS", false),
		CORSAllowOrigins:  envStr("CORS_ALLOW_ORIGINS", "*"),

		ValkeyURL:         envStr("VALKEY_URL", "valkey://valkey:6379/0"),
		ValkeyDialTimeout: p.duration("VALKEY_DIAL_TIMEOUT", 5*time.Second),

		JWTSecret:    envStr("JWT_SECRET", ""),
		JWTAccessTTL: p.duration("JWT_ACCESS_TTL", 15*time.Minute),
		AuthCacheTTL: p.duration("AUTH_CACHE_TTL", 60*time.Second),

		GatewayMaxConnectionsPerPool: p.int("GATEWAY_MAX_CONNECTIONS_PER_POOL", 1000),
		GatewayAllowedSubprotocols:   p.strList("GATEWAY_ALLOWED_SUBPROTOCOLS", []string{"tessera.v1.json"}),
		GatewayMaxInboundFrameBytes:  p.int("GATEWAY_MAX_INBOUND_FRAME_BYTES", 65536),
		GatewayWelcomeTimeout:        p.duration("GATEWAY_WELCOME_TIMEOUT", 2*time.Second),
		GatewaySendQueueSize:         p.int("GATEWAY_SEND_QUEUE_SIZE", 256),

		HeartbeatPingInterval: p.duration("HEARTBEAT_PING_INTERVAL", 15*time.Second),
		HeartbeatPingTimeout:  p.duration("HEARTBEAT_PING_TIMEOUT", 30*time.Second),
		HeartbeatDeadAfter:    p.duration("HEARTBEAT_DEAD_AFTER", 60*time.Second),

		RateLimitWSCount:          p.int("RATE_LIMIT_WS_COUNT", 120),
		RateLimitWSWindowSeconds:  p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 60),
		RateLimitAPIRequests:      p.int("RATE_LIMIT_API_REQUESTS", 60),
		RateLimitAPIWindowSeconds: p.int("RATE_LIMIT_API_WINDOW_SECONDS", 60),

		BufferPerUserLimit:      p.int("BUFFER_PER_USER_LIMIT", 200),
		BufferGlobalLimit:       p.int("BUFFER_GLOBAL_LIMIT", 1000),
		BufferMaxMessageBytes:   p.int("BUFFER_MAX_MESSAGE_BYTES", 32*1024),
		BufferOverflowPolicy:    envStr("BUFFER_OVERFLOW_POLICY", "drop_oldest"),
		BufferMaxAttempts:       p.int("BUFFER_MAX_ATTEMPTS", 4),
		BufferRetryBackoff:      p.durationList("BUFFER_RETRY_BACKOFF", []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}),
		BufferRecoveryDeadline:  p.duration("BUFFER_RECOVERY_DEADLINE", 30*time.Second),
		BufferMaxMemoryBufferMB: p.int("BUFFER_MAX_MEMORY_MB", 100),
		CriticalTypes:           p.strList("CRITICAL_MESSAGE_TYPES", nil),

		BatchStrategy:          envStr("BATCH_STRATEGY", "hybrid"),
		BatchMaxSize:           p.int("BATCH_MAX_SIZE", 50),
		BatchMaxBytes:          p.int("BATCH_MAX_BYTES", 500*1024),
		BatchMaxWait:           p.duration("BATCH_MAX_WAIT", 100*time.Millisecond),
		BatchPriorityThreshold: envStr("BATCH_PRIORITY_THRESHOLD", "HIGH"),
		BatchAdaptiveMin:       p.int("BATCH_ADAPTIVE_MIN", 10),
		BatchAdaptiveMax:       p.int("BATCH_ADAPTIVE_MAX", 100),

		BroadcastChunkSize:          p.int("BROADCAST_CHUNK_SIZE", 100),
		BroadcastChunkTimeout:       p.duration("BROADCAST_CHUNK_TIMEOUT", 50*time.Millisecond),
		BroadcastSendTimeout:        p.duration("BROADCAST_SEND_TIMEOUT", time.Second),
		BroadcastDisconnectFailures: p.int("BROADCAST_DISCONNECT_FAILURES", 5),

		StateSnapshotTTL:   p.duration("STATE_SNAPSHOT_TTL", time.Hour),
		DisconnectStateTTL: p.duration("DISCONNECT_STATE_TTL", time.Hour),

		ReconnectMaxAttempts:  p.int("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectMinInterval:  p.duration("RECONNECT_MIN_INTERVAL", time.Second),
		ShutdownDrainDeadline: p.duration("SHUTDOWN_DRAIN_DEADLINE", 5*time.Second),

		PresenceTTL:          p.duration("PRESENCE_TTL", 60*time.Second),
		PresenceOfflineDelay: p.duration("PRESENCE_OFFLINE_DELAY", 10*time.Second),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	// In development mode, point the issuer at the local server so tokens minted by the dev issuer validate.
	if cfg.IsDevelopment() {
		cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.ServerPort)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.GatewayMaxConnectionsPerPool < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS_PER_POOL must be at least 1"))
	}
	if c.GatewayMaxInboundFrameBytes < 1024 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_INBOUND_FRAME_BYTES must be at least 1024"))
	}
	if c.GatewaySendQueueSize < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_SEND_QUEUE_SIZE must be at least 1"))
	}

	if c.HeartbeatPingInterval < time.Second {
		errs = append(errs, fmt.Errorf("HEARTBEAT_PING_INTERVAL must be at least 1s"))
	}
	if c.HeartbeatPingTimeout < c.HeartbeatPingInterval {
		errs = append(errs, fmt.Errorf("HEARTBEAT_PING_TIMEOUT must not be shorter than HEARTBEAT_PING_INTERVAL"))
	}
	if c.HeartbeatDeadAfter < c.HeartbeatPingTimeout {
		errs = append(errs, fmt.Errorf("HEARTBEAT_DEAD_AFTER must not be shorter than HEARTBEAT_PING_TIMEOUT"))
	}

	if c.RateLimitWSCount < 1 || c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_COUNT and RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}
	if c.RateLimitAPIRequests < 1 || c.RateLimitAPIWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_REQUESTS and RATE_LIMIT_API_WINDOW_SECONDS must be at least 1"))
	}

	if c.BufferPerUserLimit < 1 {
		errs = append(errs, fmt.Errorf("BUFFER_PER_USER_LIMIT must be at least 1"))
	}
	if c.BufferGlobalLimit < c.BufferPerUserLimit {
		errs = append(errs, fmt.Errorf("BUFFER_GLOBAL_LIMIT must not be smaller than BUFFER_PER_USER_LIMIT"))
	}
	if c.BufferMaxMessageBytes < 1 {
		errs = append(errs, fmt.Errorf("BUFFER_MAX_MESSAGE_BYTES must be at least 1"))
	}
	switch c.BufferOverflowPolicy {
	case "drop_oldest", "drop_newest", "drop_low_priority":
	default:
		errs = append(errs, fmt.Errorf("BUFFER_OVERFLOW_POLICY must be one of drop_oldest, drop_newest, drop_low_priority"))
	}
	if c.BufferMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("BUFFER_MAX_ATTEMPTS must be at least 1"))
	}
	if len(c.BufferRetryBackoff) == 0 {
		errs = append(errs, fmt.Errorf("BUFFER_RETRY_BACKOFF must contain at least one duration"))
	}

	switch c.BatchStrategy {
	case "time_based", "size_based", "hybrid", "adaptive":
	default:
		errs = append(errs, fmt.Errorf("BATCH_STRATEGY must be one of time_based, size_based, hybrid, adaptive"))
	}
	if c.BatchMaxSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_SIZE must be at least 1"))
	}
	if c.BatchMaxWait < time.Millisecond {
		errs = append(errs, fmt.Errorf("BATCH_MAX_WAIT must be at least 1ms"))
	}
	switch c.BatchPriorityThreshold {
	case "LOW", "NORMAL", "HIGH", "CRITICAL":
	default:
		errs = append(errs, fmt.Errorf("BATCH_PRIORITY_THRESHOLD must be one of LOW, NORMAL, HIGH, CRITICAL"))
	}
	if c.BatchAdaptiveMin < 1 || c.BatchAdaptiveMax < c.BatchAdaptiveMin {
		errs = append(errs, fmt.Errorf("BATCH_ADAPTIVE_MIN and BATCH_ADAPTIVE_MAX must satisfy 1 <= min <= max"))
	}

	if c.BroadcastChunkSize < 1 {
		errs = append(errs, fmt.Errorf("BROADCAST_CHUNK_SIZE must be at least 1"))
	}
	if c.BroadcastSendTimeout < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("BROADCAST_SEND_TIMEOUT must be at least 10ms"))
	}
	if c.BroadcastDisconnectFailures < 1 {
		errs = append(errs, fmt.Errorf("BROADCAST_DISCONNECT_FAILURES must be at least 1"))
	}

	if c.StateSnapshotTTL < time.Minute {
		errs = append(errs, fmt.Errorf("STATE_SNAPSHOT_TTL must be at least 1m"))
	}
	if c.DisconnectStateTTL < time.Minute {
		errs = append(errs, fmt.Errorf("DISCONNECT_STATE_TTL must be at least 1m"))
	}

	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.ReconnectMinInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("RECONNECT_MIN_INTERVAL must be at least 100ms"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"1h\")", key, v))
		return fallback
	}
	return d
}

func (p *parser) durationList(key string, fallback []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected comma-separated durations)", key, v))
			return fallback
		}
		out = append(out, d)
	}
	return out
}

func (p *parser) strList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

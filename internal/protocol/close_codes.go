package protocol

// WebSocket close codes used by the gateway. Standard codes (1000, 1001, 1008, 1011) are defined by RFC 6455; the
// 4000 range is reserved for application use.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	ClosePolicyViolation    = 1008
	CloseInternalError      = 1011
	CloseRateLimited        = 4001
	CloseSessionExpired     = 4002
	CloseReconnectExhausted = 4003
)

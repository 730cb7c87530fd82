package protocol

import "time"

// Frame constructors for server-originated messages. Each returns a fully serialised wire frame, mirroring how the
// envelope is built so callers cannot emit a partially populated frame.

// NewWelcomeFrame returns the connection_established frame sent immediately after a successful handshake.
func NewWelcomeFrame(connectionID, sessionID string) ([]byte, error) {
	env := NewEnvelope(TypeConnectionEstablished, map[string]any{
		"event":            "connection_established",
		"connection_id":    connectionID,
		"connection_ready": true,
		"session_id":       sessionID,
		"server_time":      FormatTimestamp(time.Now()),
	})
	return env.Encode()
}

// NewPingFrame returns a server-initiated ping envelope carrying the send time for RTT measurement.
func NewPingFrame() ([]byte, error) {
	return NewEnvelope(TypePing, map[string]any{
		"sent_at": FormatTimestamp(time.Now()),
	}).Encode()
}

// NewPongFrame returns a pong envelope answering a client ping.
func NewPongFrame() ([]byte, error) {
	return NewEnvelope(TypePong, nil).Encode()
}

// NewStateResyncFrame returns the state_resync frame carrying a full session snapshot.
func NewStateResyncFrame(sessionID string, version int64, state map[string]any, reason string) ([]byte, error) {
	return NewEnvelope(TypeStateResync, map[string]any{
		"session_id":    sessionID,
		"version":       version,
		"state":         state,
		"resync_reason": reason,
	}).Encode()
}

// NewStateResyncRequiredFrame tells the client its snapshot is gone and it must start fresh.
func NewStateResyncRequiredFrame(sessionID, reason string) ([]byte, error) {
	return NewEnvelope(TypeStateResyncRequired, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	}).Encode()
}

// NewStateUpdatedFrame acknowledges an accepted state update with the new version.
func NewStateUpdatedFrame(sessionID string, version int64, updateType string) ([]byte, error) {
	return NewEnvelope(TypeStateUpdated, map[string]any{
		"session_id":  sessionID,
		"version":     version,
		"update_type": updateType,
	}).Encode()
}

// NewVersionConflictFrame reports a rejected state update. The client must resync before retrying.
func NewVersionConflictFrame(clientVersion, serverVersion int64) ([]byte, error) {
	return NewEnvelope(TypeVersionConflict, map[string]any{
		"client_version": clientVersion,
		"server_version": serverVersion,
		"resolution":     "resync_required",
	}).Encode()
}

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
)

// Snapshot is the versioned conversation state persisted per session. Version is the only concurrency primitive
// clients see: every accepted update increments it by exactly one.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Version   int64          `json:"version"`
	State     map[string]any `json:"state"`
	UpdatedAt int64          `json:"updated_at"`
}

// DisconnectRecord is the separate TTL-bound snapshot written when a connection drops, used for reconnection replay.
// Pending carries the user's undelivered buffered messages so they survive a process restart.
type DisconnectRecord struct {
	Snapshot
	DisconnectedAt int64                `json:"disconnected_at"`
	Reason         string               `json:"reason,omitempty"`
	Pending        []*protocol.Envelope `json:"pending,omitempty"`
}

// UpdateType names a typed partial update. Each type owns a region of the state map.
type UpdateType string

const (
	UpdateAgentProgress       UpdateType = "agent_progress"
	UpdateConversationMessage UpdateType = "conversation_message"
	UpdateUIPreference        UpdateType = "ui_preference"
	UpdateThreadUpdate        UpdateType = "thread_update"
)

// stateKeyFor maps an update type to the region of the state map it mutates.
var stateKeyFor = map[UpdateType]string{
	UpdateAgentProgress:       "agent_state",
	UpdateConversationMessage: "conversation",
	UpdateUIPreference:        "ui_preferences",
	UpdateThreadUpdate:        "threads",
}

// ApplyResult is the outcome of a versioned update. On conflict the server state is untouched and ServerVersion
// carries what the client must resync to.
type ApplyResult struct {
	Conflict      bool
	NewVersion    int64
	ServerVersion int64
}

// Store manages versioned session state in Valkey. Writes are serialized per session; concurrency control toward
// clients is optimistic through the snapshot version.
type Store struct {
	rdb           *redis.Client
	snapshotTTL   time.Duration
	disconnectTTL time.Duration
	log           zerolog.Logger
	metrics       *metrics.Metrics
	locks         *sessionLocks
}

// NewStore creates a state store backed by the given Valkey client.
func NewStore(rdb *redis.Client, snapshotTTL, disconnectTTL time.Duration, log zerolog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		rdb:           rdb,
		snapshotTTL:   snapshotTTL,
		disconnectTTL: disconnectTTL,
		log:           log.With().Str("component", "state").Logger(),
		metrics:       m,
		locks:         newSessionLocks(),
	}
}

func stateKey(sessionID string) string      { return "gwstate:" + sessionID }
func disconnectKey(sessionID string) string { return "gwdisc:" + sessionID }

// Create initialises a session's state at version 0. Overwrites nothing if the session already exists; an existing
// session owned by a different user is rejected with protocol.ErrAuthInvalid.
func (s *Store) Create(ctx context.Context, sessionID, userID string) (*Snapshot, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if existing, err := s.load(ctx, sessionID); err == nil {
		if existing.UserID != userID {
			s.log.Warn().Str("session_id", sessionID).Str("user_id", userID).Msg("session create rejected, owned by another user")
			return nil, fmt.Errorf("session %s belongs to another user: %w", sessionID, protocol.ErrAuthInvalid)
		}
		return existing, nil
	} else if !errors.Is(err, protocol.ErrSessionNotFound) {
		return nil, err
	}

	snap := &Snapshot{
		SessionID: sessionID,
		UserID:    userID,
		Version:   0,
		State:     map[string]any{},
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save persists a snapshot. Writes are version-monotonic: a snapshot older than the stored one is rejected.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	unlock := s.locks.lock(snap.SessionID)
	defer unlock()

	current, err := s.load(ctx, snap.SessionID)
	if err != nil && !errors.Is(err, protocol.ErrSessionNotFound) {
		return err
	}
	if current != nil && current.Version > snap.Version {
		return fmt.Errorf("stale snapshot version %d behind %d: %w", snap.Version, current.Version, protocol.ErrConflictVersion)
	}
	return s.save(ctx, snap)
}

// Load retrieves the most recent snapshot. Returns protocol.ErrSessionNotFound when none exists or it has expired.
func (s *Store) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	return s.load(ctx, sessionID)
}

// ApplyUpdate applies a typed partial update under optimistic versioning. A client version behind the server returns
// a conflict result and mutates nothing.
func (s *Store) ApplyUpdate(ctx context.Context, sessionID string, updateType UpdateType, data map[string]any, clientVersion int64) (*ApplyResult, error) {
	region, ok := stateKeyFor[updateType]
	if !ok {
		return nil, fmt.Errorf("unknown update type %q: %w", updateType, protocol.ErrValidation)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	snap, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if clientVersion != snap.Version {
		s.metrics.VersionConflicts.Inc()
		s.log.Debug().Str("session_id", sessionID).Int64("client_version", clientVersion).
			Int64("server_version", snap.Version).Msg("state update rejected on version conflict")
		return &ApplyResult{Conflict: true, ServerVersion: snap.Version}, nil
	}

	if updateType == UpdateConversationMessage {
		appendToRegion(snap.State, region, data)
	} else {
		mergeIntoRegion(snap.State, region, data)
	}

	snap.Version++
	snap.UpdatedAt = time.Now().Unix()
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}
	return &ApplyResult{NewVersion: snap.Version, ServerVersion: snap.Version}, nil
}

// ApplyDottedPath applies a generalized partial update addressing nested keys, e.g. "agent_state.progress" → 0.4.
// Intermediate maps are created as needed. Same conflict policy as ApplyUpdate.
func (s *Store) ApplyDottedPath(ctx context.Context, sessionID string, updates map[string]any, clientVersion int64) (*ApplyResult, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	snap, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if clientVersion != snap.Version {
		s.metrics.VersionConflicts.Inc()
		return &ApplyResult{Conflict: true, ServerVersion: snap.Version}, nil
	}

	for path, value := range updates {
		if err := setDottedPath(snap.State, path, value); err != nil {
			return nil, err
		}
	}

	snap.Version++
	snap.UpdatedAt = time.Now().Unix()
	if err := s.save(ctx, snap); err != nil {
		return nil, err
	}
	return &ApplyResult{NewVersion: snap.Version, ServerVersion: snap.Version}, nil
}

// SaveDisconnect writes the TTL-bound disconnection snapshot consumed by the reconnection handler, together with the
// undelivered messages still buffered for the session's user.
func (s *Store) SaveDisconnect(ctx context.Context, snap *Snapshot, reason string, pending []*protocol.Envelope) error {
	rec := DisconnectRecord{
		Snapshot:       *snap,
		DisconnectedAt: time.Now().Unix(),
		Reason:         reason,
		Pending:        pending,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal disconnect record: %w", err)
	}
	if err := s.rdb.Set(ctx, disconnectKey(snap.SessionID), data, s.disconnectTTL).Err(); err != nil {
		return fmt.Errorf("save disconnect record: %w", err)
	}
	return nil
}

// LoadDisconnect retrieves a disconnection snapshot. Returns protocol.ErrSessionNotFound when missing or expired.
func (s *Store) LoadDisconnect(ctx context.Context, sessionID string) (*DisconnectRecord, error) {
	raw, err := s.rdb.Get(ctx, disconnectKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, protocol.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load disconnect record: %w", err)
	}
	var rec DisconnectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal disconnect record: %w", err)
	}
	return &rec, nil
}

// DeleteDisconnect removes the disconnection snapshot after a successful restore.
func (s *Store) DeleteDisconnect(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, disconnectKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete disconnect record: %w", err)
	}
	return nil
}

// Delete removes a session's state and disconnection snapshot.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, stateKey(sessionID), disconnectKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, protocol.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if snap.State == nil {
		snap.State = map[string]any{}
	}
	return &snap, nil
}

func (s *Store) save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(snap.SessionID), data, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// mergeIntoRegion shallow-merges data into the named map region.
func mergeIntoRegion(state map[string]any, region string, data map[string]any) {
	existing, _ := state[region].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range data {
		existing[k] = v
	}
	state[region] = existing
}

// appendToRegion appends data to the named list region.
func appendToRegion(state map[string]any, region string, data map[string]any) {
	existing, _ := state[region].([]any)
	state[region] = append(existing, data)
}

// setDottedPath writes value at a dot-separated path, creating intermediate maps. A path segment that lands on a
// non-map value is a validation error.
func setDottedPath(state map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || path == "" {
		return fmt.Errorf("empty state path: %w", protocol.ErrValidation)
	}
	node := state
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := map[string]any{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("state path %q crosses a non-object value: %w", path, protocol.ErrValidation)
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// Package presence provides ephemeral user presence backed by Valkey. Presence keys carry a short TTL refreshed by
// gateway heartbeats, so a crashed node's users fall offline on their own. Agent-activity indicators use SET NX to
// deduplicate rapid updates from streaming agents.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatusOnline indicates the user has at least one live connection.
	StatusOnline = "online"
	// StatusAway indicates the user is connected but has had no inbound activity recently.
	StatusAway = "away"
	// StatusOffline is the implicit status when no presence key exists. It is never stored in Valkey.
	StatusOffline = "offline"
)

// PresenceState is the visible presence of one user.
type PresenceState struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Store reads and writes ephemeral presence state in Valkey.
type Store struct {
	rdb         *redis.Client
	presenceTTL time.Duration
	activityTTL time.Duration
}

// NewStore creates a presence store. presenceTTL bounds how long a user appears online after their last heartbeat;
// activityTTL deduplicates agent-activity dispatches.
func NewStore(rdb *redis.Client, presenceTTL, activityTTL time.Duration) *Store {
	return &Store{rdb: rdb, presenceTTL: presenceTTL, activityTTL: activityTTL}
}

func presenceKey(userID string) string           { return "presence:" + userID }
func activityKey(sessionID, agent string) string { return "agentactive:" + sessionID + ":" + agent }

// Set stores the user's presence status with the standard TTL.
func (s *Store) Set(ctx context.Context, userID, status string) error {
	if err := s.rdb.Set(ctx, presenceKey(userID), status, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence status. A missing key means offline.
func (s *Store) Get(ctx context.Context, userID string) (string, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// GetMany returns the presence state for each user. Offline users are omitted, so the result may be shorter than the
// input.
func (s *Store) GetMany(ctx context.Context, userIDs []string) ([]PresenceState, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]PresenceState, 0, len(userIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		status, ok := v.(string)
		if !ok {
			continue
		}
		result = append(result, PresenceState{UserID: userIDs[i], Status: status})
	}
	return result, nil
}

// Refresh extends the TTL of an existing presence key without changing the stored status.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is considered offline.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// SetAgentActive records that an agent started working in a session. SET NX suppresses duplicate dispatches while
// the key lives; returns true when the indicator was newly created and an update should be broadcast.
func (s *Store) SetAgentActive(ctx context.Context, sessionID, agent string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, activityKey(sessionID, agent), 1, s.activityTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set agent activity for %s in %s: %w", agent, sessionID, err)
	}
	return ok, nil
}

// ClearAgentActive removes the agent-activity indicator. Returns true when the key existed and a completion update
// should be broadcast.
func (s *Store) ClearAgentActive(ctx context.Context, sessionID, agent string) (bool, error) {
	n, err := s.rdb.Del(ctx, activityKey(sessionID, agent)).Result()
	if err != nil {
		return false, fmt.Errorf("clear agent activity for %s in %s: %w", agent, sessionID, err)
	}
	return n > 0, nil
}

// ValidStatus reports whether a client may set this status. Offline is not settable; users go offline by
// disconnecting.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway:
		return true
	default:
		return false
	}
}

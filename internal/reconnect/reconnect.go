package reconnect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/state"
)

// Status is the reconnection lifecycle of a session.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusReconnecting = "RECONNECTING"
	StatusRestored     = "RESTORED"
	StatusFailed       = "FAILED"
)

// Options configures a Handler.
type Options struct {
	// MaxAttempts is the reconnection budget per disconnection window.
	MaxAttempts int
	// MinInterval rejects reconnect attempts arriving faster than this with RATE_LIMIT. Backoff itself is the
	// client's job; the server only enforces the floor.
	MinInterval time.Duration
	// WindowTTL bounds how long reconnection bookkeeping survives. Matches the disconnect snapshot TTL.
	WindowTTL time.Duration
}

// Result describes a completed resume.
type Result struct {
	// Fresh is true when no disconnect snapshot survived and the client must start over.
	Fresh bool
	// Version is the resynchronised state version when Fresh is false.
	Version int64
	// Replayed counts buffered messages delivered to the new connection.
	Replayed int
}

// Handler restores sessions after a connection drop: ownership check, state resync, and in-order replay of the
// user's buffered messages. Attempt bookkeeping lives in Valkey so it survives the connection that died.
type Handler struct {
	opts    Options
	store   *state.Store
	buf     *buffer.Manager
	rdb     *redis.Client
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New builds a Handler.
func New(opts Options, store *state.Store, buf *buffer.Manager, rdb *redis.Client, log zerolog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		opts:    opts,
		store:   store,
		buf:     buf,
		rdb:     rdb,
		log:     log.With().Str("component", "reconnect").Logger(),
		metrics: m,
	}
}

func reconnKey(sessionID string) string { return "gwreconn:" + sessionID }

// MarkDisconnected persists the disconnection snapshot and opens the reconnection window. The user's buffered
// undelivered messages ride along in the record so they survive a process restart.
func (h *Handler) MarkDisconnected(ctx context.Context, snap *state.Snapshot, reason string) error {
	if err := h.store.SaveDisconnect(ctx, snap, reason, h.buf.Snapshot(snap.UserID)); err != nil {
		return err
	}
	key := reconnKey(snap.SessionID)
	pipe := h.rdb.Pipeline()
	pipe.HSet(ctx, key, "status", StatusDisconnected)
	pipe.Expire(ctx, key, h.opts.WindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	return nil
}

// Status returns the session's reconnection status. Sessions with no record report CONNECTED.
func (h *Handler) Status(ctx context.Context, sessionID string) (string, error) {
	val, err := h.rdb.HGet(ctx, reconnKey(sessionID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return StatusConnected, nil
	}
	if err != nil {
		return "", fmt.Errorf("load reconnect status: %w", err)
	}
	return val, nil
}

// Resume restores a session onto a fresh connection. The caller has already validated the token; Resume verifies
// ownership, enforces the attempt budget, sends the resync frame, and replays buffered messages in order through
// send. Failed replays go back to the buffer as pending.
func (h *Handler) Resume(ctx context.Context, sessionID, userID string, send func(data []byte) error) (*Result, error) {
	if err := h.admitAttempt(ctx, sessionID); err != nil {
		return nil, err
	}

	rec, err := h.store.LoadDisconnect(ctx, sessionID)
	if errors.Is(err, protocol.ErrSessionNotFound) {
		// No disconnect record does not mean no owner: a live session snapshot still binds the session to its user.
		if owner, loadErr := h.store.Load(ctx, sessionID); loadErr == nil && owner.UserID != userID {
			h.log.Warn().Str("session_id", sessionID).Str("user_id", userID).Msg("reconnect rejected, session owned by another user")
			return nil, fmt.Errorf("session %s is not owned by the presented token: %w", sessionID, protocol.ErrAuthInvalid)
		}
		return h.startFresh(ctx, sessionID, userID, send)
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		h.log.Warn().Str("session_id", sessionID).Str("user_id", userID).Msg("reconnect rejected, session owned by another user")
		return nil, fmt.Errorf("session %s is not owned by the presented token: %w", sessionID, protocol.ErrAuthInvalid)
	}
	h.restorePending(userID, rec.Pending)

	frame, err := protocol.NewStateResyncFrame(sessionID, rec.Version, rec.State, "reconnection")
	if err != nil {
		return nil, err
	}
	if err := send(frame); err != nil {
		return nil, fmt.Errorf("send state_resync: %w", err)
	}

	replayed := h.replay(userID, send)

	if err := h.finish(ctx, sessionID); err != nil {
		return nil, err
	}
	h.metrics.SessionsRestored.Inc()
	h.log.Info().Str("session_id", sessionID).Str("user_id", userID).
		Int64("version", rec.Version).Int("replayed", replayed).Msg("session restored")
	return &Result{Version: rec.Version, Replayed: replayed}, nil
}

// admitAttempt enforces the per-session attempt budget and interval floor.
func (h *Handler) admitAttempt(ctx context.Context, sessionID string) error {
	key := reconnKey(sessionID)
	now := time.Now()

	last, err := h.rdb.HGet(ctx, key, "last_attempt_ms").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load last attempt: %w", err)
	}
	if last != "" {
		if ms, parseErr := strconv.ParseInt(last, 10, 64); parseErr == nil {
			if now.Sub(time.UnixMilli(ms)) < h.opts.MinInterval {
				return fmt.Errorf("reconnect attempt too soon: %w", protocol.ErrRateLimited)
			}
		}
	}

	pipe := h.rdb.Pipeline()
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key, "status", StatusReconnecting, "last_attempt_ms", now.UnixMilli())
	pipe.Expire(ctx, key, h.opts.WindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record reconnect attempt: %w", err)
	}

	if attempts.Val() > int64(h.opts.MaxAttempts) {
		if err := h.fail(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("session %s exceeded %d reconnect attempts: %w", sessionID, h.opts.MaxAttempts, protocol.ErrReconnectExhausted)
	}
	return nil
}

// replay drains the user's buffer onto the new connection in enqueue order. Each message is acked on a successful
// write; a failed write stops the replay and requeues the remainder as PENDING, so the dispatcher or a later resume
// delivers it without burning retry attempts on messages that never reached the wire.
func (h *Handler) replay(userID string, send func(data []byte) error) int {
	replayed := 0
	for {
		batch := h.buf.TakeBatch(userID, 64, 0)
		if len(batch) == 0 {
			return replayed
		}
		for i, msg := range batch {
			data, err := msg.Envelope.Encode()
			if err == nil {
				err = send(data)
			}
			if err != nil {
				rest := make([]string, 0, len(batch)-i)
				for _, m := range batch[i:] {
					rest = append(rest, m.ID())
				}
				h.buf.Requeue(userID, rest...)
				return replayed
			}
			h.buf.Ack(userID, msg.ID())
			replayed++
		}
	}
}

// restorePending re-buffers messages persisted in a disconnect record that the buffer no longer holds, e.g. after a
// process restart. Messages still buffered keep their place; only the missing ones are enqueued.
func (h *Handler) restorePending(userID string, pending []*protocol.Envelope) {
	if len(pending) == 0 {
		return
	}
	buffered := make(map[string]struct{})
	for _, env := range h.buf.Snapshot(userID) {
		buffered[env.MessageID] = struct{}{}
	}
	for _, env := range pending {
		if _, ok := buffered[env.MessageID]; ok {
			continue
		}
		if err := h.buf.Enqueue(userID, env); err != nil {
			h.log.Warn().Str("user_id", userID).Str("message_id", env.MessageID).Err(err).
				Msg("persisted message could not be re-buffered")
		}
	}
}

// startFresh handles a resume whose snapshot expired: tell the client to resync from scratch. Buffered messages for
// the user still replay; they outlive the session snapshot.
func (h *Handler) startFresh(ctx context.Context, sessionID, userID string, send func(data []byte) error) (*Result, error) {
	frame, err := protocol.NewStateResyncRequiredFrame(sessionID, "snapshot_expired")
	if err != nil {
		return nil, err
	}
	if err := send(frame); err != nil {
		return nil, fmt.Errorf("send state_resync_required: %w", err)
	}
	replayed := h.replay(userID, send)
	if err := h.finish(ctx, sessionID); err != nil {
		return nil, err
	}
	h.log.Info().Str("session_id", sessionID).Int("replayed", replayed).Msg("reconnect without snapshot, starting fresh")
	return &Result{Fresh: true, Replayed: replayed}, nil
}

// finish closes the reconnection window after a successful resume.
func (h *Handler) finish(ctx context.Context, sessionID string) error {
	pipe := h.rdb.Pipeline()
	pipe.Del(ctx, reconnKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear reconnect window: %w", err)
	}
	if err := h.store.DeleteDisconnect(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// fail marks the session FAILED and clears its state entirely.
func (h *Handler) fail(ctx context.Context, sessionID string) error {
	h.metrics.SessionsExhausted.Inc()
	key := reconnKey(sessionID)
	pipe := h.rdb.Pipeline()
	pipe.HSet(ctx, key, "status", StatusFailed)
	pipe.Expire(ctx, key, h.opts.WindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	if err := h.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	h.log.Warn().Str("session_id", sessionID).Msg("session failed, reconnect budget exhausted")
	return nil
}

package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessera-ai/tessera-gateway/internal/buffer"
	"github.com/tessera-ai/tessera-gateway/internal/metrics"
	"github.com/tessera-ai/tessera-gateway/internal/protocol"
	"github.com/tessera-ai/tessera-gateway/internal/state"
)

type fixture struct {
	handler *Handler
	store   *state.Store
	buf     *buffer.Manager
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	store := state.NewStore(rdb, time.Hour, time.Hour, zerolog.Nop(), m)
	buf := buffer.NewManager(buffer.Options{
		PerUserLimit:     100,
		GlobalLimit:      1000,
		MaxMessageBytes:  32 * 1024,
		Policy:           buffer.DropOldest,
		MaxAttempts:      4,
		RetryBackoff:     []time.Duration{10 * time.Millisecond},
		RecoveryDeadline: time.Minute,
	}, zerolog.Nop(), m)

	return &fixture{
		handler: New(opts, store, buf, rdb, zerolog.Nop(), m),
		store:   store,
		buf:     buf,
		mr:      mr,
	}
}

func defaultOptions() Options {
	return Options{MaxAttempts: 5, MinInterval: 0, WindowTTL: time.Hour}
}

type frameSink struct {
	frames []*protocol.Envelope
	fail   bool
}

func (s *frameSink) send(data []byte) error {
	if s.fail {
		return protocol.ErrSlowClient
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.frames = append(s.frames, &env)
	return nil
}

func disconnectedSession(t *testing.T, f *fixture, sessionID, userID string, version int64) {
	t.Helper()
	ctx := context.Background()
	snap := &state.Snapshot{
		SessionID: sessionID,
		UserID:    userID,
		Version:   version,
		State:     map[string]any{"agent_state": map[string]any{"progress": 0.7}},
	}
	if err := f.handler.MarkDisconnected(ctx, snap, "network_error"); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}
}

func TestResumeReplaysStateAndBufferInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	disconnectedSession(t, f, "s1", "u1", 7)

	var ids []string
	for i := 0; i < 3; i++ {
		env := protocol.NewEnvelope(protocol.TypeAgentUpdate, map[string]any{"n": i})
		ids = append(ids, env.MessageID)
		if err := f.buf.Enqueue("u1", env); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	sink := &frameSink{}
	res, err := f.handler.Resume(ctx, "s1", "u1", sink.send)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Fresh || res.Version != 7 || res.Replayed != 3 {
		t.Errorf("Result = %+v, want version 7 with 3 replayed", res)
	}

	if len(sink.frames) != 4 {
		t.Fatalf("sent %d frames, want 4 (resync + 3 messages)", len(sink.frames))
	}
	resync := sink.frames[0]
	if resync.Type != protocol.TypeStateResync {
		t.Fatalf("first frame = %q, want state_resync", resync.Type)
	}
	if got := resync.Payload["resync_reason"]; got != "reconnection" {
		t.Errorf("resync_reason = %v, want reconnection", got)
	}
	if got := resync.Payload["version"]; got != float64(7) {
		t.Errorf("version = %v, want 7", got)
	}
	for i, id := range ids {
		if sink.frames[i+1].MessageID != id {
			t.Errorf("replay frame %d = %s, want %s (enqueue order)", i, sink.frames[i+1].MessageID, id)
		}
	}

	if got := f.buf.UserLen("u1"); got != 0 {
		t.Errorf("buffer length after replay = %d, want 0", got)
	}

	status, err := f.handler.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != StatusConnected {
		t.Errorf("Status() = %q, want CONNECTED after restore", status)
	}
}

func TestResumeRejectsForeignSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())

	disconnectedSession(t, f, "s1", "u1", 1)

	sink := &frameSink{}
	_, err := f.handler.Resume(context.Background(), "s1", "intruder", sink.send)
	if !errors.Is(err, protocol.ErrAuthInvalid) {
		t.Errorf("Resume(wrong owner) error = %v, want ErrAuthInvalid", err)
	}
	if len(sink.frames) != 0 {
		t.Errorf("sent %d frames, want 0", len(sink.frames))
	}
}

func TestResumeRejectsForeignLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	// The owner never disconnected: a live session snapshot exists but no disconnect record.
	if _, err := f.store.Create(ctx, "s1", "alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sink := &frameSink{}
	_, err := f.handler.Resume(ctx, "s1", "mallory", sink.send)
	if !errors.Is(err, protocol.ErrAuthInvalid) {
		t.Fatalf("Resume(foreign live session) error = %v, want ErrAuthInvalid", err)
	}
	if len(sink.frames) != 0 {
		t.Errorf("sent %d frames, want 0", len(sink.frames))
	}

	// The owner can still resume into a fresh start.
	ownerSink := &frameSink{}
	res, err := f.handler.Resume(ctx, "s1", "alice", ownerSink.send)
	if err != nil {
		t.Fatalf("Resume(owner) error = %v", err)
	}
	if !res.Fresh {
		t.Error("Fresh = false, want true without a disconnect record")
	}
}

func TestResumeWithoutSnapshotStartsFresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())

	sink := &frameSink{}
	res, err := f.handler.Resume(context.Background(), "gone", "u1", sink.send)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !res.Fresh {
		t.Error("Fresh = false, want true")
	}
	if len(sink.frames) != 1 || sink.frames[0].Type != protocol.TypeStateResyncRequired {
		t.Errorf("frames = %v, want one state_resync_required", sink.frames)
	}
}

func TestResumeExpiredSnapshotStartsFresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())

	disconnectedSession(t, f, "s1", "u1", 3)
	f.mr.FastForward(2 * time.Hour)

	sink := &frameSink{}
	res, err := f.handler.Resume(context.Background(), "s1", "u1", sink.send)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !res.Fresh {
		t.Error("Fresh = false, want true after TTL expiry")
	}
}

func TestResumeEnforcesMinInterval(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.MinInterval = time.Minute
	f := newFixture(t, opts)

	disconnectedSession(t, f, "s1", "u1", 1)

	// First attempt fails on ownership, leaving the window open with a recorded attempt.
	sink := &frameSink{}
	if _, err := f.handler.Resume(context.Background(), "s1", "intruder", sink.send); !errors.Is(err, protocol.ErrAuthInvalid) {
		t.Fatalf("Resume() error = %v, want ErrAuthInvalid", err)
	}

	if _, err := f.handler.Resume(context.Background(), "s1", "u1", sink.send); !errors.Is(err, protocol.ErrRateLimited) {
		t.Errorf("Resume(too soon) error = %v, want ErrRateLimited", err)
	}
}

func TestResumeExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.MaxAttempts = 2
	f := newFixture(t, opts)
	ctx := context.Background()

	disconnectedSession(t, f, "s1", "u1", 1)

	sink := &frameSink{}
	for i := 0; i < 2; i++ {
		if _, err := f.handler.Resume(ctx, "s1", "intruder", sink.send); !errors.Is(err, protocol.ErrAuthInvalid) {
			t.Fatalf("attempt %d error = %v, want ErrAuthInvalid", i+1, err)
		}
	}

	_, err := f.handler.Resume(ctx, "s1", "u1", sink.send)
	if !errors.Is(err, protocol.ErrReconnectExhausted) {
		t.Fatalf("Resume(exhausted) error = %v, want ErrReconnectExhausted", err)
	}

	status, err := f.handler.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != StatusFailed {
		t.Errorf("Status() = %q, want FAILED", status)
	}
}

func TestResumeFailedSendLeavesMessagesBuffered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	disconnectedSession(t, f, "s1", "u1", 1)
	if err := f.buf.Enqueue("u1", protocol.NewEnvelope(protocol.TypeAgentUpdate, nil)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// The resync frame goes out, then the socket dies before replay.
	calls := 0
	send := func(data []byte) error {
		calls++
		if calls > 1 {
			return protocol.ErrSlowClient
		}
		return nil
	}

	res, err := f.handler.Resume(ctx, "s1", "u1", send)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Replayed != 0 {
		t.Errorf("Replayed = %d, want 0", res.Replayed)
	}
	if got := f.buf.UserLen("u1"); got != 1 {
		t.Errorf("buffer length = %d, want 1 (failed replay stays buffered)", got)
	}
	// The failed write never reached the wire: the message goes straight back to PENDING with no attempt burned, so
	// the dispatcher or the next resume picks it up without waiting out a backoff.
	if got := f.buf.PendingCount("u1"); got != 1 {
		t.Errorf("PendingCount() = %d, want 1 after failed replay", got)
	}
}

func TestResumeReplaysAgainAfterFailedSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	disconnectedSession(t, f, "s1", "u1", 1)
	for i := 0; i < 2; i++ {
		if err := f.buf.Enqueue("u1", protocol.NewEnvelope(protocol.TypeAgentUpdate, map[string]any{"n": i})); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// The socket dies right after the resync frame, before any replay write lands.
	calls := 0
	flaky := func(data []byte) error {
		calls++
		if calls > 1 {
			return protocol.ErrSlowClient
		}
		return nil
	}
	if _, err := f.handler.Resume(ctx, "s1", "u1", flaky); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	sink := &frameSink{}
	res, err := f.handler.Resume(ctx, "s1", "u1", sink.send)
	if err != nil {
		t.Fatalf("Resume(second) error = %v", err)
	}
	if res.Replayed != 2 {
		t.Errorf("Replayed = %d, want 2 on the next resume", res.Replayed)
	}
	if got := f.buf.UserLen("u1"); got != 0 {
		t.Errorf("buffer length = %d, want 0 after successful replay", got)
	}
}

func TestResumeRestoresPendingAfterRestart(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	store := state.NewStore(rdb, time.Hour, time.Hour, zerolog.Nop(), m)
	bufOpts := buffer.Options{
		PerUserLimit:     100,
		GlobalLimit:      1000,
		MaxMessageBytes:  32 * 1024,
		Policy:           buffer.DropOldest,
		MaxAttempts:      4,
		RetryBackoff:     []time.Duration{10 * time.Millisecond},
		RecoveryDeadline: time.Minute,
	}
	ctx := context.Background()

	// First process: buffered messages captured into the disconnect record.
	before := buffer.NewManager(bufOpts, zerolog.Nop(), m)
	h1 := New(defaultOptions(), store, before, rdb, zerolog.Nop(), m)
	var ids []string
	for i := 0; i < 2; i++ {
		env := protocol.NewEnvelope(protocol.TypeAgentUpdate, map[string]any{"n": i})
		ids = append(ids, env.MessageID)
		if err := before.Enqueue("u1", env); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	snap := &state.Snapshot{SessionID: "s1", UserID: "u1", Version: 4, State: map[string]any{}}
	if err := h1.MarkDisconnected(ctx, snap, "server_shutdown"); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	// Second process: an empty buffer, only Valkey survives.
	after := buffer.NewManager(bufOpts, zerolog.Nop(), m)
	h2 := New(defaultOptions(), store, after, rdb, zerolog.Nop(), m)

	sink := &frameSink{}
	res, err := h2.Resume(ctx, "s1", "u1", sink.send)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Fresh || res.Replayed != 2 {
		t.Fatalf("Result = %+v, want 2 replayed from the persisted record", res)
	}
	if len(sink.frames) != 3 {
		t.Fatalf("sent %d frames, want 3 (resync + 2 messages)", len(sink.frames))
	}
	for i, id := range ids {
		if sink.frames[i+1].MessageID != id {
			t.Errorf("replay frame %d = %s, want %s (enqueue order)", i, sink.frames[i+1].MessageID, id)
		}
	}
	if got := after.UserLen("u1"); got != 0 {
		t.Errorf("buffer length = %d, want 0 after replay", got)
	}
}

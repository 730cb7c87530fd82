package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	return mr, NewStore(rdb, time.Minute, 10*time.Second)
}

func TestSetAndGet(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()

	if err := store.Set(ctx, userID, StatusOnline); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOnline {
		t.Errorf("Get() = %q, want %q", got, StatusOnline)
	}
}

func TestGetMissingIsOffline(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)

	got, err := store.Get(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("Get() = %q, want offline", got)
	}
}

func TestPresenceExpires(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()

	if err := store.Set(ctx, userID, StatusOnline); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusOffline {
		t.Errorf("Get() after TTL = %q, want offline", got)
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()

	if err := store.Set(ctx, userID, StatusAway); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mr.FastForward(45 * time.Second)
	if err := store.Refresh(ctx, userID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(45 * time.Second)

	got, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != StatusAway {
		t.Errorf("Get() = %q, want away after refresh", got)
	}
}

func TestGetManyOmitsOffline(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	online, offline := uuid.NewString(), uuid.NewString()
	if err := store.Set(ctx, online, StatusOnline); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	states, err := store.GetMany(ctx, []string{online, offline})
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	if len(states) != 1 || states[0].UserID != online || states[0].Status != StatusOnline {
		t.Errorf("GetMany() = %v, want only the online user", states)
	}
}

func TestAgentActivityDeduplicates(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	created, err := store.SetAgentActive(ctx, "s1", "researcher")
	if err != nil {
		t.Fatalf("SetAgentActive() error = %v", err)
	}
	if !created {
		t.Error("SetAgentActive() = false on first call, want true")
	}

	created, err = store.SetAgentActive(ctx, "s1", "researcher")
	if err != nil {
		t.Fatalf("SetAgentActive() error = %v", err)
	}
	if created {
		t.Error("SetAgentActive() = true on duplicate, want false")
	}

	cleared, err := store.ClearAgentActive(ctx, "s1", "researcher")
	if err != nil {
		t.Fatalf("ClearAgentActive() error = %v", err)
	}
	if !cleared {
		t.Error("ClearAgentActive() = false, want true")
	}
	if cleared, _ := store.ClearAgentActive(ctx, "s1", "researcher"); cleared {
		t.Error("ClearAgentActive() = true on missing key, want false")
	}
}

func TestValidStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []string{StatusOnline, StatusAway} {
		if !ValidStatus(status) {
			t.Errorf("ValidStatus(%q) = false, want true", status)
		}
	}
	for _, status := range []string{StatusOffline, "busy", ""} {
		if ValidStatus(status) {
			t.Errorf("ValidStatus(%q) = true, want false", status)
		}
	}
}

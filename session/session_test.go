package session

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, time.Hour), mr
}

func TestLoadRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "sid-1", Record{UserID: "u1", IssuedAt: 42}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, err := store.Load(ctx, "sid-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.UserID != "u1" || rec.IssuedAt != 42 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if ttl := mr.TTL("session:sid-1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestLoadMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "nope")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	_, err = store.Load(context.Background(), "")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty sid, got %v", err)
	}
}

func TestLoadCorruptRecord(t *testing.T) {
	store, mr := newTestStore(t)

	mr.Set("session:bad", "{not json")
	if _, err := store.Load(context.Background(), "bad"); !errors.Is(err, domain.ErrIdentityResolutionFailed) {
		t.Fatalf("expected ErrIdentityResolutionFailed, got %v", err)
	}

	mr.Set("session:empty", `{"issuedAt":1}`)
	if _, err := store.Load(context.Background(), "empty"); !errors.Is(err, domain.ErrIdentityResolutionFailed) {
		t.Fatalf("expected ErrIdentityResolutionFailed for missing user id, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "sid-2", Record{UserID: "u2"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "sid-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "sid-2"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "sid-2"); err != nil {
		t.Fatalf("double delete should be a no-op: %v", err)
	}
}

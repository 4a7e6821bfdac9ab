package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(rdb, "kgs", time.Hour, nil)
}

func TestCreateAndGet(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 42)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if sess.UserID != 42 {
		t.Fatalf("expected user 42, got %d", sess.UserID)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != 42 || got.ID != sess.ID {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestCreateAnonymous(t *testing.T) {
	_, store := newTestStore(t)

	sess, err := store.Create(context.Background(), 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !sess.Anonymous() {
		t.Fatal("expected anonymous session")
	}
}

func TestGetUnknown(t *testing.T) {
	_, store := newTestStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachConvertsInPlace(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	anon, err := store.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	attached, err := store.Attach(ctx, anon.ID, 7)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if attached.ID != anon.ID {
		t.Fatal("attach must keep the session id")
	}
	if attached.UserID != 7 {
		t.Fatalf("expected user 7, got %d", attached.UserID)
	}

	got, err := store.Get(ctx, anon.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != 7 {
		t.Fatalf("expected persisted user 7, got %d", got.UserID)
	}
}

func TestAttachKeepsTTL(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Attach(ctx, sess.ID, 9); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if mr.TTL("kgs:"+sess.ID) <= 0 {
		t.Fatal("expected attach to preserve key TTL")
	}
}

func TestAttachUnknown(t *testing.T) {
	_, store := newTestStore(t)

	if _, err := store.Attach(context.Background(), "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachTakesOverLoggedInSession(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	attached, err := store.Attach(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if attached.UserID != 2 {
		t.Fatalf("expected takeover to user 2, got %d", attached.UserID)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 3)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSessionExpires(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 5)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

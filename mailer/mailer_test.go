package mailer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()

	if rec.Last() != nil {
		t.Fatal("expected no messages yet")
	}

	first := &Email{MKind: "confirm-email", To: []Address{{Email: "a@example.com"}}}
	second := &Email{MKind: "reset-password", To: []Address{{Email: "b@example.com"}}}
	if err := rec.Send(ctx, first); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := rec.Send(ctx, second); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := len(rec.Sent()); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	if rec.Last().MKind != "reset-password" {
		t.Fatalf("unexpected last message: %+v", rec.Last())
	}
}

func TestNoOp(t *testing.T) {
	if err := (NoOp{}).Send(context.Background(), &Email{MKind: "confirm-email"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestRedisQueueSend(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := NewRedisQueue(rdb, "")
	ctx := context.Background()

	email := &Email{
		From:    Address{Name: "KeyGate", Email: "noreply@example.com"},
		To:      []Address{{Name: "Alice", Email: "alice@example.com"}},
		MKind:   "confirm-email",
		Context: map[string]any{"link": "https://example.com/confirm-email/?code=x"},
	}
	if err := queue.Send(ctx, email); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	raw, err := rdb.RPop(ctx, DefaultQueueKey).Result()
	if err != nil {
		t.Fatalf("RPop failed: %v", err)
	}

	var msg queuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected message id")
	}
	if msg.QueuedAt == 0 {
		t.Fatal("expected queued_at timestamp")
	}
	if msg.Email == nil || msg.Email.MKind != "confirm-email" {
		t.Fatalf("unexpected payload: %+v", msg.Email)
	}
	if msg.Email.To[0].Email != "alice@example.com" {
		t.Fatalf("unexpected recipient: %+v", msg.Email.To)
	}
}

func TestRedisQueueUniqueIDs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := NewRedisQueue(rdb, "outbox")
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		if err := queue.Send(ctx, &Email{MKind: "confirm-email"}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		raw, err := rdb.RPop(ctx, "outbox").Result()
		if err != nil {
			t.Fatalf("RPop failed: %v", err)
		}
		var msg queuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if seen[msg.ID] {
			t.Fatalf("duplicate message id %q", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestRedisQueueNilEmail(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := NewRedisQueue(rdb, "")
	if err := queue.Send(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil email")
	}
}

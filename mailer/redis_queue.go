package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the Redis list the delivery worker consumes.
const DefaultQueueKey = "keygate:mail:queue"

// queuedMessage is the wire envelope pushed onto the queue. The ID lets
// the delivery worker deduplicate retried pushes.
type queuedMessage struct {
	ID       string `json:"id"`
	QueuedAt int64  `json:"queued_at"`
	Email    *Email `json:"email"`
}

// RedisQueue is a Mailer that enqueues messages onto a Redis list for an
// out-of-process delivery worker. Enqueue is a single LPUSH; there is no
// retry here because the caller treats mail as best effort.
type RedisQueue struct {
	client   redis.UniversalClient
	queueKey string
}

// NewRedisQueue builds a queue-backed Mailer. An empty queueKey selects
// DefaultQueueKey.
func NewRedisQueue(client redis.UniversalClient, queueKey string) *RedisQueue {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &RedisQueue{client: client, queueKey: queueKey}
}

// Send encodes the message and pushes it onto the queue.
func (q *RedisQueue) Send(ctx context.Context, email *Email) error {
	if email == nil {
		return fmt.Errorf("mailer: nil email")
	}

	payload, err := json.Marshal(queuedMessage{
		ID:       uuid.NewString(),
		QueuedAt: time.Now().UnixNano(),
		Email:    email,
	})
	if err != nil {
		return fmt.Errorf("mailer: encode message: %w", err)
	}

	if err := q.client.LPush(ctx, q.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("mailer: enqueue message: %w", err)
	}
	return nil
}

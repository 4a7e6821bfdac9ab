package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal"
)

// ErrNotFound is returned when the session id does not resolve to a live row.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable is returned when the backing Redis cannot be reached.
var ErrRedisUnavailable = errors.New("session redis unavailable")

const attachMaxRetries = 4

// Store persists sessions in Redis as JSON blobs under a configurable key
// prefix, with the session lifetime enforced by key TTL.
type Store struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	random io.Reader
}

// NewStore creates a session store. A nil random source falls back to the
// host CSPRNG.
func NewStore(client *redis.Client, prefix string, ttl time.Duration, random io.Reader) *Store {
	if prefix == "" {
		prefix = "kgs"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		random: random,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Create inserts a new session row. userID zero creates an anonymous session.
func (s *Store) Create(ctx context.Context, userID int64) (*Session, error) {
	id, err := internal.SessionToken(s.random)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}

	encoded, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	// NX guards against the astronomically unlikely token collision: fail
	// instead of silently taking over another caller's session.
	ok, err := s.redis.SetNX(ctx, s.key(id), encoded, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return nil, errors.New("session id collision")
	}

	return sess, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session row: %w", err)
	}

	return &sess, nil
}

// Attach binds userID to an existing session row in place, keeping the id
// and remaining TTL. The row may already carry a user; login takes over the
// browser session either way.
func (s *Store) Attach(ctx context.Context, sessionID string, userID int64) (*Session, error) {
	key := s.key(sessionID)

	for i := 0; i < attachMaxRetries; i++ {
		var attached *Session

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var sess Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return fmt.Errorf("corrupt session row: %w", err)
			}

			sess.UserID = userID
			sess.UpdatedAt = time.Now().Unix()

			encoded, err := json.Marshal(&sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}

			attached = &sess
			return nil
		}, key)

		switch {
		case err == nil:
			return attached, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return nil, fmt.Errorf("%w: attach contention", ErrRedisUnavailable)
}

// Delete removes a session row. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

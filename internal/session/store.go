package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/redispool"
)

// keyNamespace sits between the pool's configured prefix and the session
// id: {prefix}session:{id}. Keys(), Count(), and Clear() operate only over
// this namespace.
const keyNamespace = "session:"

const scanBatch = 100

// RedisStore persists session records in the external key-value store. All
// data operations fail fast with ErrNotConnected while the pool is
// unavailable; callers are expected to Connect first and treat a false
// result as the durability feature being degraded.
type RedisStore struct {
	pool   *redispool.Pool
	logger *slog.Logger
}

// NewRedisStore wraps a pool in a session store.
func NewRedisStore(pool *redispool.Pool, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{pool: pool, logger: logger}
}

// Connect establishes the underlying pool connection.
func (s *RedisStore) Connect(ctx context.Context) bool {
	return s.pool.Connect(ctx)
}

// IsHealthy delegates to the pool's liveness probe.
func (s *RedisStore) IsHealthy(ctx context.Context) bool {
	return s.pool.IsHealthy(ctx)
}

// Latency delegates to the pool's probe timer.
func (s *RedisStore) Latency(ctx context.Context) (time.Duration, bool) {
	return s.pool.Latency(ctx)
}

func (s *RedisStore) key(id string) string {
	return s.pool.KeyPrefix() + keyNamespace + id
}

func (s *RedisStore) client() (redis.UniversalClient, error) {
	client, ok := s.pool.Client()
	if !ok {
		return nil, ErrNotConnected
	}
	return client, nil
}

// Get fetches a session by id. A missing record returns (nil, nil).
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

// Set writes a session record. A positive ttl asks the store to expire the
// record on its own; zero leaves it without store-side expiry, making the
// coordinator's idle timer the sole authority.
func (s *RedisStore) Set(ctx context.Context, id string, sess *Session, ttl time.Duration) error {
	client, err := s.client()
	if err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return nil
}

// Delete removes a session record and reports whether one existed.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	client, err := s.client()
	if err != nil {
		return false, err
	}

	n, err := client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", id, err)
	}
	return n > 0, nil
}

// Has reports whether a record exists for id.
func (s *RedisStore) Has(ctx context.Context, id string) (bool, error) {
	client, err := s.client()
	if err != nil {
		return false, err
	}

	n, err := client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	return n > 0, nil
}

// Keys lists every stored session id, prefix stripped.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	prefix := s.pool.KeyPrefix() + keyNamespace
	var ids []string

	iter := client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return ids, nil
}

// Count returns the number of stored sessions.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	ids, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Clear removes every session record in the namespace. Records outside the
// namespace are untouched.
func (s *RedisStore) Clear(ctx context.Context) error {
	client, err := s.client()
	if err != nil {
		return err
	}

	prefix := s.pool.KeyPrefix() + keyNamespace
	var batch []string

	iter := client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clearing sessions: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning sessions: %w", err)
	}
	if len(batch) > 0 {
		if err := client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("clearing sessions: %w", err)
		}
	}
	return nil
}

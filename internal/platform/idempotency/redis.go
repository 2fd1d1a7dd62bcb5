package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rewards:idem:"

type redisCommands interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps entries as JSON strings with a native expiry.
type RedisStore struct {
	client redisCommands
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return newRedisStore(client)
}

func newRedisStore(client redisCommands) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// Begin implements Store. Ownership is taken with SET NX so concurrent callers race on Redis.
func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	entry := newInFlight(key, fingerprint, now, ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return OutcomeBusy, Entry{}, fmt.Errorf("idempotency: encode entry: %w", err)
	}
	acquired, err := s.client.SetNX(ctx, s.redisKey(key), payload, entry.ExpiresAt.Sub(now)).Result()
	if err != nil {
		return OutcomeBusy, Entry{}, fmt.Errorf("idempotency: reserve key: %w", err)
	}
	if acquired {
		return OutcomeAcquired, entry, nil
	}

	existing, found, err := s.load(ctx, key)
	if err != nil {
		return OutcomeBusy, Entry{}, err
	}
	if !found {
		// Expired between SETNX and GET; the caller may retry.
		return OutcomeBusy, Entry{}, nil
	}
	outcome, err := decide(existing, fingerprint)
	return outcome, existing, err
}

// Finish implements Store.
func (s *RedisStore) Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	existing, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		existing = newInFlight(key, fingerprint, now, ttl)
	}
	if existing.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	entry := completed(existing, snap, now, ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("idempotency: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), payload, entry.ExpiresAt.Sub(now)).Err(); err != nil {
		return fmt.Errorf("idempotency: store response: %w", err)
	}
	return nil
}

// Abandon implements Store.
func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release key: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: load key: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + documentID(key)
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewards-hub/api/internal/platform/config"
	"github.com/rewards-hub/api/internal/services"
)

const (
	defaultKeyPrefix = "rewards:balance:"
	defaultTTL       = 30 * time.Second
)

// setIfNewer writes "sequence:balance" unless the stored entry carries a higher sequence.
const setIfNewer = `
local current = redis.call('GET', KEYS[1])
if current then
  local seq = tonumber(string.match(current, '^(%d+):'))
  if seq and seq > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2], 'PX', ARGV[3])
return 1
`

// commander is the subset of redis.Cmdable used by the cache.
type commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBalanceCache stores balances tagged with the account sequence they were read at,
// under a short TTL. A write carrying an older sequence never replaces a newer entry.
type RedisBalanceCache struct {
	client commander
	prefix string
	ttl    time.Duration
}

var _ services.BalanceCache = (*RedisBalanceCache)(nil)

// Option customises the cache.
type Option func(*RedisBalanceCache)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(c *RedisBalanceCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisBalanceCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRedisBalanceCache wraps an existing client.
func NewRedisBalanceCache(client redis.Cmdable, opts ...Option) *RedisBalanceCache {
	return newBalanceCache(client, opts...)
}

func newBalanceCache(client commander, opts ...Option) *RedisBalanceCache {
	c := &RedisBalanceCache{client: client, prefix: defaultKeyPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial connects to the configured Redis instance and verifies it with PING.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return client, nil
}

// Get returns the cached balance; ok is false on a miss.
func (c *RedisBalanceCache) Get(ctx context.Context, employeeID int64) (int64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(employeeID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: get balance: %w", err)
	}
	balance, err := parseEntry(raw)
	if err != nil {
		// Corrupt entries are treated as misses and dropped.
		_ = c.client.Del(ctx, c.key(employeeID)).Err()
		return 0, false, nil
	}
	return balance, true, nil
}

// Set stores the balance read at sequence with the configured TTL.
func (c *RedisBalanceCache) Set(ctx context.Context, employeeID int64, balance int64, sequence int64) error {
	err := c.client.Eval(ctx, setIfNewer, []string{c.key(employeeID)},
		strconv.FormatInt(sequence, 10),
		strconv.FormatInt(balance, 10),
		strconv.FormatInt(c.ttl.Milliseconds(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("cache: set balance: %w", err)
	}
	return nil
}

// Invalidate drops the cached balance.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, employeeID int64) error {
	if err := c.client.Del(ctx, c.key(employeeID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate balance: %w", err)
	}
	return nil
}

func parseEntry(raw string) (int64, error) {
	seq, balance, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, fmt.Errorf("cache: malformed entry %q", raw)
	}
	if _, err := strconv.ParseInt(seq, 10, 64); err != nil {
		return 0, err
	}
	return strconv.ParseInt(balance, 10, 64)
}

func (c *RedisBalanceCache) key(employeeID int64) string {
	return c.prefix + strconv.FormatInt(employeeID, 10)
}

package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseStore grants owner-scoped, expiring claims on a key.
type LeaseStore interface {
	// Acquire claims key for owner, or extends the claim if owner already
	// holds it. It reports false when another owner holds the key.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeases stores leases in Redis so replicas share one binding table view.
type RedisLeases struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLeases(client redis.UniversalClient, prefix string) *RedisLeases {
	if strings.TrimSpace(prefix) == "" {
		prefix = "parley:binding:"
	}
	return &RedisLeases{client: client, prefix: prefix}
}

// OpenRedisLeases connects to redisURL and verifies the connection.
func OpenRedisLeases(ctx context.Context, redisURL string) (*RedisLeases, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLeases(client, ""), nil
}

func (l *RedisLeases) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLeases) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (l *RedisLeases) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLeases) Close() error {
	return l.client.Close()
}

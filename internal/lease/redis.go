package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Compare-and-extend: only the current holder may push the expiry forward.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Compare-and-delete.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Re-entrant acquire: SET NX, or refresh when the caller already holds it.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisLocker stores leases as Redis keys with a PX expiry; the value is the holder.
type RedisLocker struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(addr, password string, db int, logger *slog.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisLockerFromClient(client, logger), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client:  client,
		logger:  logger,
		prefix:  "onboarding:lease:",
		timeout: 2 * time.Second,
	}
}

func (r *RedisLocker) Backend() string { return "redis" }

func (r *RedisLocker) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		r.logRedisError("acquire", err)
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *RedisLocker) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		r.logRedisError("renew", err)
		return fmt.Errorf("renew lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisLocker) Release(ctx context.Context, key, holder string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, holder).Err(); err != nil {
		r.logRedisError("release", err)
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

func (r *RedisLocker) logRedisError(op string, err error) {
	r.logger.Error("redis lease error", "op", op, "error", err)
}

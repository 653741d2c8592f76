// Package lock provides a tenant run lock shared by several server
// instances through Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only when it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only when it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config configures the Redis locker.
type Config struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a crashed holder blocks the tenant.
	TTL time.Duration

	// RetryInterval is the polling interval while the lock is held elsewhere.
	RetryInterval time.Duration

	// Prefix namespaces lock keys.
	Prefix string
}

// RedisLocker implements engine.TenantLocker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger zerolog.Logger
}

// NewClient creates a Redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(client redis.UniversalClient, cfg Config, logger zerolog.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "drplane:lock:tenant:"
	}
	return &RedisLocker{
		client: client,
		ttl:    cfg.TTL,
		retry:  cfg.RetryInterval,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "redis_lock").Logger(),
	}
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Lock blocks until the tenant lock is acquired or ctx ends. The lock is
// refreshed until the returned function is called.
func (l *RedisLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	key := l.prefix + tenantID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock error: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tenant lock %s: %w", tenantID, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	l.logger.Debug().Str("tenant_id", tenantID).Msg("Tenant lock acquired")

	refreshCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.refresh(refreshCtx, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			wg.Wait()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to release tenant lock")
				return
			}
			l.logger.Debug().Str("tenant_id", tenantID).Msg("Tenant lock released")
		})
	}, nil
}

func (l *RedisLocker) refresh(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn().Err(err).Str("key", key).Msg("Failed to refresh tenant lock")
				}
				continue
			}
			if n == 0 {
				l.logger.Error().Str("key", key).Msg("Tenant lock lost before release")
				return
			}
		}
	}
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// REDIS - Distributed mutex
// =============================================================================

// Redis obtains a redislock lease per key. The lease expires after ttl,
// so a crashed holder cannot block the key forever.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	log    logrus.FieldLogger
}

var _ ledger.Locker = (*Redis)(nil)

// RedisConfig configures NewRedis.
type RedisConfig struct {
	Prefix string        // key prefix, default "tipledger:lock:"
	TTL    time.Duration // lease length, default 30s
	Wait   time.Duration // how long to retry, default DefaultWait
	Retry  time.Duration // retry interval, default 100ms
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, cfg RedisConfig, log logrus.FieldLogger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "tipledger:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 100 * time.Millisecond
	}
	return &Redis{
		client: redislock.New(rdb),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		wait:   cfg.Wait,
		retry:  cfg.Retry,
		log:    log.WithField("module", "lock"),
	}
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	lease, err := r.client.Obtain(waitCtx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("failed to release lock")
		}
	}, nil
}

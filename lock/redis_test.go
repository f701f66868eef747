package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/ledger"
)

const batchKey = "loc-1|2025-03-03_2025-03-09"

func newRedisLocker(t *testing.T, cfg RedisConfig) (*Redis, *miniredis.Miniredis, *logtest.Hook) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewRedis(rdb, cfg, log), mr, hook
}

func TestRedis_SerializesSameKey(t *testing.T) {
	r, _, _ := newRedisLocker(t, RedisConfig{Wait: 5 * time.Second, Retry: 5 * time.Millisecond})
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := r.Lock(ctx, batchKey)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestRedis_HeldKeyTimesOut(t *testing.T) {
	r, mr, _ := newRedisLocker(t, RedisConfig{Wait: 100 * time.Millisecond, Retry: 10 * time.Millisecond})
	ctx := context.Background()

	// GIVEN: the key is held
	unlock, err := r.Lock(ctx, batchKey)
	require.NoError(t, err)
	assert.True(t, mr.Exists("tipledger:lock:"+batchKey))

	// WHEN: a second caller waits past its budget
	start := time.Now()
	_, err = r.Lock(ctx, batchKey)

	// THEN: ErrLockNotObtained, which callers may retry
	require.ErrorIs(t, err, ledger.ErrLockNotObtained)
	assert.True(t, ledger.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// AND: after release the key is free again
	unlock()
	assert.False(t, mr.Exists("tipledger:lock:"+batchKey))
	again, err := r.Lock(ctx, batchKey)
	require.NoError(t, err)
	again()
}

func TestRedis_DifferentKeysDoNotBlock(t *testing.T) {
	r, _, _ := newRedisLocker(t, RedisConfig{Wait: 50 * time.Millisecond})
	ctx := context.Background()

	a, err := r.Lock(ctx, "loc-1|2025-03-03_2025-03-09")
	require.NoError(t, err)
	defer a()

	b, err := r.Lock(ctx, "loc-2|2025-03-03_2025-03-09")
	require.NoError(t, err)
	b()
}

func TestRedis_ReleaseAfterLeaseExpiredLeavesNewHolder(t *testing.T) {
	r, mr, hook := newRedisLocker(t, RedisConfig{TTL: time.Second, Wait: 100 * time.Millisecond, Retry: 10 * time.Millisecond})
	ctx := context.Background()

	// GIVEN: the first holder's lease expires and a second caller takes the key
	first, err := r.Lock(ctx, batchKey)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	second, err := r.Lock(ctx, batchKey)
	require.NoError(t, err)

	// WHEN: the first holder releases late
	first()

	// THEN: the second lease survives and nothing is logged as a failure
	assert.True(t, mr.Exists("tipledger:lock:"+batchKey))
	assert.Empty(t, hook.AllEntries())

	second()
	assert.False(t, mr.Exists("tipledger:lock:"+batchKey))
}

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/logging"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, logging.Discard()), mr
}

var fastOptions = Options{TTL: 5 * time.Second, RetryCount: 3, RetryDelay: 5 * time.Millisecond}

func TestRedis_ReleasesAfterRun(t *testing.T) {
	locker, mr := setupRedis(t)
	ctx := context.Background()

	err := locker.WithLock(ctx, CardKey("c1"), fastOptions, func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:card:c1"))
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:card:c1"))
}

func TestRedis_ContentionIsConflict(t *testing.T) {
	locker, mr := setupRedis(t)
	require.NoError(t, mr.Set("lock:card:c1", "someone-else"))

	called := false
	err := locker.WithLock(context.Background(), CardKey("c1"), fastOptions, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.False(t, called)

	got, _ := mr.Get("lock:card:c1")
	assert.Equal(t, "someone-else", got)
}

func TestRedis_DoesNotReleaseForeignLease(t *testing.T) {
	locker, mr := setupRedis(t)

	err := locker.WithLock(context.Background(), CardKey("c1"), fastOptions, func(context.Context) error {
		// the lease expired and another process took it
		return mr.Set("lock:card:c1", "successor")
	})
	require.NoError(t, err)

	got, _ := mr.Get("lock:card:c1")
	assert.Equal(t, "successor", got)
}

func TestRedis_ReleasesOnErrorAndPanic(t *testing.T) {
	locker, mr := setupRedis(t)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), CardKey("c1"), fastOptions, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:card:c1"))

	assert.Panics(t, func() {
		_ = locker.WithLock(context.Background(), CardKey("c1"), fastOptions, func(context.Context) error {
			panic("kaboom")
		})
	})
	assert.False(t, mr.Exists("lock:card:c1"))
}

func TestRedis_AcquiresOnceFreed(t *testing.T) {
	locker, mr := setupRedis(t)
	require.NoError(t, mr.Set("lock:card:c1", "someone-else"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		mr.Del("lock:card:c1")
	}()

	opts := Options{TTL: time.Second, RetryCount: 100, RetryDelay: 2 * time.Millisecond}
	got, err := Do(context.Background(), locker, CardKey("c1"), opts, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestLocal_MutualExclusion(t *testing.T) {
	locker := NewLocal()
	opts := Options{TTL: time.Second, RetryCount: 1000, RetryDelay: time.Millisecond}

	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), IssuanceFeeKey("c1"), opts, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&total, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(20), total)
}

func TestLocal_ContentionIsConflict(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	err := locker.WithLock(ctx, DisputeKey("tx1"), fastOptions, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, DisputeKey("tx1"), fastOptions, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, apperr.ErrConflict)
		return locker.WithLock(ctx, DisputeKey("tx2"), fastOptions, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "card:c1", CardKey("c1"))
	assert.Equal(t, "card_funding_exec:u1:c1:ref", FundingExecKey("u1", "c1", "ref"))
	assert.Equal(t, "issuance-fee:card:c1", IssuanceFeeKey("c1"))
	assert.Equal(t, "dispute:transaction:tx1", DisputeKey("tx1"))
	assert.Equal(t, "card_funding_exec", familyOf(FundingExecKey("u1", "c1", "ref")))
}

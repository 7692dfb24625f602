package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisGatewayHoldsAndReleasesLease(t *testing.T) {
	mr, client := newTestRedis(t)
	gw := NewRedisGateway(client, Options{Wait: 20 * time.Millisecond, RetryInterval: 5 * time.Millisecond})

	err := gw.WithLock(context.Background(), StockKey(5), time.Second, func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:stock:5"))
		assert.Greater(t, mr.TTL("lock:stock:5"), time.Duration(0))

		inner := gw.WithLock(ctx, StockKey(5), time.Second, func(ctx context.Context) error { return nil })
		assert.True(t, apperr.IsCode(inner, apperr.CodeLockAcquisitionFailed))
		return nil
	})
	require.NoError(t, err)

	assert.False(t, mr.Exists("lock:stock:5"))
}

func TestRedisReleaseIgnoresForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := &redisLeaser{client: client}
	ctx := context.Background()

	ok, err := l.tryAcquire(ctx, "checkout:1", "owner", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.release(ctx, "checkout:1", "intruder"))
	got, err := mr.Get("lock:checkout:1")
	require.NoError(t, err)
	assert.Equal(t, "owner", got)

	require.NoError(t, l.release(ctx, "checkout:1", "owner"))
	assert.False(t, mr.Exists("lock:checkout:1"))
}

func TestRedisLeaseExpiresAfterTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	l := &redisLeaser{client: client}
	ctx := context.Background()

	ok, err := l.tryAcquire(ctx, "stock:9", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = l.tryAcquire(ctx, "stock:9", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisUnavailableSurfacesAsConflict(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	gw := NewRedisGateway(client, Options{Wait: 20 * time.Millisecond})
	mr.Close()

	ran := false
	err = gw.WithLock(context.Background(), StockKey(1), time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, ran)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.True(t, apperr.IsCode(err, apperr.CodeLockAcquisitionFailed))
}

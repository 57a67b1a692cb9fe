package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/testutil"
)

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := testutil.TestContext(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	l := NewRedisLocker(redislock.New(rdb))
	key := "reconflow:test:" + t.Name()

	release, err := l.Obtain(ctx, key, time.Second)
	require.NoError(t, err)

	_, err = l.Obtain(ctx, key, time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	release, err = l.Obtain(ctx, key, time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

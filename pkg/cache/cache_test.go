package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	var got uint64
	assert.True(t, IsMiss(c.Get(ctx, "nonce", &got)))

	require.NoError(t, c.Set(ctx, "nonce", uint64(42), time.Minute))
	require.NoError(t, c.Get(ctx, "nonce", &got))
	assert.Equal(t, uint64(42), got)

	require.NoError(t, c.Delete(ctx, "nonce"))
	assert.True(t, IsMiss(c.Get(ctx, "nonce", &got)))
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewRedisCache(client, "test:")

	var got uint64
	assert.True(t, IsMiss(c.Get(ctx, "nonce", &got)))

	require.NoError(t, c.Set(ctx, "nonce", uint64(7), time.Minute))
	assert.True(t, mr.Exists("test:nonce"))
	require.NoError(t, c.Get(ctx, "nonce", &got))
	assert.Equal(t, uint64(7), got)

	mr.FastForward(2 * time.Minute)
	assert.True(t, IsMiss(c.Get(ctx, "nonce", &got)))
}

func TestRedisCacheUnavailableIsNotMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewRedisCache(client, "")
	mr.Close()

	var got uint64
	err := c.Get(ctx, "nonce", &got)
	require.Error(t, err)
	assert.False(t, IsMiss(err), "连接失败不应被当作 cache miss")
}

func TestMultiLevelCache(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewRedisCache(client, "")
	m := NewMultiLevelCache(local, remote)

	require.NoError(t, m.Set(ctx, "balance", "150.5", time.Minute))

	// L1 删除后仍能从 L2 读到，并回写 L1
	require.NoError(t, local.Delete(ctx, "balance"))
	var got string
	require.NoError(t, m.Get(ctx, "balance", &got))
	assert.Equal(t, "150.5", got)
	require.NoError(t, local.Get(ctx, "balance", &got))

	require.NoError(t, m.Delete(ctx, "balance"))
	assert.True(t, IsMiss(m.Get(ctx, "balance", &got)))
}

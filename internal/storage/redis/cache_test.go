package redis

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openCacheForIntegrationTest(t *testing.T) *Cache {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("FULFILLMENT_REDIS_TEST_ADDR"))
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cache, err := NewCache(ctx, Options{Addr: addr, Namespace: "test-" + uuid.NewString()})
	if err != nil {
		t.Skipf("redis is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestCache_RedisGetSetDelete(t *testing.T) {
	cache := openCacheForIntegrationTest(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "processed:order-service:evt-1", "1", time.Minute))
	value, ok, err := cache.Get(ctx, "processed:order-service:evt-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", value)

	require.NoError(t, cache.Delete(ctx, "processed:order-service:evt-1", "never-set"))
	_, ok, err = cache.Get(ctx, "processed:order-service:evt-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_RedisIncrAndExpiry(t *testing.T) {
	cache := openCacheForIntegrationTest(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := cache.Incr(ctx, "attempts:evt-2", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	require.NoError(t, cache.Set(ctx, "short", "x", 50*time.Millisecond))
	require.Eventually(t, func() bool {
		_, ok, err := cache.Get(ctx, "short")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCache_NamespaceIsolation(t *testing.T) {
	cache := openCacheForIntegrationTest(t)
	other := &Cache{client: cache.client, namespace: cache.namespace + "-other"}
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "cart:user-1", "items", 0))
	_, ok, err := other.Get(ctx, "cart:user-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.Delete(ctx, "cart:user-1"))
}

package hostcache

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisStore connects to LIVEDB_TEST_REDIS_URL or skips.
func redisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("LIVEDB_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIVEDB_TEST_REDIS_URL not set")
	}

	s, err := NewRedisStore(context.Background(), url)
	if err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.WithPrefix("livedb-test-" + uuid.NewString() + ":")
}

func TestRedisStore_GetSet(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "livedb:host:chat.example.com")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "livedb:host:chat.example.com", "s-2.example.com"))
	v, found, err := s.Get(ctx, "livedb:host:chat.example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "s-2.example.com", v)
}

func TestRedisStore_ResolverRemembers(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	origin, err := ParseDatabaseURL("https://chat.example.com")
	require.NoError(t, err)

	_, err = NewResolver(origin, s).Remember(ctx, "s-3.example.com")
	require.NoError(t, err)

	target := NewResolver(origin, s).Resolve(ctx)
	assert.Equal(t, "s-3.example.com", target.Host)
	assert.True(t, target.WithNamespace)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "http://not-redis")
	assert.ErrorContains(t, err, "redis url")
}

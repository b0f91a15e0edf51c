package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{}, nil)
	assert.Error(t, err)
}

func TestRedisStore_SetGetRemove(t *testing.T) {
	addr := os.Getenv("BIZMSG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BIZMSG_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(RedisOptions{Addr: addr, KeyPrefix: "bizmsg-test:"}, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Set(ctx, "queue", "snapshot"))

	value, found, err := store.Get(ctx, "queue")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "snapshot", value)

	require.NoError(t, store.Remove(ctx, "queue"))
	_, found, err = store.Get(ctx, "queue")
	require.NoError(t, err)
	assert.False(t, found)
}

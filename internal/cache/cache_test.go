package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-bridge/internal/types"
)

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(100, time.Hour)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), -time.Second))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryCacheCleanupEnforcesMaxSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Hour)
	defer c.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprint(i), []byte{byte(i)}, time.Duration(i+1)*time.Minute))
	}
	require.NoError(t, c.Set(ctx, "expired", []byte{0}, -time.Minute))

	c.cleanup()
	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "4")
	assert.True(t, ok, "longest-lived entry survives")
}

func TestContactSnapshotsKeepNewest(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryCache(10, time.Hour)
	defer mem.Close()
	snaps := NewContactSnapshots(mem, time.Hour)

	_, ok := snaps.Get(ctx, "owner")
	assert.False(t, ok)

	newer := types.Event{ID: "n", PubKey: "owner", CreatedAt: 200, Kind: 3, Tags: [][]string{{"p", "x"}}}
	older := types.Event{ID: "o", PubKey: "owner", CreatedAt: 100, Kind: 3, Tags: [][]string{}}

	snaps.Put(ctx, newer)
	snaps.Put(ctx, older)

	got, ok := snaps.Get(ctx, "owner")
	require.True(t, ok)
	assert.Equal(t, newer, got)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(url, fmt.Sprintf("bridge-test-%d:", time.Now().UnixNano()))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

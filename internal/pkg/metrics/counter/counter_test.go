package counter

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
)

const isolatedCounterTestRedisDB = 14

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:     env.GetEnv("CACHE_HOST", "localhost") + ":" + env.GetEnv("CACHE_PORT", "6379"),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedCounterTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	require.NoError(t, rdb.Del(context.Background(), unmappedKey).Err())
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), unmappedKey).Err()
		Disable()
		_ = rdb.Close()
	})
	return rdb
}

func TestDisabledTallyIsNoop(t *testing.T) {
	Disable()
	assert.NoError(t, AddUnmapped("xyz"))
	_, err := TopUnmapped(context.Background(), 10)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestTopUnmappedOrdersByCount(t *testing.T) {
	Enable(testRedis(t))

	for _, id := range []string{"b", "a", "b", "c", "b", "a", " "} {
		require.NoError(t, AddUnmapped(id))
	}

	top, err := TopUnmapped(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []Tally{{RawID: "b", Count: 3}, {RawID: "a", Count: 2}}, top)

	require.NoError(t, ClearUnmapped(context.Background(), "b"))
	top, err = TopUnmapped(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []Tally{{RawID: "a", Count: 2}, {RawID: "c", Count: 1}}, top)
}

func TestSweepUnmappedClearsResolvedIDs(t *testing.T) {
	Enable(testRedis(t))
	ctx := context.Background()
	for _, id := range []string{"legacy-prompts", "legacy-prompts", "mystery"} {
		require.NoError(t, AddUnmapped(id))
	}

	cleared, err := SweepUnmapped(ctx, func(rawID string) bool { return rawID == "legacy-prompts" })
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-prompts"}, cleared)

	left, err := TopUnmapped(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []Tally{{RawID: "mystery", Count: 1}}, left)

	cleared, err = SweepUnmapped(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, cleared)
}

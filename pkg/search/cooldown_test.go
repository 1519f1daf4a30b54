package search

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationKey(t *testing.T) {
	assert.Equal(t, EscalationKey("Attention  Mechanism", "user:u1"), EscalationKey(" attention mechanism ", "user:u1"))
	assert.NotEqual(t, EscalationKey("attention", "user:u1"), EscalationKey("attention", "global"))
}

func TestMemoryCooldown(t *testing.T) {
	c := NewMemoryCooldown()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "k", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(9 * time.Minute)
	ok, _ = c.Acquire(ctx, "k", 10*time.Minute)
	assert.False(t, ok)

	ok, _ = c.Acquire(ctx, "other", 10*time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = c.Acquire(ctx, "k", 10*time.Minute)
	assert.True(t, ok)

	require.NoError(t, c.Release(ctx, "k"))
	ok, _ = c.Acquire(ctx, "k", 10*time.Minute)
	assert.True(t, ok)
}

func TestRedisCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCooldown(client, "test:")
	ctx := context.Background()
	key := EscalationKey("attention mechanism", "user:u1")

	ok, err := c.Acquire(ctx, key, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Acquire(ctx, key, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	stored := mr.Keys()
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0], "test:")
	assert.Equal(t, 10*time.Minute, mr.TTL(stored[0]))

	mr.FastForward(10*time.Minute + time.Second)
	ok, err = c.Acquire(ctx, key, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Release(ctx, key))
	ok, err = c.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.Close()
	_, err = c.Acquire(ctx, "other", time.Minute)
	assert.Error(t, err)
}

func TestRedisCooldownSharedAcrossOrchestrators(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMockStore()
	first, enq1 := newTestOrchestrator(store, WithCooldown(NewRedisCooldown(client, "")))
	second, enq2 := newTestOrchestrator(store, WithCooldown(NewRedisCooldown(client, "")))

	resp, err := first.Search(context.Background(), Request{Query: "graph neural networks", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, resp.TriggeredExternal)

	resp, err = second.Search(context.Background(), Request{Query: "Graph Neural Networks", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, resp.TriggeredExternal)

	assert.Equal(t, 1, enq1.count()+enq2.count())
}

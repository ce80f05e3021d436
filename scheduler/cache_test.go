package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/effective-security/toolflow/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CacheKeyDeterministic(t *testing.T) {
	t.Parallel()

	first := tools.NewArguments()
	first.Set("path", "/tmp/x")
	first.Set("recursive", true)

	// Same values, reversed insertion order.
	second := tools.NewArguments()
	second.Set("recursive", true)
	second.Set("path", "/tmp/x")

	keyA := CacheKey(tools.NewCall("list_files", first))
	keyB := CacheKey(tools.NewCall("list_files", second))
	assert.Equal(t, keyA, keyB)
	assert.Contains(t, keyA, "list_files@")

	// Different values or names produce different keys.
	third := tools.NewArguments()
	third.Set("path", "/tmp/y")
	third.Set("recursive", true)
	assert.NotEqual(t, keyA, CacheKey(tools.NewCall("list_files", third)))
	assert.NotEqual(t, keyA, CacheKey(tools.NewCall("read_file", first)))
}

func successResult(id, text string) *tools.ToolResult {
	return &tools.ToolResult{
		ID:          id,
		Success:     true,
		Content:     []tools.Content{tools.NewTextContent(text)},
		CompletedAt: time.Now(),
	}
}

func newTestCache(ttl time.Duration, capacity int) (*memoryCache, *time.Time) {
	now := time.Now()
	c := NewMemoryCache(ttl, capacity).(*memoryCache)
	c.nowFn = func() time.Time { return now }
	return c, &now
}

func Test_MemoryCacheTTL(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(time.Minute, 10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", successResult("a", "one"))
	res, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "one", res.Content[0].Text)

	// Advancing past the TTL expires the entry on access.
	*now = now.Add(time.Minute + time.Second)
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats(ctx).Size)
}

func Test_MemoryCacheEviction(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Hour, 2)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", successResult("a", "one"))
	c.Set(ctx, "k2", successResult("b", "two"))
	c.Set(ctx, "k3", successResult("c", "three"))

	// Oldest insertion goes first.
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "k2")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "k3")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats(ctx).Size)
}

func Test_MemoryCacheNeverStoresFailures(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", &tools.ToolResult{ID: "a", Success: false, Error: "boom"})
	c.Set(ctx, "k2", nil)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	stats := c.Stats(ctx)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, uint64(0), stats.Accesses)
}

func Test_MemoryCacheHitRate(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()
	ctx := context.Background()

	assert.Equal(t, 0.0, c.Stats(ctx).HitRate())

	// First access stores, second hits: rate is 1 of 2.
	c.Set(ctx, "k1", successResult("a", "one"))
	_, ok := c.Get(ctx, "k1")
	require.True(t, ok)

	stats := c.Stats(ctx)
	assert.Equal(t, uint64(2), stats.Accesses)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 0.5, stats.HitRate())
}

func Test_MemoryCacheReturnsCopy(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", successResult("a", "one"))
	res, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	res.ID = "mutated"

	again, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "a", again.ID)

	// Close is idempotent.
	c.Close()
	c.Close()
}

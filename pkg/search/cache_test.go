package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

func TestCache_PutGet(t *testing.T) {
	env := newTestEnv(t)
	cache := env.cache
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "alice", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	results := []RankedResult{{ChunkID: uuid.New(), Text: "cached", Score: 0.8, Highlights: []string{"cached"}}}
	require.NoError(t, cache.Put(ctx, "alice", "h1", "query", 0.5, results))

	got, ok, err := cache.Get(ctx, "alice", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, results[0].ChunkID, got[0].ChunkID)
	assert.Equal(t, "cached", got[0].Text)

	_, ok, err = cache.Get(ctx, "bob", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Overwrite keeps one row and the accumulated hit count.
	require.NoError(t, cache.Put(ctx, "alice", "h1", "query", 0.5, nil))
	got, ok, err = cache.Get(ctx, "alice", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got)

	hits, err := cache.HitCount(ctx, "alice", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits)

	var rows int64
	require.NoError(t, env.db.Model(&models.SearchCacheEntry{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestCache_ConcurrentHitsAreCounted(t *testing.T) {
	env := newTestEnv(t)
	cache := env.cache
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "alice", "h", "q", 0.5, []RankedResult{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = cache.Get(ctx, "alice", "h")
		}()
	}
	wg.Wait()

	hits, err := cache.HitCount(ctx, "alice", "h")
	require.NoError(t, err)
	assert.Equal(t, int64(20), hits)
}

func TestCache_Expiry(t *testing.T) {
	env := newTestEnv(t)
	cache := env.cache
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	require.NoError(t, cache.Put(ctx, "alice", "old", "q", 0.5, []RankedResult{}))

	cache.now = func() time.Time { return base.Add(30 * time.Minute) }
	require.NoError(t, cache.Put(ctx, "alice", "new", "q", 0.5, []RankedResult{}))

	cache.now = func() time.Time { return base.Add(61 * time.Minute) }
	_, ok, err := cache.Get(ctx, "alice", "old")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := cache.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok, err = cache.Get(ctx, "alice", "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_InvalidateOwner(t *testing.T) {
	env := newTestEnv(t)
	cache := env.cache
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "alice", "a", "q", 0.5, nil))
	require.NoError(t, cache.Put(ctx, "alice", "b", "q", 0.5, nil))
	require.NoError(t, cache.Put(ctx, "bob", "a", "q", 0.5, nil))

	n, err := cache.InvalidateOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := cache.Get(ctx, "bob", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_PutValidates(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.cache.Put(context.Background(), "", "h", "q", 0.5, nil))
	assert.Error(t, env.cache.Put(context.Background(), "alice", "", "q", 0.5, nil))
}

func TestFingerprint(t *testing.T) {
	q := Query{Mode: ModeSemantic, Threshold: 0.5, Limit: 10}

	a := Fingerprint(q, "Vector Search")
	assert.Equal(t, a, Fingerprint(q, "vector search"))
	assert.Len(t, a, 64)

	q2 := q
	q2.Limit = 20
	assert.NotEqual(t, a, Fingerprint(q2, "vector search"))

	q3 := q
	q3.Filters.DocumentIDs = []uuid.UUID{uuid.New()}
	assert.NotEqual(t, a, Fingerprint(q3, "vector search"))

	q4 := q
	q4.Mode = ModeHybrid
	q4.Weights = DefaultWeights()
	assert.NotEqual(t, a, Fingerprint(q4, "vector search"))
}

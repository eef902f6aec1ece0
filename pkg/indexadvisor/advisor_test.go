package indexadvisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

type fakeStore struct {
	mu       sync.Mutex
	count    int64
	info     *vectorstore.IndexInfo
	rebuilds []int
	reindex  int
	analyzed int
	failWith error
	active   int
	maxSeen  int
}

func (f *fakeStore) Dimensions() int { return 8 }

func (f *fakeStore) VectorCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeStore) IndexInfo(ctx context.Context) (*vectorstore.IndexInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return &vectorstore.IndexInfo{Name: vectorstore.DefaultIndexName}, nil
	}
	info := *f.info
	return &info, nil
}

func (f *fakeStore) RebuildIndex(ctx context.Context, lists int) error {
	f.mu.Lock()
	f.active++
	f.maxSeen = max(f.maxSeen, f.active)
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.failWith != nil {
		return f.failWith
	}
	f.rebuilds = append(f.rebuilds, lists)
	f.info = &vectorstore.IndexInfo{Name: vectorstore.DefaultIndexName, Exists: true, Lists: lists, SizeBytes: 1024}
	return nil
}

func (f *fakeStore) Reindex(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindex++
	return nil
}

func (f *fakeStore) Analyze(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed++
	return nil
}

func newAdvisor(t *testing.T, store IndexStore) *Advisor {
	t.Helper()
	a, err := New(Config{Store: store})
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Store: &fakeStore{}, MediumThreshold: 10, HighThreshold: 5})
	assert.Error(t, err)

	a := newAdvisor(t, &fakeStore{})
	assert.Equal(t, int64(1_000_000), a.cfg.HighVolumeThreshold)
	assert.Equal(t, 10, a.Probes())
}

func TestRecommend(t *testing.T) {
	a := newAdvisor(t, &fakeStore{})

	tests := []struct {
		count int64
		want  IndexParams
	}{
		{0, IndexParams{Lists: 100, Probes: 10, Tier: TierDefault}},
		{100_000, IndexParams{Lists: 100, Probes: 10, Tier: TierDefault}},
		{100_001, IndexParams{Lists: 500, Probes: 20, Tier: TierMedium}},
		{1_000_000, IndexParams{Lists: 500, Probes: 20, Tier: TierMedium}},
		{1_000_001, IndexParams{Lists: 1000, Probes: 40, Tier: TierHigh}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Recommend(tt.count), "count %d", tt.count)
	}
}

func TestStats_Health(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		info  *vectorstore.IndexInfo
		avg   time.Duration
		count int64
		want  models.IndexHealth
	}{
		{"missing index", nil, 0, 10, models.IndexHealthUnhealthy},
		{"matching lists", &vectorstore.IndexInfo{Exists: true, Lists: 100}, 0, 10, models.IndexHealthHealthy},
		{"within factor of two", &vectorstore.IndexInfo{Exists: true, Lists: 200}, 0, 10, models.IndexHealthHealthy},
		{"too few lists", &vectorstore.IndexInfo{Exists: true, Lists: 100}, 0, 2_000_000, models.IndexHealthDegraded},
		{"slow queries", &vectorstore.IndexInfo{Exists: true, Lists: 100}, time.Second, 10, models.IndexHealthDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{count: tt.count, info: tt.info}
			a := newAdvisor(t, store)
			if tt.avg > 0 {
				a.ObserveQuery(tt.avg)
			}

			stats, err := a.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stats.Health)
			assert.Equal(t, tt.count, stats.VectorCount)
			assert.Equal(t, 8, stats.Dimensions)
			assert.Equal(t, "ivfflat", stats.Type)
		})
	}
}

func TestObserveQuery_Average(t *testing.T) {
	a := newAdvisor(t, &fakeStore{})
	a.ObserveQuery(100 * time.Millisecond)
	a.ObserveQuery(300 * time.Millisecond)

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, stats.AvgQueryTime)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{count: 150_000}
	a := newAdvisor(t, store)

	// Missing index is rebuilt without force.
	result, err := a.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Rebuilt)
	assert.Equal(t, "index is unhealthy", result.Reason)
	assert.Equal(t, TierMedium, result.Params.Tier)
	assert.Equal(t, []int{500}, store.rebuilds)
	assert.Equal(t, 1, store.analyzed)
	assert.Equal(t, 20, a.Probes())

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.IndexHealthHealthy, stats.Health)
	assert.NotNil(t, stats.LastOptimized)

	// Healthy index is kept unless forced.
	result, err = a.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Rebuilt)
	assert.Len(t, store.rebuilds, 1)

	result, err = a.Rebuild(ctx, true)
	require.NoError(t, err)
	assert.True(t, result.Rebuilt)
	assert.Equal(t, "forced", result.Reason)
	assert.Len(t, store.rebuilds, 2)
}

func TestRebuild_Error(t *testing.T) {
	store := &fakeStore{failWith: errors.New("lock timeout")}
	a := newAdvisor(t, store)

	_, err := a.Rebuild(context.Background(), true)
	assert.ErrorContains(t, err, "lock timeout")
	assert.Nil(t, a.lastOptimized)
}

func TestRebuild_Serialized(t *testing.T) {
	store := &fakeStore{}
	a := newAdvisor(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Rebuild(context.Background(), true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.rebuilds, 5)
	assert.Equal(t, 1, store.maxSeen)
}

func TestAutoOptimize(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy index is left alone", func(t *testing.T) {
		store := &fakeStore{count: 10, info: &vectorstore.IndexInfo{Exists: true, Lists: 100}}
		a := newAdvisor(t, store)

		result, err := a.AutoOptimize(ctx)
		require.NoError(t, err)
		assert.False(t, result.Rebuilt)
		assert.Empty(t, store.rebuilds)
	})

	t.Run("unhealthy index is rebuilt", func(t *testing.T) {
		store := &fakeStore{count: 10}
		a := newAdvisor(t, store)

		result, err := a.AutoOptimize(ctx)
		require.NoError(t, err)
		assert.True(t, result.Rebuilt)
		assert.Equal(t, []int{100}, store.rebuilds)
	})

	t.Run("high volume is rebuilt even when healthy", func(t *testing.T) {
		store := &fakeStore{count: 2_000_000, info: &vectorstore.IndexInfo{Exists: true, Lists: 1000}}
		a := newAdvisor(t, store)

		result, err := a.AutoOptimize(ctx)
		require.NoError(t, err)
		assert.True(t, result.Rebuilt)
		assert.Equal(t, TierHigh, result.Params.Tier)
		assert.Equal(t, []int{1000}, store.rebuilds)
		assert.Equal(t, 40, a.Probes())
	})
}

func TestReindexAndAnalyze(t *testing.T) {
	store := &fakeStore{}
	a := newAdvisor(t, store)

	require.NoError(t, a.Reindex(context.Background()))
	require.NoError(t, a.Analyze(context.Background()))
	assert.Equal(t, 1, store.reindex)
	assert.Equal(t, 2, store.analyzed)
	assert.NotNil(t, a.lastOptimized)
}

// Against sqlite there is no index to manage.
func TestAdvisor_SQLiteStore(t *testing.T) {
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	store, err := vectorstore.New(vectorstore.Config{DB: db, Dimensions: 8})
	require.NoError(t, err)

	a := newAdvisor(t, store)
	ctx := context.Background()

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exact-scan", stats.Type)
	assert.Equal(t, models.IndexHealthHealthy, stats.Health)

	result, err := a.AutoOptimize(ctx)
	require.NoError(t, err)
	assert.False(t, result.Rebuilt)

	_, err = a.Rebuild(ctx, true)
	assert.ErrorIs(t, err, vectorstore.ErrUnsupported)

	require.NoError(t, a.Analyze(ctx))
}

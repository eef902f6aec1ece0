package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/llm/mock"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

const testDims = 8

// countingEmbedder counts calls and can be made to fail.
type countingEmbedder struct {
	inner QueryEmbedder
	calls atomic.Int32
	err   error
}

func (c *countingEmbedder) Generate(ctx context.Context, text string, opts embeddings.GenerateOptions) (*embeddings.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Generate(ctx, text, opts)
}

// stubKeyword returns fixed matches or an error.
type stubKeyword struct {
	matches []KeywordMatch
	err     error
	calls   atomic.Int32
}

func (s *stubKeyword) Search(ctx context.Context, q KeywordQuery) ([]KeywordMatch, error) {
	s.calls.Add(1)
	return s.matches, s.err
}

type testEnv struct {
	db       *gorm.DB
	store    *vectorstore.Store
	gen      *embeddings.Generator
	embedder *countingEmbedder
	cache    *Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store, err := vectorstore.New(vectorstore.Config{DB: db, Dimensions: testDims})
	require.NoError(t, err)

	gen, err := embeddings.NewGenerator(embeddings.Config{
		Provider: mock.NewProvider().WithDimensions(testDims),
	})
	require.NoError(t, err)

	cache, err := NewCache(CacheConfig{DB: db})
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		store:    store,
		gen:      gen,
		embedder: &countingEmbedder{inner: gen},
		cache:    cache,
	}
}

func (env *testEnv) engine(t *testing.T, keyword KeywordSearcher, withCache bool) *Engine {
	t.Helper()
	cfg := Config{Store: env.store, Embedder: env.embedder, Keyword: keyword}
	if withCache {
		cfg.Cache = env.cache
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

// seed stores a document whose chunks are embedded with the test generator.
func (env *testEnv) seed(t *testing.T, owner, title string, created time.Time, texts ...string) (*models.Document, []models.Chunk) {
	t.Helper()
	ctx := context.Background()

	doc := &models.Document{OwnerID: owner, Title: title, CreatedAt: created}
	require.NoError(t, env.store.CreateDocument(ctx, doc))

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{DocumentID: doc.ID, Index: i, Text: text, CharEnd: len(text)}
	}
	require.NoError(t, env.store.SaveChunks(ctx, chunks))

	for _, c := range chunks {
		res, err := env.gen.Generate(ctx, c.Text, embeddings.GenerateOptions{})
		require.NoError(t, err)
		require.NoError(t, env.store.CompleteEmbedding(ctx, c, res.Vector, res.ModelVersion))
	}
	return doc, chunks
}

var (
	older = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
)

func TestNewEngine_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewEngine(Config{Embedder: env.embedder})
	assert.Error(t, err)

	_, err = NewEngine(Config{Store: env.store})
	assert.Error(t, err)

	e := env.engine(t, nil, false)
	assert.Equal(t, 0.5, e.cfg.DefaultThreshold)
	assert.Equal(t, 10, e.cfg.DefaultLimit)
	assert.Nil(t, e.Cache())
}

func TestEngine_SemanticSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, chunks := env.seed(t, "alice", "Indexes", older,
		"Vector indexes speed up search. They trade recall for latency.",
		"The cafeteria menu changes weekly.")
	env.seed(t, "bob", "Bob's copy", newer,
		"Vector indexes speed up search. They trade recall for latency.")

	e := env.engine(t, nil, false)
	results, err := e.Search(ctx, Query{
		Text:      "Vector indexes speed up search. They trade recall for latency.",
		OwnerID:   "alice",
		Threshold: 0.99,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, chunks[0].ID, r.ChunkID)
	assert.InDelta(t, 1.0, r.Similarity, 1e-5)
	assert.Equal(t, r.Similarity, r.Score)
	assert.Equal(t, "Indexes", r.DocumentTitle)
	assert.Equal(t, []string{
		"Vector indexes speed up search.",
		"They trade recall for latency.",
	}, r.Highlights)
}

func TestEngine_SearchRejectsInvalidQueries(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, false)
	ctx := context.Background()

	_, err := e.Search(ctx, Query{Text: "   ", OwnerID: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	var verr *embeddings.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = e.Search(ctx, Query{Text: "hello", OwnerID: ""})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Search(ctx, Query{Text: "hello", OwnerID: "alice", Mode: "fuzzy"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Search(ctx, Query{Text: "hello", OwnerID: "alice", Threshold: 1.5})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	assert.Zero(t, env.embedder.calls.Load())
}

func TestEngine_HybridRejectsWeightsBeforeQuerying(t *testing.T) {
	env := newTestEnv(t)
	keyword := &stubKeyword{}
	e := env.engine(t, keyword, true)

	_, err := e.Search(context.Background(), Query{
		Text:    "vector search",
		OwnerID: "alice",
		Mode:    ModeHybrid,
		Weights: Weights{Semantic: 0.7, Keyword: 0.2},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWeights)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Search", serr.Op)

	assert.Zero(t, env.embedder.calls.Load())
	assert.Zero(t, keyword.calls.Load())
}

func TestEngine_HybridMergesBothLists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc1, c1 := env.seed(t, "alice", "first", older, "Vector indexes speed up search.")
	doc2, c2 := env.seed(t, "alice", "second", newer, "Search speed matters for vector indexes.")

	e := env.engine(t, NewStoreKeywordSearcher(env.store), false)

	// The semantic side matches only the identical chunk; the keyword side
	// matches both chunks.
	results, err := e.Search(ctx, Query{
		Text:      "Vector indexes speed up search.",
		OwnerID:   "alice",
		Threshold: 0.99,
		Mode:      ModeHybrid,
		Weights:   Weights{Semantic: 0.7, Keyword: 0.3},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c1[0].ID, results[0].ChunkID)
	assert.True(t, results[0].MatchedInBoth)
	assert.InDelta(t, 0.7*results[0].Similarity+0.3*KeywordPlaceholderScore, results[0].Score, 1e-9)

	results, err = e.Search(ctx, Query{
		Text:      "vector indexes",
		OwnerID:   "alice",
		Threshold: 0.99,
		Mode:      ModeHybrid,
		Weights:   Weights{Semantic: 0.7, Keyword: 0.3},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Equal keyword-only scores fall back to the newer document first.
	assert.Equal(t, doc2.ID, results[0].DocumentID)
	assert.Equal(t, c2[0].ID, results[0].ChunkID)
	assert.Equal(t, doc1.ID, results[1].DocumentID)
	for _, r := range results {
		assert.False(t, r.MatchedInBoth)
		assert.InDelta(t, 0.3*KeywordPlaceholderScore, r.Score, 1e-9)
	}
}

func TestEngine_HybridPartialFailure(t *testing.T) {
	ctx := context.Background()
	query := Query{
		Text:      "Vector indexes speed up search.",
		OwnerID:   "alice",
		Threshold: 0.99,
		Mode:      ModeHybrid,
	}

	t.Run("keyword fails", func(t *testing.T) {
		env := newTestEnv(t)
		_, chunks := env.seed(t, "alice", "doc", older, "Vector indexes speed up search.")
		e := env.engine(t, &stubKeyword{err: errors.New("index offline")}, false)

		results, err := e.Search(ctx, query)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, chunks[0].ID, results[0].ChunkID)
		assert.Equal(t, results[0].Similarity, results[0].Score)
	})

	t.Run("no keyword searcher", func(t *testing.T) {
		env := newTestEnv(t)
		_, chunks := env.seed(t, "alice", "doc", older, "Vector indexes speed up search.")
		e := env.engine(t, nil, false)

		q := query
		q.Weights = Weights{Semantic: 0.7, Keyword: 0.3}
		results, err := e.Search(ctx, q)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, chunks[0].ID, results[0].ChunkID)
		assert.Equal(t, results[0].Similarity, results[0].Score)
		assert.False(t, results[0].MatchedInBoth)
	})

	t.Run("semantic fails", func(t *testing.T) {
		env := newTestEnv(t)
		env.embedder.err = errors.New("provider down")
		match := KeywordMatch{ChunkID: uuid.New(), DocumentID: uuid.New(), Text: "Vector indexes"}
		e := env.engine(t, &stubKeyword{matches: []KeywordMatch{match}}, false)

		results, err := e.Search(ctx, query)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, match.ChunkID, results[0].ChunkID)
		assert.Equal(t, KeywordPlaceholderScore, results[0].Score)
	})

	t.Run("both fail", func(t *testing.T) {
		env := newTestEnv(t)
		env.embedder.err = errors.New("provider down")
		e := env.engine(t, &stubKeyword{err: errors.New("index offline")}, false)

		_, err := e.Search(ctx, query)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("semantic fails without keyword searcher", func(t *testing.T) {
		env := newTestEnv(t)
		env.embedder.err = errors.New("provider down")
		e := env.engine(t, nil, false)

		_, err := e.Search(ctx, query)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestEngine_KeywordMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine(t, nil, false).Search(ctx, Query{Text: "x", OwnerID: "alice", Mode: ModeKeyword})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	keyword := &stubKeyword{matches: []KeywordMatch{
		{ChunkID: uuid.New(), DocumentID: uuid.New(), Type: models.ChunkTypeCode, Text: "func main() {}"},
		{ChunkID: uuid.New(), DocumentID: uuid.New(), Type: models.ChunkTypeParagraph, Text: "main ideas"},
	}}
	e := env.engine(t, keyword, false)

	results, err := e.Search(ctx, Query{
		Text:    "main",
		OwnerID: "alice",
		Mode:    ModeKeyword,
		Filters: Filters{ChunkTypes: []models.ChunkType{models.ChunkTypeParagraph}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "main ideas", results[0].Text)
	assert.Equal(t, []string{"main ideas"}, results[0].Highlights)
	assert.Zero(t, env.embedder.calls.Load())
}

func TestEngine_SearchUsesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, chunks := env.seed(t, "alice", "doc", older, "Vector indexes speed up search.")
	e := env.engine(t, nil, true)

	q := Query{Text: "Vector indexes speed up search.", OwnerID: "alice", Threshold: 0.99}

	first, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int32(1), env.embedder.calls.Load())

	second, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, chunks[0].ID, second[0].ChunkID)
	assert.InDelta(t, first[0].Similarity, second[0].Similarity, 1e-9)
	assert.Equal(t, first[0].Highlights, second[0].Highlights)
	assert.Equal(t, int32(1), env.embedder.calls.Load())

	normalized, _, err := e.normalize(q)
	require.NoError(t, err)
	hits, err := env.cache.HitCount(ctx, "alice", Fingerprint(normalized, "Vector indexes speed up search."))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits)

	// Another owner never sees alice's cached results.
	other, err := e.Search(ctx, Query{Text: q.Text, OwnerID: "bob", Threshold: 0.99})
	require.NoError(t, err)
	assert.Empty(t, other)

	// SkipCache goes to the store again.
	_, err = e.Search(ctx, Query{Text: q.Text, OwnerID: "alice", Threshold: 0.99, SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), env.embedder.calls.Load())
}

func TestEngine_FindSimilarChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	text := "Vector indexes speed up search."
	_, first := env.seed(t, "alice", "a", older, text)
	_, second := env.seed(t, "alice", "b", newer, text)
	_, bobs := env.seed(t, "bob", "c", newer, text)

	e := env.engine(t, nil, false)

	results, err := e.FindSimilarChunks(ctx, "alice", first[0].ID, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, second[0].ID, results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-5)

	_, err = e.FindSimilarChunks(ctx, "alice", bobs[0].ID, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.FindSimilarChunks(ctx, "alice", uuid.New(), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

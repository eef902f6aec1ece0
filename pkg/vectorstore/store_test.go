package vectorstore

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	return db
}

func newTestStore(t *testing.T) *Store {
	s, err := New(Config{DB: setupTestDB(t), Dimensions: 3})
	require.NoError(t, err)
	return s
}

// seedDocument creates a document with one chunk per text.
func seedDocument(t *testing.T, s *Store, owner, title string, texts ...string) (*models.Document, []models.Chunk) {
	t.Helper()
	ctx := context.Background()

	doc := &models.Document{OwnerID: owner, Title: title}
	require.NoError(t, s.CreateDocument(ctx, doc))

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			DocumentID: doc.ID,
			Index:      i,
			Text:       text,
			CharStart:  i * 100,
			CharEnd:    i*100 + len(text),
			Type:       models.ChunkTypeParagraph,
		}
	}
	require.NoError(t, s.SaveChunks(ctx, chunks))
	return doc, chunks
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Dimensions: 3})
	assert.Error(t, err)

	_, err = New(Config{DB: setupTestDB(t)})
	assert.Error(t, err)

	s, err := New(Config{DB: setupTestDB(t), Dimensions: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Dimensions())
	assert.Equal(t, DefaultIndexName, s.indexName)
	assert.False(t, s.postgres)
}

func TestStore_DocumentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, chunks := seedDocument(t, s, "alice", "Design", "first", "second")
	require.NoError(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, 0, 0}, "m1"))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Design", got.Title)
	assert.Equal(t, models.ProcessingStatusPending, got.ProcessingStatus)

	loaded, err := s.ChunksForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "first", loaded[0].Text)
	assert.Equal(t, 1, loaded[1].Index)

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))

	_, err = s.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	var remaining int64
	require.NoError(t, s.DB().Model(&models.Embedding{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
	require.NoError(t, s.DB().Model(&models.Chunk{}).Count(&remaining).Error)
	assert.Zero(t, remaining)

	err = s.DeleteDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ChunksByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunks := seedDocument(t, s, "alice", "doc", "a", "b", "c")

	got, err := s.ChunksByIDs(ctx, []uuid.UUID{chunks[2].ID, chunks[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)

	none, err := s.ChunksByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetChunk(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_EmbeddingUpsertKeepsOnePerChunk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunks := seedDocument(t, s, "alice", "doc", "text")

	require.NoError(t, s.SetEmbeddingStatus(ctx, chunks, models.EmbeddingStatusProcessing))
	require.NoError(t, s.FailEmbedding(ctx, chunks[0], errors.New("boom")))
	require.NoError(t, s.FailEmbedding(ctx, chunks[0], errors.New("boom again")))

	e, err := s.EmbeddingForChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingStatusFailed, e.Status)
	assert.Equal(t, "boom again", e.Error)
	assert.Equal(t, 2, e.RetryCount)

	require.NoError(t, s.CompleteEmbedding(ctx, chunks[0], []float32{0, 1, 0}, "m1"))

	e, err = s.EmbeddingForChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingStatusCompleted, e.Status)
	assert.Empty(t, e.Error)
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, []float32{0, 1, 0}, e.Vector.Slice())
	assert.Equal(t, "m1", e.ModelVersion)

	var count int64
	require.NoError(t, s.DB().Model(&models.Embedding{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_CompleteEmbeddingRejectsBadVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, chunks := seedDocument(t, s, "alice", "doc", "text")

	assert.Error(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, 0}, "m1"))
	assert.Error(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, float32(math.NaN()), 0}, "m1"))
	assert.Error(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, float32(math.Inf(1)), 0}, "m1"))

	_, err := s.EmbeddingForChunk(ctx, chunks[0].ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ResetAndCompletedChunkIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, chunks := seedDocument(t, s, "alice", "doc", "a", "b")
	require.NoError(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, 0, 0}, "m1"))
	require.NoError(t, s.FailEmbedding(ctx, chunks[1], errors.New("x")))

	done, err := s.CompletedChunkIDs(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{chunks[0].ID: true}, done)

	n, err := s.ResetEmbeddings(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	done, err = s.CompletedChunkIDs(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, done)

	e, err := s.EmbeddingForChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Nil(t, e.Vector)
	assert.Equal(t, models.EmbeddingStatusPending, e.Status)
	assert.Zero(t, e.RetryCount)

	n, err = s.DeleteEmbeddingsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_SaveEmbeddingsBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, chunks := seedDocument(t, s, "alice", "doc", "a", "b")

	rows := []models.Embedding{
		{ChunkID: chunks[0].ID, DocumentID: chunks[0].DocumentID, Status: models.EmbeddingStatusPending},
		{ChunkID: chunks[1].ID, DocumentID: chunks[1].DocumentID, Status: models.EmbeddingStatusPending},
	}
	require.NoError(t, s.SaveEmbeddingsBatch(ctx, rows))
	require.NoError(t, s.SaveEmbeddingsBatch(ctx, nil))

	var count int64
	require.NoError(t, s.DB().Model(&models.Embedding{}).Where("status = ?", models.EmbeddingStatusPending).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestStore_NearestScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, aliceChunks := seedDocument(t, s, "alice", "alpha", "x axis", "y axis", "diagonal")
	_, bobChunks := seedDocument(t, s, "bob", "beta", "x axis too")

	require.NoError(t, s.CompleteEmbedding(ctx, aliceChunks[0], []float32{1, 0, 0}, "m"))
	require.NoError(t, s.CompleteEmbedding(ctx, aliceChunks[1], []float32{0, 1, 0}, "m"))
	require.NoError(t, s.CompleteEmbedding(ctx, aliceChunks[2], []float32{1, 1, 0}, "m"))
	require.NoError(t, s.CompleteEmbedding(ctx, bobChunks[0], []float32{1, 0, 0}, "m"))

	rows, err := s.Nearest(ctx, NearestQuery{
		Vector:    []float32{1, 0, 0},
		OwnerID:   "alice",
		Threshold: 0.5,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, aliceChunks[0].ID, rows[0].ChunkID)
	assert.InDelta(t, 1.0, rows[0].Similarity, 1e-6)
	assert.Equal(t, aliceChunks[2].ID, rows[1].ChunkID)
	assert.InDelta(t, 1/math.Sqrt2, rows[1].Similarity, 1e-6)
	assert.Equal(t, "alpha", rows[0].DocumentTitle)

	rows, err = s.Nearest(ctx, NearestQuery{
		Vector:     []float32{1, 0, 0},
		OwnerID:    "alice",
		Threshold:  0,
		Limit:      1,
		ExcludeIDs: []uuid.UUID{aliceChunks[0].ID},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, aliceChunks[2].ID, rows[0].ChunkID)

	_, err = s.Nearest(ctx, NearestQuery{Vector: []float32{1, 0}, OwnerID: "alice"})
	assert.Error(t, err)
}

func TestStore_NearestScanZeroVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunks := seedDocument(t, s, "alice", "alpha", "x axis", "empty")
	require.NoError(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, 0, 0}, "m"))
	require.NoError(t, s.CompleteEmbedding(ctx, chunks[1], []float32{0, 0, 0}, "m"))

	rows, err := s.Nearest(ctx, NearestQuery{Vector: []float32{1, 0, 0}, OwnerID: "alice", Threshold: 0.5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, chunks[0].ID, rows[0].ChunkID)

	rows, err = s.Nearest(ctx, NearestQuery{Vector: []float32{0, 0, 0}, OwnerID: "alice", Threshold: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Zero(t, r.Similarity)
	}
}

func TestStore_NearestIgnoresIncompleteEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunks := seedDocument(t, s, "alice", "doc", "a")
	require.NoError(t, s.SetEmbeddingStatus(ctx, chunks, models.EmbeddingStatusPending))

	rows, err := s.Nearest(ctx, NearestQuery{Vector: []float32{1, 0, 0}, OwnerID: "alice", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_LexicalFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, _ := seedDocument(t, s, "alice", "doc", "The Vector index is rebuilt nightly", "Unrelated text")
	seedDocument(t, s, "bob", "other", "vector index for bob")

	rows, err := s.Lexical(ctx, LexicalQuery{Text: "vector INDEX", OwnerID: "alice", Limit: 5})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, doc.ID, rows[0].DocumentID)
	assert.Equal(t, 0, rows[0].ChunkIndex)

	rows, err = s.Lexical(ctx, LexicalQuery{Text: "   ", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, chunks := seedDocument(t, s, "alice", "doc", "a", "b")
	seedDocument(t, s, "bob", "doc", "c")
	require.NoError(t, s.CompleteEmbedding(ctx, chunks[0], []float32{1, 0, 0}, "m"))
	require.NoError(t, s.FailEmbedding(ctx, chunks[1], errors.New("x")))

	stats, err := s.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Documents)
	assert.Equal(t, int64(2), stats.Chunks)
	assert.Equal(t, int64(1), stats.Completed())
	assert.Equal(t, int64(1), stats.Embeddings[models.EmbeddingStatusFailed])
	assert.Greater(t, stats.ApproxVectorMB, 0.0)

	all, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.Documents)
	assert.Equal(t, int64(3), all.Chunks)

	n, err := s.VectorCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_IndexDDLRequiresPostgres(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.ErrorIs(t, s.RebuildIndex(ctx, 100), ErrUnsupported)
	assert.ErrorIs(t, s.Reindex(ctx), ErrUnsupported)
	_, err := s.IndexInfo(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = s.Probes(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.NoError(t, s.Analyze(ctx))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 1}))
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestListsPattern(t *testing.T) {
	def := "CREATE INDEX idx ON public.embeddings USING ivfflat (((vector)::vector(3)) vector_cosine_ops) WITH (lists='250')"
	m := listsPattern.FindStringSubmatch(def)
	require.NotNil(t, m)
	assert.Equal(t, "250", m[1])
}

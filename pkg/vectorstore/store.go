// Package vectorstore persists documents, chunks and embeddings and exposes
// the nearest-neighbour and lexical query primitives used by search.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

var (
	// ErrNotFound is returned when a document or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned for index DDL on databases without pgvector.
	ErrUnsupported = errors.New("operation requires PostgreSQL with pgvector")
)

// DefaultIndexName is the ivfflat index over embeddings.vector.
const DefaultIndexName = "idx_embeddings_vector_ivfflat"

// Store is a gorm-backed vector store.
type Store struct {
	db         *gorm.DB
	dimensions int
	indexName  string
	postgres   bool
	logger     hclog.Logger
}

// Config holds configuration for the store.
type Config struct {
	DB         *gorm.DB
	Dimensions int    // Vector length used for index casts (required)
	IndexName  string // Default: DefaultIndexName
	Logger     hclog.Logger
}

// New creates a store.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.IndexName == "" {
		cfg.IndexName = DefaultIndexName
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Store{
		db:         cfg.DB,
		dimensions: cfg.Dimensions,
		indexName:  cfg.IndexName,
		postgres:   database.IsPostgres(cfg.DB),
		logger:     cfg.Logger.Named("vectorstore"),
	}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx returns a copy of the store that runs every statement on tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	return &c
}

// Dimensions returns the configured vector length.
func (s *Store) Dimensions() int { return s.dimensions }

// CreateDocument inserts doc, assigning its ID.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument loads a document by ID.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// DeleteDocument removes a document with its chunks, embeddings and jobs.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&models.Embedding{}).Error; err != nil {
			return fmt.Errorf("failed to delete embeddings: %w", err)
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.Chunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		if err := tx.Where("document_id = ?", id).Delete(&models.EmbeddingJob{}).Error; err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Document{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete document: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SaveChunks inserts chunks. Chunks are immutable once written.
func (s *Store) SaveChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&chunks, 100).Error; err != nil {
		return fmt.Errorf("failed to save chunks: %w", err)
	}
	return nil
}

// ChunksForDocument returns a document's chunks in order.
func (s *Store) ChunksForDocument(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return chunks, nil
}

// ChunksByIDs returns the given chunks ordered by document and index.
func (s *Store) ChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("document_id, chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return chunks, nil
}

// GetChunk loads one chunk.
func (s *Store) GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error) {
	var chunk models.Chunk
	err := s.db.WithContext(ctx).First(&chunk, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &chunk, nil
}

// UpsertEmbedding writes the embedding for e.ChunkID, replacing any
// existing row for that chunk.
func (s *Store) UpsertEmbedding(ctx context.Context, e *models.Embedding) error {
	return upsertEmbeddings(s.db.WithContext(ctx), []models.Embedding{*e})
}

// SaveEmbeddingsBatch upserts embeddings in one transaction.
func (s *Store) SaveEmbeddingsBatch(ctx context.Context, embeddings []models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertEmbeddings(tx, embeddings)
	})
}

func upsertEmbeddings(db *gorm.DB, embeddings []models.Embedding) error {
	for i := range embeddings {
		if v := embeddings[i].Vector; v != nil {
			if err := validateVector(v.Slice(), len(v.Slice())); err != nil {
				return err
			}
		}
	}

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chunk_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"vector", "model_version", "status", "error", "updated_at",
		}),
	}).Create(&embeddings).Error
	if err != nil {
		return fmt.Errorf("failed to upsert embeddings: %w", err)
	}
	return nil
}

// CompleteEmbedding stores a finished vector for chunk.
func (s *Store) CompleteEmbedding(ctx context.Context, chunk models.Chunk, vector []float32, modelVersion string) error {
	if err := validateVector(vector, s.dimensions); err != nil {
		return err
	}
	v := pgvector.NewVector(vector)
	return s.UpsertEmbedding(ctx, &models.Embedding{
		ChunkID:      chunk.ID,
		DocumentID:   chunk.DocumentID,
		Vector:       &v,
		ModelVersion: modelVersion,
		Status:       models.EmbeddingStatusCompleted,
	})
}

// FailEmbedding records a failed attempt for chunk.
func (s *Store) FailEmbedding(ctx context.Context, chunk models.Chunk, cause error) error {
	now := time.Now()
	e := models.Embedding{
		ChunkID:    chunk.ID,
		DocumentID: chunk.DocumentID,
		Status:     models.EmbeddingStatusFailed,
		Error:      cause.Error(),
		RetryCount: 1,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chunk_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":      models.EmbeddingStatusFailed,
			"error":       cause.Error(),
			"retry_count": gorm.Expr("embeddings.retry_count + 1"),
			"updated_at":  now,
		}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("failed to record embedding failure: %w", err)
	}
	return nil
}

// SetEmbeddingStatus updates the status of existing embeddings for chunkIDs
// and creates missing rows in that status.
func (s *Store) SetEmbeddingStatus(ctx context.Context, chunks []models.Chunk, status models.EmbeddingStatus) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]models.Embedding, len(chunks))
	for i, c := range chunks {
		rows[i] = models.Embedding{ChunkID: c.ID, DocumentID: c.DocumentID, Status: status}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chunk_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": status, "updated_at": time.Now()}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to set embedding status: %w", err)
	}
	return nil
}

// CompletedChunkIDs returns the chunks of documentID that already have a
// completed embedding.
func (s *Store) CompletedChunkIDs(ctx context.Context, documentID uuid.UUID) (map[uuid.UUID]bool, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Embedding{}).
		Where("document_id = ? AND status = ?", documentID, models.EmbeddingStatusCompleted).
		Pluck("chunk_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load completed embeddings: %w", err)
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// ResetEmbeddings marks every embedding of documentID pending and clears
// vectors, errors and retry counts.
func (s *Store) ResetEmbeddings(ctx context.Context, documentID uuid.UUID) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Embedding{}).
		Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"status":      models.EmbeddingStatusPending,
			"vector":      gorm.Expr("NULL"),
			"error":       "",
			"retry_count": 0,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset embeddings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteEmbeddingsForDocument removes every embedding of documentID.
func (s *Store) DeleteEmbeddingsForDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	result := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&models.Embedding{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete embeddings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// EmbeddingForChunk returns the stored embedding of a chunk.
func (s *Store) EmbeddingForChunk(ctx context.Context, chunkID uuid.UUID) (*models.Embedding, error) {
	var e models.Embedding
	err := s.db.WithContext(ctx).First(&e, "chunk_id = ?", chunkID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("embedding for chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return &e, nil
}

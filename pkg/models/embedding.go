package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// EmbeddingStatus is the lifecycle state of a chunk embedding.
type EmbeddingStatus string

const (
	EmbeddingStatusPending    EmbeddingStatus = "pending"
	EmbeddingStatusProcessing EmbeddingStatus = "processing"
	EmbeddingStatusCompleted  EmbeddingStatus = "completed"
	EmbeddingStatusFailed     EmbeddingStatus = "failed"
)

// Embedding holds the vector for exactly one chunk. The vector is NULL until
// the embedding completes.
type Embedding struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChunkID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_embeddings_chunk_id" json:"chunkId"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index:idx_embeddings_document_id" json:"documentId"`

	Vector       *pgvector.Vector `gorm:"type:vector" json:"-"`
	ModelVersion string           `gorm:"type:varchar(100)" json:"modelVersion"`

	Status     EmbeddingStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_embeddings_status" json:"status"`
	Error      string          `gorm:"type:text" json:"error,omitempty"`
	RetryCount int             `gorm:"not null;default:0" json:"retryCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (Embedding) TableName() string {
	return "embeddings"
}

// BeforeCreate assigns an ID and validates required fields.
func (e *Embedding) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ChunkID == uuid.Nil {
		return fmt.Errorf("chunk_id is required")
	}
	if e.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if e.Status == "" {
		e.Status = EmbeddingStatusPending
	}
	if e.Status == EmbeddingStatusCompleted && e.Vector == nil {
		return fmt.Errorf("completed embedding requires a vector")
	}
	return nil
}

// Dimensions returns the length of the stored vector, or 0 if unset.
func (e *Embedding) Dimensions() int {
	if e.Vector == nil {
		return 0
	}
	return len(e.Vector.Slice())
}

package models

import (
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// PreviewLength is the number of runes of source text kept with a cache entry.
const PreviewLength = 200

// EmbeddingCacheEntry maps a content hash to a previously computed vector.
// Entries are shared across owners.
type EmbeddingCacheEntry struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	ContentHash  string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_embedding_cache_content_hash" json:"contentHash"`
	Preview      string          `gorm:"type:text" json:"preview"`
	Vector       pgvector.Vector `gorm:"type:vector;not null" json:"-"`
	ModelVersion string          `gorm:"type:varchar(100);not null" json:"modelVersion"`
	UsageCount   int64           `gorm:"not null;default:1" json:"usageCount"`

	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `gorm:"not null;index:idx_embedding_cache_last_used" json:"lastUsed"`
}

// TableName specifies the table name.
func (EmbeddingCacheEntry) TableName() string {
	return "embedding_cache"
}

// BeforeCreate validates required fields.
func (e *EmbeddingCacheEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ContentHash == "" {
		return fmt.Errorf("content_hash is required")
	}
	if len(e.Vector.Slice()) == 0 {
		return fmt.Errorf("vector is required")
	}
	if e.LastUsed.IsZero() {
		e.LastUsed = time.Now()
	}
	return nil
}

// Preview returns the first PreviewLength runes of text.
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= PreviewLength {
		return text
	}
	return string(r[:PreviewLength])
}

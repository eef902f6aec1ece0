package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChunkType classifies the content of a chunk.
type ChunkType string

const (
	ChunkTypeParagraph ChunkType = "paragraph"
	ChunkTypeList      ChunkType = "list"
	ChunkTypeHeading   ChunkType = "heading"
	ChunkTypeTable     ChunkType = "table"
	ChunkTypeCode      ChunkType = "code"
	ChunkTypeMixed     ChunkType = "mixed"
)

// Chunk is a bounded segment of a document's text and the unit of embedding
// and retrieval. Chunks are immutable once written.
type Chunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chunks_document_index,priority:1" json:"documentId"`
	Index      int       `gorm:"column:chunk_index;not null;uniqueIndex:idx_chunks_document_index,priority:2" json:"index"`

	Text string `gorm:"type:text;not null" json:"text"`

	// CharStart and CharEnd bound the chunk's own span in the normalized
	// document text, excluding overlap borrowed from neighbours.
	CharStart int `gorm:"not null" json:"charStart"`
	CharEnd   int `gorm:"not null" json:"charEnd"`

	// OverlapPrefix and OverlapSuffix are the rune lengths of neighbour text
	// prepended and appended to the core span.
	OverlapPrefix int `gorm:"not null;default:0" json:"overlapPrefix"`
	OverlapSuffix int `gorm:"not null;default:0" json:"overlapSuffix"`

	Type         ChunkType `gorm:"type:varchar(20);not null;default:'paragraph'" json:"type"`
	SectionTitle string    `gorm:"type:varchar(500)" json:"sectionTitle,omitempty"`
	WordCount    int       `gorm:"not null;default:0" json:"wordCount"`
	CharCount    int       `gorm:"not null;default:0" json:"charCount"`

	CreatedAt time.Time `json:"createdAt"`

	Embedding *Embedding `gorm:"foreignKey:ChunkID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name.
func (Chunk) TableName() string {
	return "chunks"
}

// BeforeCreate assigns an ID and validates required fields.
func (c *Chunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if c.CharEnd < c.CharStart {
		return fmt.Errorf("invalid char range [%d,%d)", c.CharStart, c.CharEnd)
	}
	if c.Type == "" {
		c.Type = ChunkTypeParagraph
	}
	return nil
}

// Core returns the chunk text without neighbour overlap.
func (c *Chunk) Core() string {
	r := []rune(c.Text)
	start, end := c.OverlapPrefix, len(r)-c.OverlapSuffix
	if start < 0 || end > len(r) || start > end {
		return c.Text
	}
	return string(r[start:end])
}

// BeforeUpdate rejects in-place edits of chunk content.
func (c *Chunk) BeforeUpdate(tx *gorm.DB) error {
	return fmt.Errorf("chunks are immutable once written")
}

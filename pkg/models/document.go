package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessingStatus is the embedding processing state of a document.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// Document is the owning record for a set of chunks. Text extraction happens
// upstream; only the metadata needed for ownership, ranking and processing
// state lives here.
type Document struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID string    `gorm:"type:varchar(255);not null;index:idx_documents_owner_id" json:"ownerId"`
	Title   string    `gorm:"type:varchar(500)" json:"title"`

	ProcessingStatus ProcessingStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"processingStatus"`
	ProcessingError  string           `gorm:"type:text" json:"processingError,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_documents_created_at,sort:desc" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Chunks []Chunk `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name.
func (Document) TableName() string {
	return "documents"
}

// BeforeCreate assigns an ID and validates required fields.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if d.ProcessingStatus == "" {
		d.ProcessingStatus = ProcessingStatusPending
	}
	return nil
}

// MarkProcessingFailed records a terminal processing error on the document.
func (d *Document) MarkProcessingFailed(db *gorm.DB, err error) error {
	d.ProcessingStatus = ProcessingStatusFailed
	d.ProcessingError = err.Error()

	return db.Model(d).Updates(map[string]interface{}{
		"processing_status": ProcessingStatusFailed,
		"processing_error":  err.Error(),
		"updated_at":        time.Now(),
	}).Error
}

// SetProcessingStatus updates the processing status and clears any error.
func (d *Document) SetProcessingStatus(db *gorm.DB, status ProcessingStatus) error {
	d.ProcessingStatus = status
	d.ProcessingError = ""

	return db.Model(d).Updates(map[string]interface{}{
		"processing_status": status,
		"processing_error":  "",
		"updated_at":        time.Now(),
	}).Error
}

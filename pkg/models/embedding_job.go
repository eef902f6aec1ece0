package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus is the state of an embedding job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobPriority orders jobs in the queue.
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)

// Valid reports whether p is a known priority.
func (p JobPriority) Valid() bool {
	switch p {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh:
		return true
	}
	return false
}

// JobPriorityOrder is an ORDER BY expression ranking high before normal before low.
const JobPriorityOrder = "CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END"

// EmbeddingJob schedules embedding work for one document.
// A document has at most one job in pending or processing at a time.
type EmbeddingJob struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID   `gorm:"type:uuid;not null;index:idx_embedding_jobs_document_id;uniqueIndex:idx_embedding_jobs_active_document,where:status = 'pending' OR status = 'processing'" json:"documentId"`
	ChunkIDs   []uuid.UUID `gorm:"serializer:json;type:jsonb" json:"chunkIds"`

	Status   JobStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_embedding_jobs_status" json:"status"`
	Priority JobPriority `gorm:"type:varchar(10);not null;default:'normal'" json:"priority"`

	BatchSize       int `gorm:"not null" json:"batchSize"`
	TotalChunks     int `gorm:"not null;default:0" json:"totalChunks"`
	ProcessedChunks int `gorm:"not null;default:0" json:"processedChunks"`
	FailedChunks    int `gorm:"not null;default:0" json:"failedChunks"`

	RetryCount    int        `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries    int        `gorm:"not null;default:3" json:"maxRetries"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Error         string     `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_embedding_jobs_created_at" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (EmbeddingJob) TableName() string {
	return "embedding_jobs"
}

// BeforeCreate assigns an ID and validates required fields.
func (j *EmbeddingJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if j.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	if !j.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", j.Priority)
	}
	if j.TotalChunks == 0 {
		j.TotalChunks = len(j.ChunkIDs)
	}
	return nil
}

// IsActive reports whether the job is pending or processing.
func (j *EmbeddingJob) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// IsTerminal reports whether the job can no longer change state. Retryable
// failures are stored back as pending with NextAttemptAt set, so a persisted
// failed job is always terminal.
func (j *EmbeddingJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

// Progress returns the fraction of chunks that have been attempted.
func (j *EmbeddingJob) Progress() float64 {
	if j.TotalChunks == 0 {
		return 1
	}
	return float64(j.ProcessedChunks+j.FailedChunks) / float64(j.TotalChunks)
}

// CountJobsByStatus returns job counts per status for jobs created since the cutoff.
func CountJobsByStatus(db *gorm.DB, since time.Time) (map[JobStatus]int64, error) {
	type row struct {
		Status JobStatus
		Count  int64
	}

	var rows []row
	err := db.Model(&EmbeddingJob{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// DeleteOldJobs removes jobs in the given status last updated before the cutoff.
func DeleteOldJobs(db *gorm.DB, status JobStatus, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := db.
		Where("status = ? AND updated_at < ?", status, cutoff).
		Delete(&EmbeddingJob{})

	return result.RowsAffected, result.Error
}

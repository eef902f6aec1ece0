// Package jobs schedules per-document embedding work: a persisted queue of
// EmbeddingJob rows, a worker loop with bounded concurrency, and pluggable
// schedulers that decide when idle workers poll again.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

var activeStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}

// Queue persists embedding jobs.
type Queue struct {
	db        *gorm.DB
	store     *vectorstore.Store
	scheduler Scheduler
	cfg       Config
	logger    hclog.Logger
	now       func() time.Time
}

// Config holds configuration for the queue.
type Config struct {
	Store     *vectorstore.Store // Required
	Scheduler Scheduler          // Default: NewPollScheduler()

	BatchSize   int           // Chunks per generation batch (default: 10)
	Retry       RetryConfig   // Default: DefaultRetryConfig()
	StatsWindow time.Duration // Default: 24h

	Logger hclog.Logger
}

// EnqueueOptions tune Enqueue.
type EnqueueOptions struct {
	// ForceReprocess resets every embedding of the document and embeds all
	// chunks again.
	ForceReprocess bool
}

// Stats are job counts by status for jobs created inside the window.
type Stats struct {
	Window time.Duration              `json:"window"`
	Since  time.Time                  `json:"since"`
	Counts map[models.JobStatus]int64 `json:"counts"`
}

// Total returns the number of jobs in the window.
func (s Stats) Total() int64 {
	var n int64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// NewQueue creates a queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewPollScheduler()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.StatsWindow == 0 {
		cfg.StatsWindow = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Queue{
		db:        cfg.Store.DB(),
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		cfg:       cfg,
		logger:    cfg.Logger.Named("job-queue"),
		now:       time.Now,
	}, nil
}

// Scheduler returns the scheduler jobs are announced on.
func (q *Queue) Scheduler() Scheduler { return q.scheduler }

// Enqueue creates a job for documentID and returns its id. Only chunks
// without a completed embedding are included unless opts.ForceReprocess is
// set. A document with nothing left to embed yields a completed job.
func (q *Queue) Enqueue(ctx context.Context, documentID uuid.UUID, priority models.JobPriority, opts EnqueueOptions) (uuid.UUID, error) {
	if priority == "" {
		priority = models.JobPriorityNormal
	}
	if !priority.Valid() {
		return uuid.Nil, fmt.Errorf("invalid priority %q", priority)
	}

	doc, err := q.store.GetDocument(ctx, documentID)
	if err != nil {
		return uuid.Nil, err
	}

	if active, err := q.activeJob(ctx, documentID); err != nil {
		return uuid.Nil, err
	} else if active != nil {
		return uuid.Nil, fmt.Errorf("%w: job %s is %s", ErrActiveJobExists, active.ID, active.Status)
	}

	chunks, err := q.store.ChunksForDocument(ctx, documentID)
	if err != nil {
		return uuid.Nil, err
	}

	var chunkIDs []uuid.UUID
	if opts.ForceReprocess {
		for _, c := range chunks {
			chunkIDs = append(chunkIDs, c.ID)
		}
	} else {
		completed, err := q.store.CompletedChunkIDs(ctx, documentID)
		if err != nil {
			return uuid.Nil, err
		}
		for _, c := range chunks {
			if !completed[c.ID] {
				chunkIDs = append(chunkIDs, c.ID)
			}
		}
	}

	now := q.now()
	job := &models.EmbeddingJob{
		DocumentID:  documentID,
		ChunkIDs:    chunkIDs,
		Priority:    priority,
		BatchSize:   q.cfg.BatchSize,
		TotalChunks: len(chunkIDs),
		MaxRetries:  q.cfg.Retry.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(chunkIDs) == 0 {
		job.Status = models.JobStatusCompleted
		job.StartedAt = &now
		job.CompletedAt = &now
	}

	// Existing vectors are only cleared once the job that regenerates them
	// is committed.
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if !opts.ForceReprocess {
			return nil
		}
		reset, err := q.store.WithTx(tx).ResetEmbeddings(ctx, documentID)
		if err != nil {
			return err
		}
		q.logger.Debug("reset embeddings for reprocessing", "document_id", documentID, "count", reset)
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: document %s", ErrActiveJobExists, documentID)
		}
		return uuid.Nil, fmt.Errorf("failed to create embedding job: %w", err)
	}

	if job.Status == models.JobStatusCompleted {
		if err := doc.SetProcessingStatus(q.db.WithContext(ctx), models.ProcessingStatusCompleted); err != nil {
			q.logger.Warn("failed to update document status", "document_id", documentID, "error", err)
		}
		q.logger.Info("document already embedded", "document_id", documentID, "job_id", job.ID)
		return job.ID, nil
	}

	if err := doc.SetProcessingStatus(q.db.WithContext(ctx), models.ProcessingStatusPending); err != nil {
		q.logger.Warn("failed to update document status", "document_id", documentID, "error", err)
	}

	q.logger.Info("embedding job enqueued",
		"job_id", job.ID,
		"document_id", documentID,
		"priority", priority,
		"chunks", len(chunkIDs),
		"force_reprocess", opts.ForceReprocess,
	)

	if err := q.scheduler.Notify(ctx, job.ID); err != nil {
		q.logger.Warn("failed to announce job", "job_id", job.ID, "error", err)
	}
	return job.ID, nil
}

func (q *Queue) activeJob(ctx context.Context, documentID uuid.UUID) (*models.EmbeddingJob, error) {
	var jobs []models.EmbeddingJob
	err := q.db.WithContext(ctx).
		Where("document_id = ? AND status IN ?", documentID, activeStatuses).
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID uuid.UUID) (*models.EmbeddingJob, error) {
	var job models.EmbeddingJob
	err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding job: %w", err)
	}
	return &job, nil
}

// Cancel stops a pending or processing job. A processing job stops at its
// next batch boundary. Cancelled jobs are never retried or resumed.
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, jobID, job.Status)
	}

	now := q.now()
	result := q.db.WithContext(ctx).Model(&models.EmbeddingJob{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]interface{}{
			"status":          models.JobStatusCancelled,
			"completed_at":    now,
			"next_attempt_at": nil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel embedding job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Finished between the read and the update.
		return fmt.Errorf("%w: job %s", ErrJobNotCancellable, jobID)
	}

	err = q.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ? AND processing_status IN ?", job.DocumentID,
			[]models.ProcessingStatus{models.ProcessingStatusPending, models.ProcessingStatusProcessing}).
		Updates(map[string]interface{}{
			"processing_status": models.ProcessingStatusPending,
			"updated_at":        now,
		}).Error
	if err != nil {
		q.logger.Warn("failed to reset document status", "document_id", job.DocumentID, "error", err)
	}

	q.logger.Info("embedding job cancelled", "job_id", jobID, "document_id", job.DocumentID, "was", job.Status)
	return nil
}

// isCancelled reports whether the job has been cancelled since it was
// claimed.
func (q *Queue) isCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var status models.JobStatus
	err := q.db.WithContext(ctx).Model(&models.EmbeddingJob{}).
		Where("id = ?", jobID).
		Select("status").
		Scan(&status).Error
	if err != nil {
		return false, fmt.Errorf("failed to read job status: %w", err)
	}
	return status == models.JobStatusCancelled, nil
}

// EscalatePriority raises the priority of the pending jobs of documentIDs
// and returns how many were changed.
func (q *Queue) EscalatePriority(ctx context.Context, documentIDs []uuid.UUID, priority models.JobPriority) (int64, error) {
	if !priority.Valid() {
		return 0, fmt.Errorf("invalid priority %q", priority)
	}
	if len(documentIDs) == 0 {
		return 0, nil
	}

	result := q.db.WithContext(ctx).Model(&models.EmbeddingJob{}).
		Where("document_id IN ? AND status = ?", documentIDs, models.JobStatusPending).
		Updates(map[string]interface{}{
			"priority":   priority,
			"updated_at": q.now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to escalate job priority: %w", result.Error)
	}

	q.logger.Info("escalated job priority", "documents", len(documentIDs), "priority", priority, "updated", result.RowsAffected)
	return result.RowsAffected, nil
}

// CleanupFailed deletes terminally failed jobs last updated before
// olderThan.
func (q *Queue) CleanupFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := models.DeleteOldJobs(q.db.WithContext(ctx), models.JobStatusFailed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up failed jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("cleaned up failed jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// PurgeCompleted deletes completed and cancelled jobs last updated before
// olderThan.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	var total int64
	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusCancelled} {
		n, err := models.DeleteOldJobs(q.db.WithContext(ctx), status, olderThan)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s jobs: %w", status, err)
		}
		total += n
	}
	if total > 0 {
		q.logger.Info("purged finished jobs", "count", total, "older_than", olderThan)
	}
	return total, nil
}

// Stats aggregates job counts over the configured window.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	since := q.now().Add(-q.cfg.StatsWindow)
	counts, err := models.CountJobsByStatus(q.db.WithContext(ctx), since)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return &Stats{Window: q.cfg.StatsWindow, Since: since, Counts: counts}, nil
}

// claimNext atomically moves the next runnable job to processing. It
// returns nil when nothing is runnable.
func (q *Queue) claimNext(ctx context.Context) (*models.EmbeddingJob, error) {
	// A competing worker may win the claim; try a few candidates.
	for attempt := 0; attempt < 3; attempt++ {
		now := q.now()

		var candidates []models.EmbeddingJob
		err := q.db.WithContext(ctx).
			Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.JobStatusPending, now).
			Order(models.JobPriorityOrder).
			Order("created_at ASC").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pending job: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		job := candidates[0]
		result := q.db.WithContext(ctx).Model(&models.EmbeddingJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
			Updates(map[string]interface{}{
				"status":          models.JobStatusProcessing,
				"started_at":      now,
				"failed_chunks":   0,
				"next_attempt_at": nil,
				"updated_at":      now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to claim job: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			job.Status = models.JobStatusProcessing
			job.StartedAt = &now
			job.FailedChunks = 0
			job.NextAttemptAt = nil
			return &job, nil
		}
	}
	return nil, nil
}

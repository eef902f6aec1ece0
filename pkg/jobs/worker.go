package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/models"
)

const (
	// MinConcurrency and MaxConcurrency bound SetConcurrency.
	MinConcurrency = 1
	MaxConcurrency = 10
)

// Embedder generates embeddings for a batch of chunk texts.
// *embeddings.Generator satisfies it.
type Embedder interface {
	GenerateBatch(ctx context.Context, texts []string, opts embeddings.BatchOptions) ([]embeddings.BatchItem, error)
}

// CacheInvalidator drops cached search results for an owner whose corpus
// changed. *search.Cache satisfies it.
type CacheInvalidator interface {
	InvalidateOwner(ctx context.Context, ownerID string) (int64, error)
}

// Worker dequeues jobs and runs them with bounded concurrency.
type Worker struct {
	queue       *Queue
	embedder    Embedder
	invalidator CacheInvalidator
	cfg         WorkerConfig
	logger      hclog.Logger

	mu          sync.Mutex
	concurrency int
	inFlight    int

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	Queue    *Queue   // Required
	Embedder Embedder // Required

	// SearchCache is invalidated for the owner when a job completes.
	SearchCache CacheInvalidator

	Concurrency  int           // Default: 3, clamped to [1,10]
	BusyInterval time.Duration // Sleep when at capacity (default: 250ms)
	IdleInterval time.Duration // Sleep when no work is runnable (default: 5s)

	Logger hclog.Logger
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 3
	}
	if cfg.BusyInterval == 0 {
		cfg.BusyInterval = 250 * time.Millisecond
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Worker{
		queue:       cfg.Queue,
		embedder:    cfg.Embedder,
		invalidator: cfg.SearchCache,
		cfg:         cfg,
		logger:      cfg.Logger.Named("job-worker"),
		concurrency: clampConcurrency(cfg.Concurrency),
		stopCh:      make(chan struct{}),
	}, nil
}

func clampConcurrency(n int) int {
	return max(MinConcurrency, min(n, MaxConcurrency))
}

// SetConcurrency changes the in-flight ceiling, clamped to [1,10], and
// returns the value applied.
func (w *Worker) SetConcurrency(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.concurrency = clampConcurrency(n)
	w.logger.Info("concurrency updated", "requested", n, "applied", w.concurrency)
	return w.concurrency
}

// Concurrency returns the in-flight ceiling.
func (w *Worker) Concurrency() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.concurrency
}

// InFlight returns the number of jobs being processed.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Start runs the dispatch loop until ctx is done or Stop is called.
// Dispatched jobs keep running on ctx after Stop until they finish.
func (w *Worker) Start(ctx context.Context) error {
	if w.stopped() {
		return ErrQueueStopped
	}

	// waitCtx ends sleeps early when Stop is called.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	w.logger.Info("embedding worker started",
		"concurrency", w.Concurrency(),
		"busy_interval", w.cfg.BusyInterval,
		"idle_interval", w.cfg.IdleInterval,
	)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("embedding worker stopped by context")
			return err
		}
		if w.stopped() {
			w.logger.Info("embedding worker stopped")
			return nil
		}

		if w.InFlight() >= w.Concurrency() {
			_ = sleep(waitCtx, w.cfg.BusyInterval)
			continue
		}

		job, err := w.queue.claimNext(ctx)
		if err != nil {
			w.logger.Error("failed to dequeue job", "error", err)
			_ = sleep(waitCtx, w.cfg.IdleInterval)
			continue
		}
		if job == nil {
			if err := w.queue.scheduler.Wait(waitCtx, w.cfg.IdleInterval); err != nil && ctx.Err() == nil && !w.stopped() {
				w.logger.Warn("scheduler wait failed", "error", err)
			}
			continue
		}

		w.dispatch(ctx, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *models.EmbeddingJob) {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
	w.wg.Add(1)

	go func() {
		defer func() {
			w.mu.Lock()
			w.inFlight--
			w.mu.Unlock()
			w.wg.Done()
		}()
		w.process(ctx, job)
	}()
}

// Stop stops dequeuing and waits for in-flight jobs until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("embedding worker drained")
		return nil
	case <-ctx.Done():
		w.logger.Warn("embedding worker stop timed out", "in_flight", w.InFlight())
		return ctx.Err()
	}
}

// ProcessNext claims the next runnable job and processes it synchronously.
// It returns the job as claimed, or nil when nothing was runnable.
func (w *Worker) ProcessNext(ctx context.Context) (*models.EmbeddingJob, error) {
	job, err := w.queue.claimNext(ctx)
	if err != nil || job == nil {
		return nil, err
	}
	w.process(ctx, job)
	return job, nil
}

// errCancelled stops processing when the job is cancelled mid-run.
var errCancelled = errors.New("job cancelled")

// process runs a claimed job to its next state.
func (w *Worker) process(ctx context.Context, job *models.EmbeddingJob) {
	logger := w.logger.With("job_id", job.ID, "document_id", job.DocumentID)
	start := time.Now()

	doc, err := w.queue.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		w.fail(ctx, job, nil, err, logger)
		return
	}
	db := w.queue.db.WithContext(ctx)
	if err := doc.SetProcessingStatus(db, models.ProcessingStatusProcessing); err != nil {
		logger.Warn("failed to update document status", "error", err)
	}

	logger.Info("processing embedding job",
		"attempt", job.RetryCount+1,
		"chunks", job.TotalChunks,
		"priority", job.Priority,
	)

	processed, failed, err := w.embedChunks(ctx, job, doc, logger)
	switch {
	case errors.Is(err, errCancelled):
		logger.Info("embedding job cancelled during processing", "processed", processed, "failed", failed)
		return
	case err != nil && ctx.Err() != nil:
		w.requeue(job, logger)
		return
	case err != nil:
		w.fail(ctx, job, doc, err, logger)
		return
	case failed > 0:
		w.fail(ctx, job, doc, fmt.Errorf("%d of %d chunks failed", failed, job.TotalChunks), logger)
		return
	}

	now := w.queue.now()
	result := db.Model(&models.EmbeddingJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"completed_at": now,
			"error":        "",
			"updated_at":   now,
		})
	if result.Error != nil {
		logger.Error("failed to complete job", "error", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		logger.Info("job changed state before completion; leaving as is")
		return
	}

	if err := doc.SetProcessingStatus(db, models.ProcessingStatusCompleted); err != nil {
		logger.Warn("failed to update document status", "error", err)
	}
	if w.invalidator != nil {
		if n, err := w.invalidator.InvalidateOwner(ctx, doc.OwnerID); err != nil {
			logger.Warn("failed to invalidate search cache", "owner_id", doc.OwnerID, "error", err)
		} else if n > 0 {
			logger.Debug("invalidated search cache", "owner_id", doc.OwnerID, "entries", n)
		}
	}

	logger.Info("embedding job completed",
		"processed", processed,
		"duration", time.Since(start),
	)
}

// embedChunks embeds the job's outstanding chunks in batches and records
// each outcome. It returns the number of chunks completed and failed in
// this run.
func (w *Worker) embedChunks(ctx context.Context, job *models.EmbeddingJob, doc *models.Document, logger hclog.Logger) (int, int, error) {
	store := w.queue.store

	chunks, err := store.ChunksByIDs(ctx, job.ChunkIDs)
	if err != nil {
		return 0, 0, err
	}
	// Retries only redo what is not completed yet.
	completed, err := store.CompletedChunkIDs(ctx, job.DocumentID)
	if err != nil {
		return 0, 0, err
	}
	todo := chunks[:0:0]
	for _, c := range chunks {
		if !completed[c.ID] {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		return 0, 0, nil
	}

	if err := store.SetEmbeddingStatus(ctx, todo, models.EmbeddingStatusProcessing); err != nil {
		return 0, 0, err
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = w.queue.cfg.BatchSize
	}

	var processed, failed int
	for start := 0; start < len(todo); start += batchSize {
		end := min(start+batchSize, len(todo))
		batch := todo[start:end]

		cancelled, err := w.queue.isCancelled(ctx, job.ID)
		if err != nil {
			return processed, failed, err
		}
		if cancelled {
			w.releaseChunks(todo[start:], logger)
			return processed, failed, errCancelled
		}

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		items, batchErr := w.embedder.GenerateBatch(ctx, texts, embeddings.BatchOptions{
			GenerateOptions: embeddings.GenerateOptions{OwnerID: doc.OwnerID},
			BatchSize:       batchSize,
		})
		if ctx.Err() != nil {
			w.releaseChunks(todo[start:], logger)
			return processed, failed, ctx.Err()
		}
		if len(items) != len(batch) {
			return processed, failed, fmt.Errorf("embedder returned %d results for %d chunks: %w", len(items), len(batch), batchErr)
		}

		var batchProcessed, batchFailed int
		for i, item := range items {
			chunk := batch[i]
			if item.Err == nil && item.Result != nil {
				err := store.CompleteEmbedding(ctx, chunk, item.Result.Vector, item.Result.ModelVersion)
				if err == nil {
					batchProcessed++
					continue
				}
				item.Err = err
			}
			if item.Err == nil {
				item.Err = fmt.Errorf("no embedding returned")
			}
			logger.Debug("chunk embedding failed", "chunk_id", chunk.ID, "chunk_index", chunk.Index, "error", item.Err)
			if err := store.FailEmbedding(ctx, chunk, item.Err); err != nil {
				logger.Warn("failed to record chunk failure", "chunk_id", chunk.ID, "error", err)
			}
			batchFailed++
		}

		if err := w.addProgress(ctx, job.ID, batchProcessed, batchFailed); err != nil {
			return processed, failed, err
		}
		processed += batchProcessed
		failed += batchFailed

		logger.Debug("embedding batch done",
			"batch_start", start,
			"batch_end", end,
			"processed", batchProcessed,
			"failed", batchFailed,
		)
	}
	return processed, failed, nil
}

// addProgress bumps the job counters in the database.
func (w *Worker) addProgress(ctx context.Context, jobID uuid.UUID, processed, failed int) error {
	err := w.queue.db.WithContext(ctx).Model(&models.EmbeddingJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"processed_chunks": gorm.Expr("processed_chunks + ?", processed),
			"failed_chunks":    gorm.Expr("failed_chunks + ?", failed),
			"updated_at":       w.queue.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// releaseChunks puts chunks that were never attempted back to pending.
func (w *Worker) releaseChunks(chunks []models.Chunk, logger hclog.Logger) {
	ctx := context.Background()
	if err := w.queue.store.SetEmbeddingStatus(ctx, chunks, models.EmbeddingStatusPending); err != nil {
		logger.Warn("failed to release chunks", "count", len(chunks), "error", err)
	}
}

// requeue returns a job interrupted by shutdown to pending without using
// a retry.
func (w *Worker) requeue(job *models.EmbeddingJob, logger hclog.Logger) {
	err := w.queue.db.Model(&models.EmbeddingJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.JobStatusPending,
			"updated_at": w.queue.now(),
		}).Error
	if err != nil {
		logger.Error("failed to requeue interrupted job", "error", err)
		return
	}
	logger.Info("embedding job interrupted; requeued")
}

// fail records a failed attempt. Under the retry ceiling the job goes back
// to pending after a backoff delay; otherwise it ends failed and the
// document reflects the error.
func (w *Worker) fail(ctx context.Context, job *models.EmbeddingJob, doc *models.Document, cause error, logger hclog.Logger) {
	// Failure bookkeeping must land even if ctx is ending.
	ctx = context.WithoutCancel(ctx)
	db := w.queue.db.WithContext(ctx)

	now := w.queue.now()
	retryCount := job.RetryCount + 1

	if retryCount <= job.MaxRetries {
		delay := w.queue.cfg.Retry.NextRetry(retryCount)
		next := now.Add(delay)
		result := db.Model(&models.EmbeddingJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":          models.JobStatusPending,
				"retry_count":     retryCount,
				"error":           cause.Error(),
				"next_attempt_at": next,
				"updated_at":      now,
			})
		if result.Error != nil {
			logger.Error("failed to reschedule job", "error", result.Error)
			return
		}
		if doc != nil && result.RowsAffected > 0 {
			if err := doc.SetProcessingStatus(db, models.ProcessingStatusPending); err != nil {
				logger.Warn("failed to update document status", "error", err)
			}
		}
		logger.Warn("embedding job failed; retry scheduled",
			"retry_count", retryCount,
			"max_retries", job.MaxRetries,
			"next_attempt_at", next,
			"error", cause,
		)
		return
	}

	terminal := &embeddings.MaxRetriesExceededError{Attempts: retryCount, Err: cause}
	result := db.Model(&models.EmbeddingJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":          models.JobStatusFailed,
			"retry_count":     retryCount,
			"error":           terminal.Error(),
			"next_attempt_at": nil,
			"completed_at":    now,
			"updated_at":      now,
		})
	if result.Error != nil {
		logger.Error("failed to mark job failed", "error", result.Error)
		return
	}
	if doc != nil && result.RowsAffected > 0 {
		if err := doc.MarkProcessingFailed(db, terminal); err != nil {
			logger.Warn("failed to update document status", "error", err)
		}
	}
	logger.Error("embedding job failed permanently", "attempts", retryCount, "error", cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

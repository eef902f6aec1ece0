package jobs

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrActiveJobExists is returned when a document already has a pending
	// or processing job.
	ErrActiveJobExists = errors.New("an active embedding job already exists for this document")

	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("embedding job not found")

	// ErrJobNotCancellable is returned when cancelling a job that already
	// reached a terminal state.
	ErrJobNotCancellable = errors.New("embedding job is not cancellable")

	// ErrQueueStopped is returned when starting a worker that was stopped.
	ErrQueueStopped = errors.New("embedding job worker stopped")
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// sqlite
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

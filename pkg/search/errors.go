package search

import "errors"

var (
	// ErrNotFound is returned when a chunk is missing, belongs to another
	// owner, or has no completed embedding.
	ErrNotFound = errors.New("chunk not found")

	// ErrInvalidQuery is returned for empty or malformed queries.
	ErrInvalidQuery = errors.New("invalid search query")

	// ErrInvalidWeights is returned when hybrid weights do not sum to one.
	ErrInvalidWeights = errors.New("invalid search weights")

	// ErrBackendUnavailable is returned when no configured backend can
	// answer the query.
	ErrBackendUnavailable = errors.New("search backend unavailable")

	// ErrIndexingFailed is returned when a keyword index write fails.
	ErrIndexingFailed = errors.New("failed to index chunk")
)

// Error wraps a search failure with the operation that produced it.
type Error struct {
	Op  string // Operation that failed (e.g., "Search", "Index")
	Err error  // Underlying error
	Msg string // Optional context
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProviderType names a keyword search backend.
type ProviderType string

const (
	// ProviderTypePostgres ranks with PostgreSQL full-text search.
	ProviderTypePostgres ProviderType = "postgres"

	// ProviderTypeBleve uses an embedded bleve index.
	ProviderTypeBleve ProviderType = "bleve"
)

package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const latestVersion = 4

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	// The "sqlite" driver is registered by the golang-migrate sqlite package.
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunMigrations_UnsupportedDriver(t *testing.T) {
	err := RunMigrations(openSQLite(t), "mysql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestRunMigrations_SQLite(t *testing.T) {
	db := openSQLite(t)

	version, dirty, err := GetMigrationVersion(db, "sqlite")
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, RunMigrations(db, "sqlite"))
	// Re-running is a no-op.
	require.NoError(t, RunMigrations(db, "sqlite"))

	version, dirty, err = GetMigrationVersion(db, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion), version)
	assert.False(t, dirty)

	for _, table := range []string{"documents", "chunks", "embeddings", "embedding_jobs", "embedding_cache", "search_cache", "rate_limit_windows"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestRunMigrations_ActiveJobIndex(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, RunMigrations(db, "sqlite"))

	_, err := db.Exec("INSERT INTO documents (id, owner_id) VALUES ('d1', 'alice')")
	require.NoError(t, err)

	insertJob := func(id, status string) error {
		_, err := db.Exec("INSERT INTO embedding_jobs (id, document_id, status, batch_size) VALUES (?, 'd1', ?, 10)", id, status)
		return err
	}

	require.NoError(t, insertJob("j1", "pending"))
	assert.Error(t, insertJob("j2", "processing"), "second active job for the document")
	require.NoError(t, insertJob("j3", "completed"))
	require.NoError(t, insertJob("j4", "failed"))
}

func TestRollback(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, RunMigrations(db, "sqlite"))

	assert.Error(t, Rollback(db, "sqlite", 0))
	require.NoError(t, Rollback(db, "sqlite", 1))

	version, _, err := GetMigrationVersion(db, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion-1), version)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'embedding_cache'").Scan(&n))
	assert.Zero(t, n)
}

func TestRunMigrations_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("embedsearch"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(db, "postgres"))

	version, dirty, err := GetMigrationVersion(db, "postgres")
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion), version)
	assert.False(t, dirty)

	var ext string
	require.NoError(t, db.QueryRow("SELECT extname FROM pg_extension WHERE extname = 'vector'").Scan(&ext))

	var indexdef string
	require.NoError(t, db.QueryRow(
		"SELECT indexdef FROM pg_indexes WHERE indexname = 'idx_embedding_jobs_active_document'").Scan(&indexdef))
	assert.Contains(t, indexdef, "WHERE")
}

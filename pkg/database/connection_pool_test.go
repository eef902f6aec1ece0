package database

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConnect_SQLite(t *testing.T) {
	db, err := Connect(Config{Driver: DriverSQLite, Path: ":memory:"}, hclog.NewNullLogger())
	require.NoError(t, err)

	stats, err := GetPoolStats(db)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections, "sqlite is pinned to a single connection")
	assert.False(t, IsPostgres(db))
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(Config{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestConfig_DSN(t *testing.T) {
	t.Run("fields", func(t *testing.T) {
		cfg := Config{Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "embed"}
		assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=embed sslmode=disable", cfg.DSN())
	})

	t.Run("url wins", func(t *testing.T) {
		cfg := Config{URL: "postgres://u:p@db/embed", Host: "ignored"}
		assert.Equal(t, "postgres://u:p@db/embed", cfg.DSN())
	})
}

func TestGormLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	log := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Trace})
	l := NewGormLogger(log).LogMode(logger.Info)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
	assert.Contains(t, buf.String(), "database query")

	buf.Reset()
	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT pg_sleep(1)", 1
	}, nil)
	assert.Contains(t, buf.String(), "slow database query")

	buf.Reset()
	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM chunks", 0
	}, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "database query failed")

	buf.Reset()
	l.LogMode(logger.Silent).Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, assert.AnError)
	assert.Empty(t, buf.String())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvDatabaseURL, EnvOpenAIAPIKey, EnvRedpandaBrokers, EnvRedisURL} {
		t.Setenv(key, "")
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "text-embedding-3-small", cfg.Provider.Model)
	assert.Equal(t, 1536, cfg.Provider.Dimensions)
	assert.Equal(t, "poll", cfg.Queue.Scheduler)
	assert.Equal(t, "postgres", cfg.Search.Keyword)
	assert.Equal(t, "database", cfg.RateLimit.Store)
	assert.Equal(t, hclog.Info, cfg.HCLogLevel())
}

func TestNewConfig_File(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
log_level = "debug"

database {
  driver = "sqlite"
  path   = "/tmp/embedsearch.db"
}

provider {
  name       = "ollama"
  model      = "nomic-embed-text"
  dimensions = 768
}

queue {
  concurrency     = 5
  batch_size      = 20
  max_retries     = 4
  initial_backoff = "10s"
  idle_interval   = "2s"
}

search {
  default_threshold = 0.6
}

index {
  optimize_interval = "30m"
}
`)

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, hclog.Debug, cfg.HCLogLevel())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "bleve", cfg.Search.Keyword, "sqlite has no full-text search")
	assert.Equal(t, 768, cfg.Provider.Dimensions)

	qc := cfg.Queue.ToQueueConfig()
	assert.Equal(t, 20, qc.BatchSize)
	assert.Equal(t, 4, qc.Retry.MaxRetries)
	assert.Equal(t, 10*time.Second, qc.Retry.InitialBackoff)

	wc := cfg.Queue.ToWorkerConfig()
	assert.Equal(t, 5, wc.Concurrency)
	assert.Equal(t, 2*time.Second, wc.IdleInterval)

	assert.Equal(t, 0.6, cfg.Search.ToEngineConfig().DefaultThreshold)
	assert.Equal(t, 30*time.Minute, Duration(cfg.Index.OptimizeInterval))

	db := cfg.Database.ToDatabaseConfig()
	assert.Equal(t, "/tmp/embedsearch.db", db.Path)
}

func TestNewConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDatabaseURL, "postgres://u:p@db:5432/es")
	t.Setenv(EnvOpenAIAPIKey, "sk-test")
	t.Setenv(EnvRedpandaBrokers, "a:9092, b:9092")
	t.Setenv(EnvRedisURL, "redis://cache:6379/0")

	path := writeConfig(t, `
queue {
  scheduler = "kafka"
}
rate_limit {
  store = "redis"
}
`)

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/es", cfg.Database.ToDatabaseConfig().DSN())
	assert.Equal(t, "sk-test", cfg.Provider.OpenAIAPIKey)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
}

func TestNewConfig_FileKeyWinsOverEnvKey(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenAIAPIKey, "sk-env")

	path := writeConfig(t, `
provider {
  openai_api_key             = "sk-file"
  openai_requests_per_second = 2.5
}
`)
	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Provider.OpenAIAPIKey)
	assert.Equal(t, 2.5, cfg.Provider.ToFactoryConfig(nil).OpenAIRequestsPerSecond)
}

func TestNewConfig_Invalid(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "unknown driver",
			body: `database { driver = "mysql" }`,
			want: []string{"database"},
		},
		{
			name: "bad durations",
			body: `queue {
  initial_backoff = "soon"
}
index {
  optimize_interval = "-1m"
}`,
			want: []string{"queue", "index"},
		},
		{
			name: "kafka without brokers",
			body: `queue { scheduler = "kafka" }`,
			want: []string{"kafka scheduler requires"},
		},
		{
			name: "redis without url",
			body: `rate_limit { store = "redis" }`,
			want: []string{"redis store requires"},
		},
		{
			name: "postgres keyword search on sqlite",
			body: `database { driver = "sqlite" }
search { keyword = "postgres" }`,
			want: []string{"search"},
		},
		{
			name: "concurrency above ceiling",
			body: `queue { concurrency = 11 }`,
			want: []string{"queue"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestNewConfig_MissingFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestRateLimitToLimits(t *testing.T) {
	assert.Zero(t, (&RateLimit{}).ToLimits())

	l := (&RateLimit{RequestsPerWindow: 60, TokensPerWindow: 1000, Window: "1m"}).ToLimits()
	assert.Equal(t, int64(60), l.RequestsPerWindow)
	assert.Equal(t, time.Minute, l.Window)
}

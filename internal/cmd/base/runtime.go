package base

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/embedsearch/internal/config"
	"github.com/hashicorp-forge/embedsearch/internal/migrate"
	"github.com/hashicorp-forge/embedsearch/pkg/database"
	"github.com/hashicorp-forge/embedsearch/pkg/embeddings"
	"github.com/hashicorp-forge/embedsearch/pkg/indexadvisor"
	"github.com/hashicorp-forge/embedsearch/pkg/jobs"
	"github.com/hashicorp-forge/embedsearch/pkg/kafka"
	"github.com/hashicorp-forge/embedsearch/pkg/llm"
	"github.com/hashicorp-forge/embedsearch/pkg/llm/mock"
	"github.com/hashicorp-forge/embedsearch/pkg/ratelimit"
	"github.com/hashicorp-forge/embedsearch/pkg/search"
	bleveadapter "github.com/hashicorp-forge/embedsearch/pkg/search/adapters/bleve"
	"github.com/hashicorp-forge/embedsearch/pkg/service"
	"github.com/hashicorp-forge/embedsearch/pkg/vectorstore"
)

// Retention defaults for maintenance when the config leaves them unset.
const (
	DefaultRetainFailed    = 7 * 24 * time.Hour
	DefaultRetainCompleted = 24 * time.Hour
	rateLimitRetention     = time.Hour
)

// Runtime holds the wired components for one process.
type Runtime struct {
	Config *config.Config
	DB     *gorm.DB

	Provider       llm.EmbeddingProvider
	Limiter        *ratelimit.Limiter
	EmbeddingCache *embeddings.Cache
	Generator      *embeddings.Generator

	Store       *vectorstore.Store
	SearchCache *search.Cache
	Bleve       *bleveadapter.Adapter // nil unless the bleve keyword index is configured
	Engine      *search.Engine
	Advisor     *indexadvisor.Advisor

	Queue   *jobs.Queue
	Kafka   *jobs.KafkaScheduler // nil with the poll scheduler
	Worker  *jobs.Worker
	Service *service.Service

	redis  *redis.Client
	logger hclog.Logger
}

// RuntimeOptions tune OpenRuntime.
type RuntimeOptions struct {
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
}

// OpenRuntime loads the config at path and builds every component.
func (c *Command) OpenRuntime(ctx context.Context, path string, opts RuntimeOptions) (*Runtime, error) {
	cfg, err := config.NewConfig(path)
	if err != nil {
		return nil, err
	}
	c.Log.SetLevel(cfg.HCLogLevel())

	r := &Runtime{Config: cfg, logger: c.Log}
	if err := r.build(ctx, opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context, opts RuntimeOptions) error {
	cfg, log := r.Config, r.logger

	db, err := database.Connect(cfg.Database.ToDatabaseConfig(), log)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	r.DB = db

	if opts.Migrate {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("error getting database handle: %w", err)
		}
		if err := migrate.RunMigrations(sqlDB, cfg.Database.Driver); err != nil {
			return err
		}
	}

	if r.Provider, err = newProvider(ctx, cfg, log); err != nil {
		return err
	}

	if r.Limiter, err = r.newLimiter(ctx); err != nil {
		return err
	}

	r.EmbeddingCache = embeddings.NewCache(db, log)
	genCfg := cfg.Embeddings.ToGeneratorConfig()
	genCfg.Provider = r.Provider
	genCfg.Cache = r.EmbeddingCache
	genCfg.Limiter = r.Limiter
	genCfg.Logger = log
	if r.Generator, err = embeddings.NewGenerator(genCfg); err != nil {
		return fmt.Errorf("error creating embedding generator: %w", err)
	}

	r.Store, err = vectorstore.New(vectorstore.Config{
		DB:         db,
		Dimensions: r.Provider.Dimensions(),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("error creating vector store: %w", err)
	}

	r.SearchCache, err = search.NewCache(search.CacheConfig{
		DB:     db,
		TTL:    config.Duration(cfg.Search.CacheTTL),
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("error creating search cache: %w", err)
	}

	advisorCfg := cfg.Index.ToAdvisorConfig()
	advisorCfg.Store = r.Store
	advisorCfg.Logger = log
	if r.Advisor, err = indexadvisor.New(advisorCfg); err != nil {
		return fmt.Errorf("error creating index advisor: %w", err)
	}

	engineCfg := cfg.Search.ToEngineConfig()
	engineCfg.Store = r.Store
	engineCfg.Embedder = r.Generator
	engineCfg.Cache = r.SearchCache
	engineCfg.Tuner = r.Advisor
	engineCfg.Logger = log

	var indexer service.ChunkIndexer
	switch cfg.Search.Keyword {
	case "postgres":
		engineCfg.Keyword = search.NewStoreKeywordSearcher(r.Store)
	case "bleve":
		r.Bleve, err = bleveadapter.NewAdapter(&bleveadapter.Config{
			IndexPath: cfg.Bleve.IndexPath,
			Logger:    log,
		})
		if err != nil {
			return fmt.Errorf("error opening bleve index: %w", err)
		}
		engineCfg.Keyword = r.Bleve
		indexer = r.Bleve
	}
	if r.Engine, err = search.NewEngine(engineCfg); err != nil {
		return fmt.Errorf("error creating search engine: %w", err)
	}

	var scheduler jobs.Scheduler = jobs.NewPollScheduler()
	if cfg.Queue.Scheduler == "kafka" {
		brokers, topic := kafka.GetBrokers(cfg), kafka.GetJobTopic(cfg)
		if err := kafka.EnsureTopic(ctx, brokers, topic); err != nil {
			return err
		}
		r.Kafka, err = jobs.NewKafkaScheduler(jobs.KafkaConfig{Brokers: brokers, Topic: topic, Logger: log})
		if err != nil {
			return err
		}
		scheduler = r.Kafka
	}

	queueCfg := cfg.Queue.ToQueueConfig()
	queueCfg.Store = r.Store
	queueCfg.Scheduler = scheduler
	queueCfg.Logger = log
	if r.Queue, err = jobs.NewQueue(queueCfg); err != nil {
		return fmt.Errorf("error creating job queue: %w", err)
	}

	workerCfg := cfg.Queue.ToWorkerConfig()
	workerCfg.Queue = r.Queue
	workerCfg.Embedder = r.Generator
	workerCfg.SearchCache = r.SearchCache
	workerCfg.Logger = log
	if r.Worker, err = jobs.NewWorker(workerCfg); err != nil {
		return fmt.Errorf("error creating worker: %w", err)
	}

	svcCfg := service.Config{
		Store:               r.Store,
		Queue:               r.Queue,
		Search:              r.Engine,
		Advisor:             r.Advisor,
		KeywordIndex:        indexer,
		CompletionModel:     cfg.Provider.CompletionModel,
		AnswerContextChunks: cfg.Search.AnswerChunks,
		Logger:              log,
	}
	if completer, ok := r.Provider.(llm.CompletionStreamer); ok {
		svcCfg.Completer = completer
	}
	if r.Service, err = service.New(svcCfg); err != nil {
		return fmt.Errorf("error creating service: %w", err)
	}
	return nil
}

func newProvider(ctx context.Context, cfg *config.Config, log hclog.Logger) (llm.EmbeddingProvider, error) {
	p := cfg.Provider
	if p.Name == "mock" {
		return mock.NewProvider().WithModel(p.Model).WithDimensions(p.Dimensions), nil
	}

	factory := llm.NewClientFactory(p.ToFactoryConfig(log))
	provider, err := factory.GetEmbeddingProvider(ctx, p.Name, p.Model)
	if err != nil {
		return nil, fmt.Errorf("error creating embedding provider: %w", err)
	}
	if provider.Dimensions() != p.Dimensions {
		return nil, fmt.Errorf("provider %s returns %d dimensions, config expects %d",
			provider.Name(), provider.Dimensions(), p.Dimensions)
	}
	log.Info("using embedding provider", "provider", provider.Name(), "model", provider.Model())
	return provider, nil
}

func (r *Runtime) newLimiter(ctx context.Context) (*ratelimit.Limiter, error) {
	var store ratelimit.Store = ratelimit.NewGormStore(r.DB)
	if r.Config.RateLimit.Store == "redis" {
		client, err := ratelimit.Connect(ctx, r.Config.Redis.URL, 5, time.Second)
		if err != nil {
			return nil, err
		}
		r.redis = client
		store = ratelimit.NewRedisStore(client, r.Config.Redis.Prefix)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Store:    store,
		Defaults: r.Config.RateLimit.ToLimits(),
		Logger:   r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating rate limiter: %w", err)
	}
	return limiter, nil
}

// Maintain evicts expired cache entries, old rate-limit windows and old
// terminal jobs. Every step runs; failures are aggregated.
func (r *Runtime) Maintain(ctx context.Context) error {
	var result *multierror.Error
	var removed int64

	emb := r.Config.Embeddings
	if n, err := r.EmbeddingCache.Cleanup(ctx, config.Duration(emb.CacheTTL), emb.CacheMaxEntries); err != nil {
		result = multierror.Append(result, err)
	} else {
		removed += n
	}

	if n, err := r.SearchCache.CleanupExpired(ctx); err != nil {
		result = multierror.Append(result, err)
	} else {
		removed += n
	}

	if n, err := r.Limiter.Cleanup(ctx, rateLimitRetention); err != nil {
		result = multierror.Append(result, err)
	} else {
		removed += n
	}

	retainFailed := config.Duration(r.Config.Queue.RetainFailed)
	if retainFailed == 0 {
		retainFailed = DefaultRetainFailed
	}
	if n, err := r.Queue.CleanupFailed(ctx, retainFailed); err != nil {
		result = multierror.Append(result, err)
	} else {
		removed += n
	}

	retainDone := config.Duration(r.Config.Queue.RetainDone)
	if retainDone == 0 {
		retainDone = DefaultRetainCompleted
	}
	if n, err := r.Queue.PurgeCompleted(ctx, retainDone); err != nil {
		result = multierror.Append(result, err)
	} else {
		removed += n
	}

	if pool, err := database.GetPoolStats(r.DB); err == nil {
		r.logger.Debug("maintenance finished",
			"removed", removed,
			"open_conns", pool.OpenConnections,
			"in_use", pool.InUse,
			"wait_count", pool.WaitCount,
			"wait_duration", pool.WaitDuration,
		)
	} else {
		r.logger.Debug("maintenance finished", "removed", removed)
	}
	return result.ErrorOrNil()
}

// Close releases connections and indexes. It is safe on a partly built
// runtime.
func (r *Runtime) Close() {
	if r.Kafka != nil {
		r.Kafka.Close()
	}
	if r.Bleve != nil {
		if err := r.Bleve.Close(); err != nil {
			r.logger.Warn("error closing bleve index", "error", err)
		}
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

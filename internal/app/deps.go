package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"doc-ingest/internal/blob"
	"doc-ingest/internal/cache"
	"doc-ingest/internal/chunker"
	"doc-ingest/internal/config"
	"doc-ingest/internal/embeddings"
	"doc-ingest/internal/events"
	"doc-ingest/internal/httputil"
	"doc-ingest/internal/index"
	"doc-ingest/internal/ingest"
	"doc-ingest/internal/llm"
	"doc-ingest/internal/logger"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/search"
	"doc-ingest/internal/store"
	"doc-ingest/internal/worker"
)

const queryEmbeddingCacheSize = 1024

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Store    store.Store
	Queue    queue.Queue
	Blobs    blob.Store
	Index    index.Index
	Embedder embeddings.Embedder
	LLM      llm.Client
	Cache    cache.Cache
	Events   events.Publisher
	// NATS is nil when EVENTS_URL is empty.
	NATS   *nats.Conn
	Ingest *ingest.Service
	Search *search.Service

	closers []func() error
}

// Build loads env, config, and shared components.
func Build(ctx context.Context) (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return Deps{}, fmt.Errorf("invalid configuration: %w", err)
	}

	d := Deps{Config: cfg, Log: log}
	if err := d.build(ctx); err != nil {
		d.Close()
		return Deps{}, err
	}
	return d, nil
}

func (d *Deps) build(ctx context.Context) error {
	cfg, log := d.Config, d.Log
	var err error

	if d.Store, err = buildStore(ctx, cfg, log); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	d.closers = append(d.closers, d.Store.Close)

	if d.Queue, err = buildQueue(ctx, cfg, log); err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	d.closers = append(d.closers, d.Queue.Close)

	if d.Blobs, err = buildBlobs(ctx, cfg, log); err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	if d.Embedder, err = buildEmbedder(cfg, log); err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}

	if d.Index, err = buildIndex(cfg, log); err != nil {
		return fmt.Errorf("failed to initialize index: %w", err)
	}
	d.closers = append(d.closers, d.Index.Close)
	if err := d.Index.EnsureCollection(ctx, d.Embedder.Dimensions()); err != nil {
		return fmt.Errorf("failed to prepare index collection: %w", err)
	}

	if d.LLM, err = buildLLM(cfg, log); err != nil {
		return fmt.Errorf("failed to initialize LLM: %w", err)
	}

	if d.Cache, err = buildCache(cfg, log); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	d.closers = append(d.closers, d.Cache.Close)

	d.Events = events.Noop{}
	if cfg.EventsURL != "" {
		nc, err := events.Connect(cfg.EventsURL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.NATS = nc
		pub := events.NewNATS(nc, cfg.EventsSubject)
		d.Events = pub
		d.closers = append(d.closers, pub.Close)
		log.Info("publishing document events", "subject", cfg.EventsSubject)
	}

	d.Ingest = ingest.NewService(d.Store, d.Queue, d.Blobs, d.Events, ingest.Options{
		MaxLength:    cfg.QueueMaxLength,
		MaxBodyBytes: cfg.MaxUploadSize,
	}, log)
	queryEmbedder := embeddings.NewCachedEmbedder(d.Embedder, queryEmbeddingCacheSize)
	d.Search = search.New(queryEmbedder, d.Index, d.LLM, d.Cache, cfg.CacheTTL, log)
	return nil
}

// NewWorker builds a document worker from the shared dependencies.
func (d *Deps) NewWorker() *worker.Worker {
	cfg := d.Config
	return worker.New(worker.Deps{
		Store:    d.Store,
		Queue:    d.Queue,
		Blobs:    d.Blobs,
		Embedder: d.Embedder,
		Index:    d.Index,
		Chunker:  chunker.New(chunker.Options{MaxTokens: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}),
		Events:   d.Events,
		Cache:    d.Cache,
	}, worker.Config{
		MaxAttempts:       cfg.MaxAttempts,
		DequeueTimeout:    cfg.DequeueTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		ChunkConcurrency:  cfg.ChunkConcurrency,
	}, d.Log)
}

// NewReaper builds the stale-work reaper.
func (d *Deps) NewReaper() *worker.Reaper {
	cfg := d.Config
	return worker.NewReaper(d.Store, d.Queue, d.Events, worker.ReaperConfig{
		Interval:           cfg.ReaperInterval,
		LeaseTimeout:       cfg.LeaseTimeout,
		StaleDocumentAfter: cfg.StaleDocumentAfter,
		MaxAttempts:        cfg.MaxAttempts,
	}, d.Log)
}

// HealthChecks are the readiness probes for the store, queue and index.
func (d *Deps) HealthChecks() map[string]httputil.Check {
	return map[string]httputil.Check{
		"store": d.Store.Ping,
		"queue": d.Queue.Ping,
		"index": d.Index.Ping,
		"blobs": d.Blobs.Ping,
		"cache": d.Cache.Ping,
	}
}

// Close releases everything Build opened, newest first.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Log.Warn("close failed", "err", err)
		}
	}
}

func buildStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	dsn := cfg.DBURL
	if cfg.StoreProvider == "sqlite" {
		dsn = cfg.SQLitePath
	} else if dsn == "" {
		return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
	}
	db, err := store.Open(ctx, cfg.StoreProvider, dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_PROVIDER %s: %w", cfg.StoreProvider, err)
	}
	log.Info("using document store", "provider", cfg.StoreProvider)
	return db, nil
}

func buildQueue(ctx context.Context, cfg config.Config, log *slog.Logger) (queue.Queue, error) {
	q, err := queue.Open(ctx, cfg.QueueProvider, queue.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.QueuePrefix,
	}, cfg.QueueMaxLength)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER %s: %w", cfg.QueueProvider, err)
	}
	if cfg.QueueProvider == "memory" {
		log.Warn("using in-memory queue; jobs do not survive a restart")
	}
	log.Info("using job queue", "provider", cfg.QueueProvider, "max_length", cfg.QueueMaxLength)
	return q, nil
}

func buildBlobs(ctx context.Context, cfg config.Config, log *slog.Logger) (blob.Store, error) {
	switch cfg.BlobProvider {
	case "filesystem":
		s, err := blob.NewFS(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		log.Info("using filesystem blob store", "dir", cfg.BlobDir)
		return s, nil
	case "minio":
		s, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using MinIO blob store", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		return s, nil
	default:
		return nil, fmt.Errorf("invalid BLOB_PROVIDER: %s (valid options: filesystem, minio)", cfg.BlobProvider)
	}
}

func buildIndex(cfg config.Config, log *slog.Logger) (index.Index, error) {
	switch cfg.IndexProvider {
	case "qdrant":
		idx, err := index.NewQdrant(index.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using Qdrant index", "host", cfg.QdrantHost, "collection", cfg.QdrantCollection)
		return idx, nil
	case "memory":
		log.Warn("using in-memory vector index; vectors do not survive a restart")
		return index.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid INDEX_PROVIDER: %s (valid options: qdrant, memory)", cfg.IndexProvider)
	}
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIKey, openai.ChatModel(cfg.LLMModel))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		log.Info("using OpenAI LLM client", "model", cfg.LLMModel)
		return client, nil
	case "stub":
		log.Info("using stub LLM client")
		return llm.StubClient{}, nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %s (valid options: openai, stub)", cfg.LLMProvider)
	}
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel), cfg.EmbeddingDimensions, cfg.EmbeddingRPS)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
		}
		log.Info("using OpenAI embedder", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embedder, nil
	case "stub":
		log.Info("using stub embedder", "dimensions", cfg.EmbeddingDimensions)
		return embeddings.NewStubEmbedder(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %s (valid options: openai, stub)", cfg.EmbeddingProvider)
	}
}

func buildCache(cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	if !cfg.CacheEnabled {
		return cache.NewNoOpCache(), nil
	}
	if cfg.QueueProvider != "redis" {
		log.Warn("search cache needs Redis; caching disabled")
		return cache.NewNoOpCache(), nil
	}
	c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.QueuePrefix)
	if err != nil {
		return nil, err
	}
	log.Info("search cache enabled", "ttl", cfg.CacheTTL)
	return c, nil
}

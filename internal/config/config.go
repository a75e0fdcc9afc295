package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for every binary.
type Config struct {
	// Server
	Port       int    `env:"PORT" envDefault:"8080"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8081"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres"` // "postgres" or "sqlite" (single node)
	DBURL         string `env:"DB_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/ingest.db"`

	// Queue
	QueueProvider  string `env:"QUEUE_PROVIDER" envDefault:"redis"` // "redis" or "memory" (single process)
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	QueuePrefix    string `env:"QUEUE_PREFIX" envDefault:"ingest"`
	QueueMaxLength int    `env:"QUEUE_MAX_LENGTH" envDefault:"1000"`

	// Workers
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	DequeueTimeout     time.Duration `env:"DEQUEUE_TIMEOUT" envDefault:"2s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	LeaseTimeout       time.Duration `env:"LEASE_TIMEOUT" envDefault:"5m"`
	ReaperInterval     time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	StaleDocumentAfter time.Duration `env:"STALE_DOCUMENT_AFTER" envDefault:"5m"`
	BackoffBase        time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`
	WorkerCount        int           `env:"WORKER_COUNT" envDefault:"4"`
	EmbeddedWorkers    int           `env:"EMBEDDED_WORKERS" envDefault:"0"` // workers run inside the gateway
	ChunkSize          int           `env:"CHUNK_SIZE" envDefault:"400"`
	ChunkOverlap       int           `env:"CHUNK_OVERLAP" envDefault:"80"`
	ChunkConcurrency   int           `env:"CHUNK_CONCURRENCY" envDefault:"4"`

	// Blob storage
	BlobProvider   string `env:"BLOB_PROVIDER" envDefault:"filesystem"` // "filesystem" or "minio"
	BlobDir        string `env:"BLOB_DIR" envDefault:"data/blobs"`
	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"documents"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// Vector index
	IndexProvider    string `env:"INDEX_PROVIDER" envDefault:"qdrant"` // "qdrant" or "memory"
	QdrantHost       string `env:"QDRANT_HOST" envDefault:"localhost"`
	QdrantPort       int    `env:"QDRANT_PORT" envDefault:"6334"`
	QdrantAPIKey     string `env:"QDRANT_API_KEY"`
	QdrantUseTLS     bool   `env:"QDRANT_USE_TLS" envDefault:"false"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"documents"`

	// LLM & Embeddings
	EmbeddingProvider   string  `env:"EMBEDDING_PROVIDER" envDefault:"stub"` // "openai" or "stub" (deterministic, offline)
	EmbeddingModel      string  `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int     `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`
	EmbeddingRPS        float64 `env:"EMBEDDING_RPS" envDefault:"50"`
	LLMProvider         string  `env:"LLM_PROVIDER" envDefault:"stub"` // "openai" (uses OpenAI API) or "stub" (for testing)
	OpenAIKey           string  `env:"OPENAI_API_KEY"`
	LLMModel            string  `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`

	// Events
	EventsURL     string `env:"EVENTS_URL"` // empty disables publishing
	EventsSubject string `env:"EVENTS_SUBJECT" envDefault:"documents"`

	// Search cache
	CacheEnabled bool          `env:"CACHE_ENABLED" envDefault:"false"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"10m"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// Validate rejects provider names and limits no component could run with.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value string
		allow []string
	}{
		{"STORE_PROVIDER", c.StoreProvider, []string{"postgres", "sqlite"}},
		{"QUEUE_PROVIDER", c.QueueProvider, []string{"redis", "memory"}},
		{"BLOB_PROVIDER", c.BlobProvider, []string{"filesystem", "minio"}},
		{"INDEX_PROVIDER", c.IndexProvider, []string{"qdrant", "memory"}},
		{"EMBEDDING_PROVIDER", c.EmbeddingProvider, []string{"openai", "stub"}},
		{"LLM_PROVIDER", c.LLMProvider, []string{"openai", "stub"}},
	}
	for _, ch := range checks {
		if !contains(ch.allow, ch.value) {
			return fmt.Errorf("invalid %s %q (want one of %v)", ch.name, ch.value, ch.allow)
		}
	}
	if c.StoreProvider == "postgres" && c.DBURL == "" {
		return fmt.Errorf("DB_URL is required for postgres store")
	}
	if c.QueueMaxLength <= 0 {
		return fmt.Errorf("QUEUE_MAX_LENGTH must be positive, got %d", c.QueueMaxLength)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.HeartbeatInterval >= c.LeaseTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than LEASE_TIMEOUT (%s)", c.HeartbeatInterval, c.LeaseTimeout)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

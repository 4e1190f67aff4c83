// Package config provides configuration loading for indexd.
//
// Configuration is read from an optional YAML file and overlaid with
// INDEXD_* environment variables. Every component receives its own typed
// section; nothing reads settings ambiently.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete indexd configuration.
type Config struct {
	Server       ServerConfig                 `koanf:"server"`
	Logging      LoggingConfig                `koanf:"logging"`
	Telemetry    TelemetryConfig              `koanf:"telemetry"`
	Site         SiteConfig                   `koanf:"site"`
	Source       SourceConfig                 `koanf:"source"`
	Scheduler    SchedulerConfig              `koanf:"scheduler"`
	NATS         NATSConfig                   `koanf:"nats"`
	Worker       WorkerConfig                 `koanf:"worker"`
	ContentTypes map[string]ContentTypeConfig `koanf:"content_types"`
	Embedding    EmbeddingConfig              `koanf:"embedding"`
	VectorStore  VectorStoreConfig            `koanf:"vector_store"`
	Status       StatusConfig                 `koanf:"status"`
	Redaction    RedactionConfig              `koanf:"redaction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig is the file-facing subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the file-facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// SiteConfig identifies the tenant whose content is indexed. The vector
// collection name is derived from it.
type SiteConfig struct {
	ID  int    `koanf:"id"`
	URL string `koanf:"url"`
}

// SourceConfig points at the content repository.
type SourceConfig struct {
	Root  string `koanf:"root"`
	Watch bool   `koanf:"watch"`
}

// SchedulerConfig selects and tunes the job scheduler.
type SchedulerConfig struct {
	Provider string                  `koanf:"provider"` // memory | temporal
	Memory   MemorySchedulerConfig   `koanf:"memory"`
	Temporal TemporalSchedulerConfig `koanf:"temporal"`
}

// MemorySchedulerConfig tunes the in-process scheduler.
type MemorySchedulerConfig struct {
	Workers int `koanf:"workers"`
}

// TemporalSchedulerConfig configures the Temporal client and worker.
type TemporalSchedulerConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// NATSConfig configures the NATS trigger subscription.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Queue   string `koanf:"queue"`
}

// WorkerConfig tunes job execution.
type WorkerConfig struct {
	BatchSize   int      `koanf:"batch_size"`
	TimeBudget  Duration `koanf:"time_budget"`
	MaxAttempts int      `koanf:"max_attempts"`
}

// ContentTypeConfig is the per content type indexing setup.
type ContentTypeConfig struct {
	Enabled          bool             `koanf:"enabled"`
	ChunkingStrategy string           `koanf:"chunking_strategy"`
	ChunkingSettings ChunkingSettings `koanf:"chunking_settings"`
}

// ChunkingSettings are the window parameters of a chunking strategy.
type ChunkingSettings struct {
	ChunkSize int `koanf:"chunk_size"`
	Overlap   int `koanf:"overlap"`
}

// EmbeddingConfig selects the active embedding provider.
type EmbeddingConfig struct {
	Provider  string          `koanf:"provider"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Ollama    OllamaConfig    `koanf:"ollama"`
	FastEmbed FastEmbedConfig `koanf:"fastembed"`
	TEI       TEIConfig       `koanf:"tei"`
}

// OpenAIConfig configures the OpenAI-compatible batch provider.
type OpenAIConfig struct {
	APIKey     Secret `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions"`
}

// OllamaConfig configures the Ollama single-prompt provider.
type OllamaConfig struct {
	Endpoint     string   `koanf:"endpoint"`
	Model        string   `koanf:"model"`
	Dimensions   int      `koanf:"dimensions"`
	RequestDelay Duration `koanf:"request_delay"`
	APIKey       Secret   `koanf:"api_key"`
}

// FastEmbedConfig configures the in-process ONNX provider.
type FastEmbedConfig struct {
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`

	// RuntimeDir holds a managed ONNX runtime when ONNX_PATH is unset.
	RuntimeDir     string `koanf:"runtime_dir"`
	InstallRuntime bool   `koanf:"install_runtime"`
}

// TEIConfig configures a text-embeddings-inference server.
type TEIConfig struct {
	BaseURL    string `koanf:"base_url"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions"`
}

// VectorStoreConfig selects the active vector store.
type VectorStoreConfig struct {
	Provider string             `koanf:"provider"`
	Distance string             `koanf:"distance"`
	Qdrant   QdrantConfig       `koanf:"qdrant"`
	SQLite   SQLiteConfig       `koanf:"sqlite"`
	Chromem  ChromemStoreConfig `koanf:"chromem"`
}

// QdrantConfig covers both the REST and the gRPC Qdrant backends.
type QdrantConfig struct {
	URL      string   `koanf:"url"`
	APIKey   Secret   `koanf:"api_key"`
	GRPCHost string   `koanf:"grpc_host"`
	GRPCPort int      `koanf:"grpc_port"`
	Timeout  Duration `koanf:"timeout"`
}

// SQLiteConfig configures the embedded relational vector store.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// ChromemStoreConfig configures the embedded chromem store.
type ChromemStoreConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// StatusConfig locates the status database.
type StatusConfig struct {
	Path string `koanf:"path"`
}

// RedactionConfig controls secret scrubbing of chunk text before embedding.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Site.ID == 0 {
		cfg.Site.ID = 1
	}
	if cfg.Site.URL == "" {
		cfg.Site.URL = "http://localhost"
	}

	if cfg.Source.Root == "" {
		cfg.Source.Root = "./content"
	}

	if cfg.Scheduler.Provider == "" {
		cfg.Scheduler.Provider = "memory"
	}
	if cfg.Scheduler.Memory.Workers == 0 {
		cfg.Scheduler.Memory.Workers = 4
	}
	if cfg.Scheduler.Temporal.HostPort == "" {
		cfg.Scheduler.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Scheduler.Temporal.Namespace == "" {
		cfg.Scheduler.Temporal.Namespace = "default"
	}
	if cfg.Scheduler.Temporal.TaskQueue == "" {
		cfg.Scheduler.Temporal.TaskQueue = "indexd"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "indexd.content.events"
	}
	if cfg.NATS.Queue == "" {
		cfg.NATS.Queue = "indexd"
	}

	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 3
	}
	if cfg.Worker.TimeBudget == 0 {
		cfg.Worker.TimeBudget = Duration(15 * time.Second)
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 4
	}

	if len(cfg.ContentTypes) == 0 {
		cfg.ContentTypes = map[string]ContentTypeConfig{
			"post":       {Enabled: true, ChunkingStrategy: "paragraph", ChunkingSettings: ChunkingSettings{ChunkSize: 3}},
			"page":       {Enabled: true, ChunkingStrategy: "paragraph", ChunkingSettings: ChunkingSettings{ChunkSize: 3}},
			"attachment": {Enabled: true, ChunkingStrategy: "page"},
		}
	}

	if cfg.Embedding.OpenAI.Model == "" {
		cfg.Embedding.OpenAI.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Ollama.Endpoint == "" {
		cfg.Embedding.Ollama.Endpoint = "http://localhost:11434"
	}
	if cfg.Embedding.Ollama.Model == "" {
		cfg.Embedding.Ollama.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Ollama.RequestDelay == 0 {
		cfg.Embedding.Ollama.RequestDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Embedding.FastEmbed.Model == "" {
		cfg.Embedding.FastEmbed.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embedding.TEI.BaseURL == "" {
		cfg.Embedding.TEI.BaseURL = "http://localhost:8080"
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "sqlite"
	}
	if cfg.VectorStore.Distance == "" {
		cfg.VectorStore.Distance = "Cosine"
	}
	if cfg.VectorStore.Qdrant.URL == "" {
		cfg.VectorStore.Qdrant.URL = "http://localhost:6333"
	}
	if cfg.VectorStore.Qdrant.GRPCHost == "" {
		cfg.VectorStore.Qdrant.GRPCHost = "localhost"
	}
	if cfg.VectorStore.Qdrant.GRPCPort == 0 {
		cfg.VectorStore.Qdrant.GRPCPort = 6334
	}
	if cfg.VectorStore.Qdrant.Timeout == 0 {
		cfg.VectorStore.Qdrant.Timeout = Duration(30 * time.Second)
	}
	if cfg.VectorStore.SQLite.Path == "" {
		cfg.VectorStore.SQLite.Path = "./data/vectors.db"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "./data/chromem"
	}

	if cfg.Status.Path == "" {
		cfg.Status.Path = "./data/status.db"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if _, err := url.ParseRequestURI(c.Site.URL); err != nil {
		return fmt.Errorf("invalid site url %q: %w", c.Site.URL, err)
	}

	switch c.Scheduler.Provider {
	case "memory", "temporal":
	default:
		return fmt.Errorf("unsupported scheduler provider: %s (supported: memory, temporal)", c.Scheduler.Provider)
	}
	if c.Scheduler.Memory.Workers < 1 {
		return fmt.Errorf("scheduler workers must be >= 1, got %d", c.Scheduler.Memory.Workers)
	}

	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker batch size must be >= 1, got %d", c.Worker.BatchSize)
	}
	if c.Worker.TimeBudget.Duration() <= 0 {
		return errors.New("worker time budget must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker max attempts must be >= 1, got %d", c.Worker.MaxAttempts)
	}

	for name, ct := range c.ContentTypes {
		if ct.ChunkingSettings.ChunkSize < 0 || ct.ChunkingSettings.Overlap < 0 {
			return fmt.Errorf("content type %s: chunking settings must not be negative", name)
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}

	return nil
}

// ContentType returns the configuration of a content type and whether it
// is known at all.
func (c *Config) ContentType(name string) (ContentTypeConfig, bool) {
	ct, ok := c.ContentTypes[name]
	return ct, ok
}

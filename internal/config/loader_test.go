package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Scheduler.Provider)
	assert.Equal(t, 3, cfg.Worker.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Worker.TimeBudget.Duration())
	assert.Equal(t, 4, cfg.Worker.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.VectorStore.Provider)

	post, ok := cfg.ContentType("post")
	require.True(t, ok)
	assert.True(t, post.Enabled)
	assert.Equal(t, "paragraph", post.ChunkingStrategy)
	assert.Equal(t, 3, post.ChunkingSettings.ChunkSize)

	att, ok := cfg.ContentType("attachment")
	require.True(t, ok)
	assert.Equal(t, "page", att.ChunkingStrategy)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8088
site:
  id: 7
  url: https://blog.example.com
worker:
  batch_size: 5
  time_budget: 30s
content_types:
  post:
    enabled: true
    chunking_strategy: sentence
    chunking_settings:
      chunk_size: 4
  link:
    enabled: false
embedding:
  provider: ollama
  ollama:
    model: all-minilm
    dimensions: 384
vector_store:
  provider: qdrant
  qdrant:
    url: http://qdrant:6333
    api_key: s3cret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Site.ID)
	assert.Equal(t, "https://blog.example.com", cfg.Site.URL)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Worker.TimeBudget.Duration())

	post, ok := cfg.ContentType("post")
	require.True(t, ok)
	assert.Equal(t, "sentence", post.ChunkingStrategy)
	assert.Equal(t, 4, post.ChunkingSettings.ChunkSize)

	link, ok := cfg.ContentType("link")
	require.True(t, ok)
	assert.False(t, link.Enabled)

	_, ok = cfg.ContentType("page")
	assert.False(t, ok, "explicit content_types replace the defaults")

	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "all-minilm", cfg.Embedding.Ollama.Model)
	assert.Equal(t, 384, cfg.Embedding.Ollama.Dimensions)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "s3cret", cfg.VectorStore.Qdrant.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.VectorStore.Qdrant.APIKey.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8088
embedding:
  provider: openai
`)
	t.Setenv("INDEXD_SERVER_PORT", "7070")
	t.Setenv("INDEXD_EMBEDDING_OPENAI_API_KEY", "sk-test")
	t.Setenv("INDEXD_VECTOR_STORE_PROVIDER", "chromem")
	t.Setenv("INDEXD_SCHEDULER_TEMPORAL_HOST_PORT", "temporal:7233")
	t.Setenv("INDEXD_WORKER_TIME_BUDGET", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Embedding.OpenAI.APIKey.Value())
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "temporal:7233", cfg.Scheduler.Temporal.HostPort)
	assert.Equal(t, 5*time.Second, cfg.Worker.TimeBudget.Duration())
}

func TestLoad_RejectsOversizedFile(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  provider: cron
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheduler provider")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"INDEXD_SERVER_PORT":                                     "server.port",
		"INDEXD_SERVER_SHUTDOWN_TIMEOUT":                         "server.shutdown_timeout",
		"INDEXD_WORKER_MAX_ATTEMPTS":                             "worker.max_attempts",
		"INDEXD_EMBEDDING_PROVIDER":                              "embedding.provider",
		"INDEXD_EMBEDDING_OPENAI_BASE_URL":                       "embedding.openai.base_url",
		"INDEXD_VECTOR_STORE_QDRANT_GRPC_PORT":                   "vector_store.qdrant.grpc_port",
		"INDEXD_VECTOR_STORE_DISTANCE":                           "vector_store.distance",
		"INDEXD_CONTENT_TYPES_POST_ENABLED":                      "content_types.post.enabled",
		"INDEXD_CONTENT_TYPES_POST_CHUNKING_STRATEGY":            "content_types.post.chunking_strategy",
		"INDEXD_CONTENT_TYPES_PAGE_CHUNKING_SETTINGS_CHUNK_SIZE": "content_types.page.chunking_settings.chunk_size",
		"INDEXD_REDACTION_ALLOWLIST_PATH":                        "redaction.allowlist_path",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, envKey(in))
		})
	}
}

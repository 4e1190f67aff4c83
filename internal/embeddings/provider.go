// Package embeddings turns chunk text into vectors through pluggable
// providers: OpenAI-compatible batch APIs, Ollama, HuggingFace TEI and an
// in-process FastEmbed ONNX model.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig is a terminal configuration problem.
	ErrInvalidConfig = fmt.Errorf("invalid embedding configuration: %w", content.ErrConfiguration)

	// ErrEmbeddingFailed covers network, auth and response-format failures.
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed: %w", content.ErrProvider)
)

// Provider generates one vector per input text, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the length of every vector the provider returns.
	Dimension() int
	Model() string
	TestConnection(ctx context.Context) error
	Close() error
}

// Provider names accepted by NewProvider.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderFastEmbed = "fastembed"
	ProviderTEI       = "tei"
)

// ProviderConfig selects a provider and carries the settings of each.
type ProviderConfig struct {
	Provider  string
	OpenAI    OpenAIConfig
	Ollama    OllamaConfig
	FastEmbed FastEmbedConfig
	TEI       TEIConfig

	// Logger receives metric registration warnings. Optional.
	Logger *zap.Logger
}

// NewProvider builds the configured provider, instrumented with metrics.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(cfg.OpenAI)
	case ProviderOllama:
		p, err = NewOllamaProvider(cfg.Ollama)
	case ProviderFastEmbed:
		p, err = NewFastEmbedProvider(cfg.FastEmbed)
	case ProviderTEI:
		p, err = NewTEIProvider(cfg.TEI)
	case "":
		return nil, fmt.Errorf("%w: no embedding provider configured", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return Instrument(p, NewMetrics(logger)), nil
}

// detectDimensionFromModel guesses the vector size of a model by name.
// Falls back to 384.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"), strings.Contains(m, "nomic"):
		return 768
	default:
		return 384
	}
}

// fastEmbedDimensions lists the models fastembed-go ships, under both
// their hub names and fastembed's own names.
var fastEmbedDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
}

func fastEmbedModelDimension(model string) (int, bool) {
	dim, ok := fastEmbedDimensions[model]
	return dim, ok
}

// probe is the text embedded by TestConnection implementations.
const probe = "connection test"

func checkBatch(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at position %d", ErrEmbeddingFailed, i)
		}
	}
	return nil
}

package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// openAIMaxBatch is the largest input array the embeddings endpoint accepts.
const openAIMaxBatch = 2048

var openAIDimensions = map[string]int{
	string(openai.SmallEmbedding3): 1536,
	string(openai.LargeEmbedding3): 3072,
	string(openai.AdaEmbeddingV2):  1536,
}

// OpenAIConfig configures the OpenAI-compatible batch provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible server. Empty means api.openai.com.
	BaseURL string
	Model   string
	// Dimensions overrides the model's native size. text-embedding-3 models
	// are asked to shorten their output to match.
	Dimensions int

	HTTPClient *http.Client
}

// OpenAIProvider embeds texts in batches through the /embeddings endpoint.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
	shorten   int
}

// NewOpenAIProvider validates cfg and builds a client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: openai api key required", ErrInvalidConfig)
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %d", ErrInvalidConfig, cfg.Dimensions)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	p := &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: cfg.Dimensions,
	}
	if p.dimension == 0 {
		if dim, ok := openAIDimensions[cfg.Model]; ok {
			p.dimension = dim
		} else {
			p.dimension = detectDimensionFromModel(cfg.Model)
		}
	} else if strings.HasPrefix(cfg.Model, "text-embedding-3") {
		p.shorten = cfg.Dimensions
	}
	return p, nil
}

// Embed sends texts in slices of at most openAIMaxBatch and restores input
// order from each response item's index.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIMaxBatch {
		end := min(start+openAIMaxBatch, len(texts))
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.shorten,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: response index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	if err := checkBatch(texts, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *OpenAIProvider) Dimension() int { return p.dimension }

func (p *OpenAIProvider) Model() string { return p.model }

// TestConnection embeds a probe string.
func (p *OpenAIProvider) TestConnection(ctx context.Context) error {
	_, err := p.embedBatch(ctx, []string{probe})
	return err
}

func (p *OpenAIProvider) Close() error { return nil }

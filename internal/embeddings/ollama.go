package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	ollamaDefaultModel     = "nomic-embed-text"
	ollamaDefaultDimension = 768
	ollamaAttempts         = 2
	ollamaBackoff          = 250 * time.Millisecond
	ollamaMaxBackoff       = 500 * time.Millisecond
	ollamaTimeout          = 60 * time.Second
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	Endpoint   string
	Model      string
	Dimensions int
	// RequestDelay is the minimum spacing between embedding calls.
	RequestDelay time.Duration
	// APIKey is sent as a bearer token for proxied deployments.
	APIKey string

	HTTPClient *http.Client
}

// OllamaProvider embeds one text per /api/embeddings call, spacing calls
// by RequestDelay and retrying each call once.
type OllamaProvider struct {
	endpoint  string
	model     string
	dimension int
	apiKey    string
	client    *http.Client
	limiter   *rate.Limiter
	backoff   time.Duration
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaProvider validates cfg and applies defaults.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: ollama endpoint required", ErrInvalidConfig)
	}
	if cfg.RequestDelay < 0 {
		return nil, fmt.Errorf("%w: negative request delay", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = ollamaDefaultDimension
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: ollamaTimeout}
	}

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &OllamaProvider{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimensions,
		apiKey:    cfg.APIKey,
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		backoff:   ollamaBackoff,
	}, nil
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		vec, err := p.embedWithRetry(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (p *OllamaProvider) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	delay := p.backoff
	var lastErr error
	for attempt := 1; attempt <= ollamaAttempts; attempt++ {
		vec, err := p.embedOne(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if attempt == ollamaAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, ollamaMaxBackoff)
	}
	return nil, lastErr
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: response has no embedding", ErrEmbeddingFailed)
	}
	return out.Embedding, nil
}

func (p *OllamaProvider) Dimension() int { return p.dimension }

func (p *OllamaProvider) Model() string { return p.model }

// TestConnection embeds a probe without the inter-call delay.
func (p *OllamaProvider) TestConnection(ctx context.Context) error {
	_, err := p.embedOne(ctx, probe)
	return err
}

func (p *OllamaProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

//go:build !cgo

package embeddings

import (
	"context"
	"fmt"
)

// FastEmbedConfig holds configuration for the FastEmbed provider.
type FastEmbedConfig struct {
	Model          string
	CacheDir       string
	MaxLength      int
	RuntimeDir     string
	InstallRuntime bool
}

// FastEmbedProvider is unavailable in builds without cgo.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always fails: the ONNX runtime needs cgo.
func NewFastEmbedProvider(_ FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, fmt.Errorf("%w: fastembed requires a cgo build, use the tei or ollama provider", ErrInvalidConfig)
}

func (p *FastEmbedProvider) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: fastembed unavailable", ErrInvalidConfig)
}

func (p *FastEmbedProvider) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("%w: fastembed unavailable", ErrInvalidConfig)
}

func (p *FastEmbedProvider) Dimension() int { return 0 }

func (p *FastEmbedProvider) Model() string { return "" }

func (p *FastEmbedProvider) TestConnection(_ context.Context) error {
	return fmt.Errorf("%w: fastembed unavailable", ErrInvalidConfig)
}

func (p *FastEmbedProvider) Close() error { return nil }

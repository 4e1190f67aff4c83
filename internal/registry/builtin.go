package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/extraction"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// Builtin returns a registry holding every built-in strategy, with the
// provider and store selected by cfg.
func Builtin(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := New(logger)

	for _, e := range extraction.Builtin() {
		if err := r.RegisterExtractor(e); err != nil {
			return nil, err
		}
	}
	for _, c := range chunking.Builtin() {
		if err := r.RegisterChunker(c); err != nil {
			return nil, err
		}
	}

	pc := ProviderConfig(cfg, logger)
	for _, name := range []string{embeddings.ProviderOpenAI, embeddings.ProviderOllama, embeddings.ProviderFastEmbed, embeddings.ProviderTEI} {
		err := r.RegisterProvider(name, func(context.Context) (embeddings.Provider, error) {
			c := pc
			c.Provider = name
			return embeddings.NewProvider(c)
		})
		if err != nil {
			return nil, err
		}
	}

	sc, err := StoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{vectorstore.ProviderQdrant, vectorstore.ProviderQdrantGRPC, vectorstore.ProviderSQLite, vectorstore.ProviderChromem} {
		err := r.RegisterStore(name, func(ctx context.Context) (vectorstore.Store, error) {
			c := sc
			c.Provider = name
			return vectorstore.NewStore(ctx, c, logger)
		})
		if err != nil {
			return nil, err
		}
	}

	// Unknown backend names stay unselected and surface as configuration
	// errors when a job first needs them.
	provider, store := cfg.Embedding.Provider, cfg.VectorStore.Provider
	if err := r.Use(provider, ""); err != nil {
		logger.Warn("embedding provider unavailable", zap.String("provider", provider), zap.Error(err))
		provider = ""
	}
	if err := r.Use(provider, store); err != nil {
		logger.Warn("vector store unavailable", zap.String("store", store), zap.Error(err))
		_ = r.Use(provider, "")
	}
	return r, nil
}

// ProviderConfig maps the embedding section of cfg to the provider config.
func ProviderConfig(cfg *config.Config, logger *zap.Logger) embeddings.ProviderConfig {
	e := cfg.Embedding
	return embeddings.ProviderConfig{
		Provider: e.Provider,
		OpenAI: embeddings.OpenAIConfig{
			APIKey:     e.OpenAI.APIKey.Value(),
			BaseURL:    e.OpenAI.BaseURL,
			Model:      e.OpenAI.Model,
			Dimensions: e.OpenAI.Dimensions,
		},
		Ollama: embeddings.OllamaConfig{
			Endpoint:     e.Ollama.Endpoint,
			Model:        e.Ollama.Model,
			Dimensions:   e.Ollama.Dimensions,
			RequestDelay: e.Ollama.RequestDelay.Duration(),
			APIKey:       e.Ollama.APIKey.Value(),
		},
		FastEmbed: embeddings.FastEmbedConfig{
			Model:          e.FastEmbed.Model,
			CacheDir:       e.FastEmbed.CacheDir,
			RuntimeDir:     e.FastEmbed.RuntimeDir,
			InstallRuntime: e.FastEmbed.InstallRuntime,
		},
		TEI: embeddings.TEIConfig{
			BaseURL:    e.TEI.BaseURL,
			Model:      e.TEI.Model,
			Dimensions: e.TEI.Dimensions,
		},
		Logger: logger,
	}
}

// StoreConfig maps the vector store section of cfg to the store config.
func StoreConfig(cfg *config.Config) (vectorstore.Config, error) {
	v := cfg.VectorStore
	sc := vectorstore.Config{
		Provider: v.Provider,
		Qdrant: vectorstore.RESTConfig{
			URL:      v.Qdrant.URL,
			APIKey:   v.Qdrant.APIKey.Value(),
			Distance: v.Distance,
			Timeout:  v.Qdrant.Timeout.Duration(),
		},
		GRPC: vectorstore.QdrantConfig{
			Host:   v.Qdrant.GRPCHost,
			Port:   v.Qdrant.GRPCPort,
			APIKey: v.Qdrant.APIKey.Value(),
		},
		SQLite:  vectorstore.SQLiteConfig{Path: v.SQLite.Path},
		Chromem: vectorstore.ChromemConfig{Path: v.Chromem.Path, Compress: v.Chromem.Compress},
	}
	if v.Distance != "" {
		d, err := vectorstore.ParseDistance(v.Distance)
		if err != nil {
			return sc, fmt.Errorf("vector store distance: %w", err)
		}
		sc.GRPC.Distance = d
	}
	return sc, nil
}

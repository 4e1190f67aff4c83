package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by NewStore.
const (
	ProviderQdrant     = "qdrant"
	ProviderQdrantGRPC = "qdrant-grpc"
	ProviderSQLite     = "sqlite"
	ProviderChromem    = "chromem"
)

// Config selects and configures one backend.
type Config struct {
	Provider string
	Qdrant   RESTConfig
	GRPC     QdrantConfig
	SQLite   SQLiteConfig
	Chromem  ChromemConfig
}

// NewStore creates the Store named by cfg.Provider:
//   - "qdrant": Qdrant REST API
//   - "qdrant-grpc": Qdrant native gRPC API (connects immediately)
//   - "sqlite": embedded SQLite file
//   - "chromem": embedded chromem-go directory
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("vectorstore")

	switch cfg.Provider {
	case ProviderQdrant:
		return NewRESTStore(cfg.Qdrant, logger)
	case ProviderQdrantGRPC:
		return NewQdrantStore(cfg.GRPC, logger)
	case ProviderSQLite:
		return NewSQLiteStore(ctx, cfg.SQLite, logger)
	case ProviderChromem:
		return NewChromemStore(cfg.Chromem, logger)
	case "":
		return nil, fmt.Errorf("%w: no vector store configured", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unsupported vector store provider %q (supported: qdrant, qdrant-grpc, sqlite, chromem)", ErrInvalidConfig, cfg.Provider)
	}
}

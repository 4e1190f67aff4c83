package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/status"
)

// Pusher submits index jobs. Implemented by queue.Queue.
type Pusher interface {
	Push(ctx context.Context, contentID int64, contentType string, op content.Operation) (string, error)
}

// StatusReader is the read side of status.Store.
type StatusReader interface {
	Get(ctx context.Context, ref content.Ref) (*content.StatusRecord, error)
	Stats(ctx context.Context) (status.Stats, error)
	ListByStatus(ctx context.Context, st content.Status, limit int) ([]content.StatusRecord, error)
}

// Retrier re-queues failed items. Implemented by retry.Manager.
type Retrier interface {
	RetryNow(ctx context.Context, ref content.Ref) (string, error)
	RetryAllFailed(ctx context.Context) (int, error)
}

// Searcher answers similarity queries. Implemented by search.Searcher.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filter content.Filter) []content.ScoredPoint
}

// Deps are the services the tools call.
type Deps struct {
	Queue   Pusher
	Status  StatusReader
	Retries Retrier
	Search  Searcher
}

// Server is an MCP server over the indexing services.
type Server struct {
	mcp          *mcp.Server
	deps         Deps
	toolRegistry *ToolRegistry
	metrics      *toolMetrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "indexd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "indexd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if deps.Retries == nil {
		return nil, fmt.Errorf("retry manager is required")
	}
	if deps.Search == nil {
		return nil, fmt.Errorf("searcher is required")
	}

	logger := cfg.Logger.Named("mcp")
	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:         deps,
		toolRegistry: NewToolRegistry(),
		metrics:      newToolMetrics(nil, logger),
		logger:       logger,
	}
	s.registerTools()
	return s, nil
}

// Tools returns the registry of exposed tools.
func (s *Server) Tools() *ToolRegistry { return s.toolRegistry }

// Run serves the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// addTool registers a tool with the SDK and the discovery registry, and
// wraps its handler with metrics and logging.
func addTool[In, Out any](s *Server, meta ToolMetadata, h mcp.ToolHandlerFor[In, Out]) {
	s.toolRegistry.Register(&meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.track(ctx, meta.Name, meta.Category)
		res, out, err := h(ctx, req, args)
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", meta.Name), zap.Error(err))
		}
		return res, out, err
	})
}

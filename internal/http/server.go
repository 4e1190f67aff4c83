// Package http provides the indexd HTTP API: content triggers, status
// inspection, retries, search and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"github.com/fyrsmithlabs/indexd/internal/secrets"
	"github.com/fyrsmithlabs/indexd/internal/status"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
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

// Backends resolves the active provider and store. Implemented by
// registry.Registry.
type Backends interface {
	Provider(ctx context.Context) (embeddings.Provider, error)
	Store(ctx context.Context) (vectorstore.Store, error)
	Active() (provider, store string)
}

// Redactor previews secret redaction. Implemented by secrets.Redactor.
type Redactor interface {
	Redact(text string) (string, []secrets.Finding)
}

// Deps are the services behind the API. Redactor and Gatherer are
// optional.
type Deps struct {
	Queue    Pusher
	Status   StatusReader
	Retries  Retrier
	Search   Searcher
	Backends Backends
	Redactor Redactor
	Gatherer prometheus.Gatherer
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints of indexd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// defaultFailedLimit caps GET /v1/failed without an explicit limit.
const defaultFailedLimit = 100

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Queue == nil || deps.Status == nil || deps.Retries == nil || deps.Search == nil || deps.Backends == nil {
		return nil, fmt.Errorf("queue, status, retries, search and backends are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9090,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(nil, logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))

			err := next(c)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", id),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	metricsHandler := promhttp.Handler()
	if s.deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))

	v1 := s.echo.Group("/v1")
	v1.POST("/content/:type/:id", s.handlePush(content.OpUpdate))
	v1.DELETE("/content/:type/:id", s.handlePush(content.OpDelete))
	v1.GET("/status/:type/:id", s.handleStatus)
	v1.GET("/stats", s.handleStats)
	v1.GET("/failed", s.handleFailed)
	v1.POST("/retry/:type/:id", s.handleRetry)
	v1.POST("/retry", s.handleRetryAll)
	v1.POST("/search", s.handleSearch)
	v1.GET("/connections", s.handleConnections)
	if s.deps.Redactor != nil {
		v1.POST("/redact", s.handleRedact)
	}
}

// Echo exposes the router, for mounting extra routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

func refParam(c echo.Context) (content.Ref, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return content.Ref{}, echo.NewHTTPError(http.StatusBadRequest, "content id must be an integer")
	}
	ref := content.Ref{ID: id, Type: c.Param("type")}
	if err := ref.Validate(); err != nil {
		return content.Ref{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ref, nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handlePush(op content.Operation) echo.HandlerFunc {
	return func(c echo.Context) error {
		ref, err := refParam(c)
		if err != nil {
			return err
		}
		id, err := s.deps.Queue.Push(c.Request().Context(), ref.ID, ref.Type, op)
		if err != nil {
			s.logger.Error("push failed", zap.Stringer("content", ref), zap.Error(err))
			return echo.NewHTTPError(http.StatusServiceUnavailable, "job could not be queued")
		}
		return c.JSON(http.StatusAccepted, PushResponse{
			Ref:       ref,
			Operation: string(op),
			JobID:     id,
			Duplicate: id == "",
		})
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	ref, err := refParam(c)
	if err != nil {
		return err
	}
	rec, err := s.deps.Status.Get(c.Request().Context(), ref)
	if errors.Is(err, status.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no status for "+ref.String())
	}
	if err != nil {
		return s.internal("reading status", err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.deps.Status.Stats(c.Request().Context())
	if err != nil {
		return s.internal("reading stats", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleFailed(c echo.Context) error {
	limit := defaultFailedLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	items, err := s.deps.Status.ListByStatus(c.Request().Context(), content.StatusFailed, limit)
	if err != nil {
		return s.internal("listing failed items", err)
	}
	if items == nil {
		items = []content.StatusRecord{}
	}
	return c.JSON(http.StatusOK, FailedResponse{Items: items})
}

func (s *Server) handleRetry(c echo.Context) error {
	ref, err := refParam(c)
	if err != nil {
		return err
	}
	id, err := s.deps.Retries.RetryNow(c.Request().Context(), ref)
	switch {
	case errors.Is(err, status.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no status for "+ref.String())
	case errors.Is(err, status.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, ref.String()+" is being processed")
	case err != nil:
		return s.internal("retrying", err)
	}
	return c.JSON(http.StatusAccepted, PushResponse{
		Ref:       ref,
		Operation: string(content.OpUpdate),
		JobID:     id,
		Duplicate: id == "",
	})
}

func (s *Server) handleRetryAll(c echo.Context) error {
	n, err := s.deps.Retries.RetryAllFailed(c.Request().Context())
	resp := RetryAllResponse{Requeued: n}
	if err != nil {
		s.logger.Warn("retry all failed items", zap.Int("requeued", n), zap.Error(err))
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
	}
	results := s.deps.Search.Search(c.Request().Context(), req.Query, req.Limit, content.Filter{
		ContentID:   req.ContentID,
		ContentType: req.ContentType,
	})
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleConnections(c echo.Context) error {
	ctx := c.Request().Context()
	providerName, storeName := s.deps.Backends.Active()

	resp := ConnectionsResponse{
		Embedding:   ConnectionStatus{Backend: providerName},
		VectorStore: ConnectionStatus{Backend: storeName},
	}
	if p, err := s.deps.Backends.Provider(ctx); err != nil {
		resp.Embedding.Error = err.Error()
	} else if err := p.TestConnection(ctx); err != nil {
		resp.Embedding.Error = err.Error()
	} else {
		resp.Embedding.OK = true
		resp.Embedding.Model = p.Model()
		resp.Embedding.Dimensions = p.Dimension()
	}
	if st, err := s.deps.Backends.Store(ctx); err != nil {
		resp.VectorStore.Error = err.Error()
	} else if err := st.TestConnection(ctx); err != nil {
		resp.VectorStore.Error = err.Error()
	} else {
		resp.VectorStore.OK = true
	}

	code := http.StatusOK
	if !resp.Embedding.OK || !resp.VectorStore.OK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// handleRedact shows what the indexing pipeline would redact from text.
func (s *Server) handleRedact(c echo.Context) error {
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	text, findings := s.deps.Redactor.Redact(req.Content)
	s.logger.Debug("redacted content", zap.Int("findings", len(findings)))
	return c.JSON(http.StatusOK, RedactResponse{
		Content:  text,
		Findings: secrets.Summarize(findings),
	})
}

func (s *Server) internal(what string, err error) error {
	s.logger.Error(what, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, what+" failed")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

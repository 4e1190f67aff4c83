// Package search answers similarity queries against a site's collection.
package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 5

// Result classes recorded in metrics.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultEmpty = "empty"
	resultError = "error"
)

// Backends resolves the active provider and store. Implemented by
// registry.Registry.
type Backends interface {
	Provider(ctx context.Context) (embeddings.Provider, error)
	Store(ctx context.Context) (vectorstore.Store, error)
}

// Searcher runs queries for one site.
type Searcher struct {
	backends   Backends
	collection string
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a searcher over the collection of siteID/siteURL.
func New(b Backends, siteID int, siteURL string, m *metrics.Metrics, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		backends:   b,
		collection: vectorstore.CollectionName(siteID, siteURL),
		metrics:    m,
		logger:     logger.Named("search"),
	}
}

// Search embeds query and returns the nearest chunks as stored. A blank
// query returns nothing without touching any backend. Failures are logged
// and yield an empty result.
func (s *Searcher) Search(ctx context.Context, query string, limit int, filter content.Filter) []content.ScoredPoint {
	if strings.TrimSpace(query) == "" {
		s.metrics.RecordSearch(resultEmpty)
		return []content.ScoredPoint{}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	results, err := s.search(ctx, query, limit, filter)
	if err != nil {
		s.logger.Error("search failed", zap.Int("query_len", len(query)), zap.Error(err))
		s.metrics.RecordSearch(resultError)
		return []content.ScoredPoint{}
	}
	if len(results) == 0 {
		s.metrics.RecordSearch(resultMiss)
		return []content.ScoredPoint{}
	}
	s.metrics.RecordSearch(resultHit)
	return results
}

func (s *Searcher) search(ctx context.Context, query string, limit int, filter content.Filter) ([]content.ScoredPoint, error) {
	provider, err := s.backends.Provider(ctx)
	if err != nil {
		return nil, err
	}
	store, err := s.backends.Store(ctx)
	if err != nil {
		return nil, err
	}
	vector, err := embeddings.EmbedQuery(ctx, provider, query)
	if err != nil {
		return nil, err
	}
	return store.Query(ctx, s.collection, vector, limit, filter)
}

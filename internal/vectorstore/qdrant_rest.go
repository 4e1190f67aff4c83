package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// RESTConfig configures the Qdrant REST backend.
type RESTConfig struct {
	// URL is the Qdrant HTTP endpoint.
	// Default: "http://localhost:6333"
	URL string

	// APIKey is sent as the api-key header when set.
	APIKey string

	// Distance is the metric for new collections: Cosine, Euclid or Dot.
	// Default: "Cosine"
	Distance string

	// Timeout bounds every request.
	// Default: 30 seconds
	Timeout time.Duration

	HTTPClient *http.Client
}

// ApplyDefaults sets default values for unset fields.
func (c *RESTConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:6333"
	}
	if c.Distance == "" {
		c.Distance = "Cosine"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c RESTConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid qdrant url %q", ErrInvalidConfig, c.URL)
	}
	switch c.Distance {
	case "Cosine", "Euclid", "Dot":
	default:
		return fmt.Errorf("%w: unsupported distance %q", ErrInvalidConfig, c.Distance)
	}
	return nil
}

// RESTStore talks to Qdrant's JSON API.
type RESTStore struct {
	baseURL string
	config  RESTConfig
	client  *http.Client
	logger  *zap.Logger

	// collections caches names known to exist.
	collections sync.Map
}

// NewRESTStore creates a RESTStore. No request is made until first use.
func NewRESTStore(config RESTConfig, logger *zap.Logger) (*RESTStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &RESTStore{
		baseURL: strings.TrimRight(config.URL, "/"),
		config:  config,
		client:  client,
		logger:  logger,
	}, nil
}

// apiError is a non-2xx answer from Qdrant.
type apiError struct {
	Code int
	Body string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant returned %d: %s", e.Code, e.Body)
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

type restEnvelope struct {
	Status any             `json:"status"`
	Result json.RawMessage `json:"result"`
}

// do sends body as JSON and decodes the result field of the answer into out.
func (s *RESTStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("api-key", s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &apiError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}

	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func collectionPath(name string, parts ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(parts, "")
}

type restMatch struct {
	Value any `json:"value"`
}

type restCondition struct {
	Key   string    `json:"key"`
	Match restMatch `json:"match"`
}

type restFilter struct {
	Must []restCondition `json:"must"`
}

func toRESTFilter(f content.Filter) *restFilter {
	if f.IsEmpty() {
		return nil
	}
	rf := &restFilter{}
	if f.ContentID != 0 {
		rf.Must = append(rf.Must, restCondition{Key: "content_id", Match: restMatch{Value: f.ContentID}})
	}
	if f.ContentType != "" {
		rf.Must = append(rf.Must, restCondition{Key: "content_type", Match: restMatch{Value: f.ContentType}})
	}
	return rf
}

type restPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float32         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// pointID renders a Qdrant id, which is either a UUID string or an integer.
func (p restPoint) pointID() string {
	var s string
	if err := json.Unmarshal(p.ID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(p.ID))
}

// CreateCollection creates name unless it already exists.
func (s *RESTStore) CreateCollection(ctx context.Context, name string, dims int) (err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.CreateCollection", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", dims),
	))
	defer func() { finishSpan(span, err) }()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dims <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, dims)
	}

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	s.logger.Info("creating qdrant collection",
		zap.String("collection", name),
		zap.Int("dimensions", dims),
	)
	body := map[string]any{"vectors": map[string]any{"size": dims, "distance": s.config.Distance}}
	if err := s.do(ctx, http.MethodPut, collectionPath(name), body, nil); err != nil {
		return storeErr("creating collection "+name, err)
	}
	s.collections.Store(name, true)
	return nil
}

// DeleteCollection drops name and every vector in it.
func (s *RESTStore) DeleteCollection(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.DeleteCollection", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	s.collections.Delete(name)
	if err := s.do(ctx, http.MethodDelete, collectionPath(name), nil, nil); err != nil && !isNotFound(err) {
		return storeErr("deleting collection "+name, err)
	}
	return nil
}

// CollectionExists reports whether name exists.
func (s *RESTStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	if _, ok := s.collections.Load(name); ok {
		return true, nil
	}

	var info map[string]any
	err := s.do(ctx, http.MethodGet, collectionPath(name), nil, &info)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("checking collection "+name, err)
	}
	s.collections.Store(name, true)
	return true, nil
}

func (s *RESTStore) ensureCollection(ctx context.Context, name string, dims int) error {
	if _, ok := s.collections.Load(name); ok {
		return nil
	}
	return s.CreateCollection(ctx, name, dims)
}

// Insert upserts records, creating the collection from the first vector's
// size when it is missing.
func (s *RESTStore) Insert(ctx context.Context, name string, records []content.VectorRecord) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.Insert", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("record_count", len(records)),
	))
	defer func() { finishSpan(span, err) }()

	if len(records) == 0 {
		return nil, ErrEmptyRecords
	}
	if err := s.ensureCollection(ctx, name, len(records[0].Vector)); err != nil {
		return nil, err
	}

	points := make([]map[string]any, 0, len(records))
	ids = make([]string, 0, len(records))
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		payload, err := payloadMap(rec.Payload)
		if err != nil {
			return nil, err
		}
		points = append(points, map[string]any{"id": id, "vector": rec.Vector, "payload": payload})
		ids = append(ids, id)
	}

	body := map[string]any{"points": points}
	if err := s.do(ctx, http.MethodPut, collectionPath(name, "/points?wait=true"), body, nil); err != nil {
		return nil, storeErr("upserting points", err)
	}
	return ids, nil
}

// DeleteVectors removes points by id.
func (s *RESTStore) DeleteVectors(ctx context.Context, name string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.DeleteVectors", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("id_count", len(ids)),
	))
	defer func() { finishSpan(span, err) }()

	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/delete?wait=true"), body, nil); err != nil && !isNotFound(err) {
		return storeErr("deleting points", err)
	}
	return nil
}

// DeleteByFilter counts then deletes the points matching filter.
func (s *RESTStore) DeleteByFilter(ctx context.Context, name string, filter content.Filter) (deleted int, err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.DeleteByFilter", trace.WithAttributes(attribute.String("collection", name)))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", deleted))
		finishSpan(span, err)
	}()

	if filter.IsEmpty() {
		return 0, fmt.Errorf("%w: refusing to delete with an empty filter", ErrUnsupportedFilter)
	}
	exists, err := s.CollectionExists(ctx, name)
	if err != nil || !exists {
		return 0, err
	}

	rf := toRESTFilter(filter)
	var counted struct {
		Count int `json:"count"`
	}
	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/count"), map[string]any{"filter": rf, "exact": true}, &counted); err != nil {
		return 0, storeErr("counting points", err)
	}
	if counted.Count == 0 {
		return 0, nil
	}

	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/delete?wait=true"), map[string]any{"filter": rf}, nil); err != nil {
		return 0, storeErr("deleting points by filter", err)
	}
	return counted.Count, nil
}

// Query runs a filtered nearest neighbour search.
func (s *RESTStore) Query(ctx context.Context, name string, vector []float32, limit int, filter content.Filter) (results []content.ScoredPoint, err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.Query", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	))
	defer func() { finishSpan(span, err) }()

	if limit <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if rf := toRESTFilter(filter); rf != nil {
		body["filter"] = rf
	}

	var points []restPoint
	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/search"), body, &points); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, storeErr("searching points", err)
	}

	results = make([]content.ScoredPoint, 0, len(points))
	for _, p := range points {
		results = append(results, content.ScoredPoint{
			ID:      p.pointID(),
			Score:   p.Score,
			Payload: payloadFromMap(p.Payload),
		})
	}
	return results, nil
}

// MaxChunkIndex scrolls every matching point and keeps the largest
// chunk_index.
func (s *RESTStore) MaxChunkIndex(ctx context.Context, name string, filter content.Filter) (maxIndex int, found bool, err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.MaxChunkIndex", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	exists, err := s.CollectionExists(ctx, name)
	if err != nil || !exists {
		return 0, false, err
	}

	body := map[string]any{
		"limit":        256,
		"with_payload": []string{"chunk_index"},
		"with_vector":  false,
	}
	if rf := toRESTFilter(filter); rf != nil {
		body["filter"] = rf
	}

	maxIndex = -1
	for {
		var page struct {
			Points     []restPoint     `json:"points"`
			NextOffset json.RawMessage `json:"next_page_offset"`
		}
		if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/scroll"), body, &page); err != nil {
			return 0, false, storeErr("scrolling points", err)
		}
		for _, p := range page.Points {
			if idx, ok := toInt64(p.Payload["chunk_index"]); ok && int(idx) > maxIndex {
				maxIndex = int(idx)
			}
		}
		if len(page.NextOffset) == 0 || string(page.NextOffset) == "null" {
			break
		}
		body["offset"] = page.NextOffset
	}

	if maxIndex < 0 {
		return 0, false, nil
	}
	return maxIndex, true, nil
}

// TestConnection lists collections, then creates, writes, reads back and
// drops a throwaway collection.
func (s *RESTStore) TestConnection(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "RESTStore.TestConnection")
	defer func() { finishSpan(span, err) }()

	if err := s.do(ctx, http.MethodGet, "/collections", nil, nil); err != nil {
		return storeErr("listing collections", err)
	}

	probe := fmt.Sprintf("indexd_probe_%d", time.Now().UnixNano())
	if err := s.CreateCollection(ctx, probe, 4); err != nil {
		return err
	}
	defer func() {
		if derr := s.DeleteCollection(context.WithoutCancel(ctx), probe); derr != nil {
			s.logger.Warn("failed to drop probe collection", zap.String("collection", probe), zap.Error(derr))
		}
	}()

	id := uuid.NewString()
	point := map[string]any{"id": id, "vector": []float32{0.1, 0.2, 0.3, 0.4}, "payload": map[string]any{"probe": true}}
	if err := s.do(ctx, http.MethodPut, collectionPath(probe, "/points?wait=true"), map[string]any{"points": []any{point}}, nil); err != nil {
		return storeErr("writing probe point", err)
	}

	var got restPoint
	if err := s.do(ctx, http.MethodGet, collectionPath(probe, "/points/", id), nil, &got); err != nil {
		return storeErr("reading probe point", err)
	}
	if got.pointID() != id {
		return storeErr("reading probe point", fmt.Errorf("got id %q, want %q", got.pointID(), id))
	}
	return nil
}

// Close releases idle connections.
func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// errNoEmbedder backs the chromem embedding func: vectors always arrive
// precomputed, so chromem must never embed on its own.
var errNoEmbedder = errors.New("chromem store only accepts precomputed embeddings")

// ChromemConfig holds configuration for the chromem-go embedded database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps
	// everything in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemStore implements Store on chromem-go, a pure Go embedded vector
// database persisted as gob files.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemStore opens or creates the database at config.Path.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.Path == "" {
		return &ChromemStore{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, storeErr("opening chromem db", err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("collections", len(db.ListCollections())),
	)
	return &ChromemStore{db: db, logger: logger}, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func (s *ChromemStore) collection(name string) *chromem.Collection {
	return s.db.GetCollection(name, noEmbedding)
}

// chromemWhere renders filter as chromem metadata equality.
func chromemWhere(filter content.Filter) map[string]string {
	if filter.IsEmpty() {
		return nil
	}
	where := make(map[string]string, 2)
	if filter.ContentID != 0 {
		where["content_id"] = strconv.FormatInt(filter.ContentID, 10)
	}
	if filter.ContentType != "" {
		where["content_type"] = filter.ContentType
	}
	return where
}

// chromem metadata is string-only; the structured part of the payload is
// kept as a JSON document under "metadata".
func toChromemMetadata(p content.Payload) (map[string]string, error) {
	meta := map[string]string{
		"content_id":   strconv.FormatInt(p.ContentID, 10),
		"content_type": p.ContentType,
		"chunk_index":  strconv.Itoa(p.ChunkIndex),
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		meta["metadata"] = string(raw)
	}
	return meta, nil
}

func fromChromem(meta map[string]string, text string) content.Payload {
	p := content.Payload{ContentType: meta["content_type"], ChunkText: text}
	p.ContentID, _ = strconv.ParseInt(meta["content_id"], 10, 64)
	p.ChunkIndex, _ = strconv.Atoi(meta["chunk_index"])
	if raw := meta["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &p.Metadata)
	}
	return p
}

// CreateCollection creates name unless it already exists. chromem does not
// pin a dimensionality, so dims is only validated.
func (s *ChromemStore) CreateCollection(ctx context.Context, name string, dims int) (err error) {
	_, span := tracer.Start(ctx, "ChromemStore.CreateCollection", trace.WithAttributes(
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
	if _, err := s.db.GetOrCreateCollection(name, map[string]string{"dimensions": strconv.Itoa(dims)}, noEmbedding); err != nil {
		return storeErr("creating collection "+name, err)
	}
	return nil
}

// DeleteCollection removes name and its files.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) (err error) {
	_, span := tracer.Start(ctx, "ChromemStore.DeleteCollection", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	if err := s.db.DeleteCollection(name); err != nil {
		return storeErr("deleting collection "+name, err)
	}
	return nil
}

// CollectionExists reports whether name exists.
func (s *ChromemStore) CollectionExists(_ context.Context, name string) (bool, error) {
	return s.collection(name) != nil, nil
}

// Insert adds records; documents with an existing id are replaced.
func (s *ChromemStore) Insert(ctx context.Context, name string, records []content.VectorRecord) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Insert", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("record_count", len(records)),
	))
	defer func() { finishSpan(span, err) }()

	if len(records) == 0 {
		return nil, ErrEmptyRecords
	}
	if err := s.CreateCollection(ctx, name, len(records[0].Vector)); err != nil {
		return nil, err
	}
	col := s.collection(name)

	docs := make([]chromem.Document, 0, len(records))
	ids = make([]string, 0, len(records))
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta, err := toChromemMetadata(rec.Payload)
		if err != nil {
			return nil, err
		}
		docs = append(docs, chromem.Document{
			ID:        id,
			Metadata:  meta,
			Embedding: rec.Vector,
			Content:   rec.Payload.ChunkText,
		})
		ids = append(ids, id)
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return nil, storeErr("adding documents", err)
	}
	return ids, nil
}

// DeleteVectors removes documents by id.
func (s *ChromemStore) DeleteVectors(ctx context.Context, name string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.DeleteVectors", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("id_count", len(ids)),
	))
	defer func() { finishSpan(span, err) }()

	col := s.collection(name)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return storeErr("deleting documents", err)
	}
	return nil
}

// DeleteByFilter removes matching documents; the count is the collection
// size difference.
func (s *ChromemStore) DeleteByFilter(ctx context.Context, name string, filter content.Filter) (deleted int, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.DeleteByFilter", trace.WithAttributes(attribute.String("collection", name)))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", deleted))
		finishSpan(span, err)
	}()

	if filter.IsEmpty() {
		return 0, fmt.Errorf("%w: refusing to delete with an empty filter", ErrUnsupportedFilter)
	}
	col := s.collection(name)
	if col == nil {
		return 0, nil
	}
	before := col.Count()
	if err := col.Delete(ctx, chromemWhere(filter), nil); err != nil {
		return 0, storeErr("deleting documents by filter", err)
	}
	return before - col.Count(), nil
}

// Query runs chromem's exhaustive cosine search.
func (s *ChromemStore) Query(ctx context.Context, name string, vector []float32, limit int, filter content.Filter) (results []content.ScoredPoint, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Query", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	))
	defer func() {
		span.SetAttributes(attribute.Int("result_count", len(results)))
		finishSpan(span, err)
	}()

	if limit <= 0 {
		return nil, nil
	}
	col := s.collection(name)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	// chromem rejects nResults above the collection size.
	limit = min(limit, count)

	found, err := col.QueryEmbedding(ctx, vector, limit, chromemWhere(filter), nil)
	if err != nil {
		return nil, storeErr("querying documents", err)
	}

	results = make([]content.ScoredPoint, 0, len(found))
	for _, r := range found {
		results = append(results, content.ScoredPoint{
			ID:      r.ID,
			Score:   r.Similarity,
			Payload: fromChromem(r.Metadata, r.Content),
		})
	}
	return results, nil
}

// MaxChunkIndex walks the deterministic chunk ids of one content item until
// the first gap. Chunks are stored in index order, so the last id present
// is the highest index. The filter must name both content id and type.
func (s *ChromemStore) MaxChunkIndex(ctx context.Context, name string, filter content.Filter) (maxIndex int, found bool, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.MaxChunkIndex", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	if filter.ContentID == 0 || filter.ContentType == "" {
		return 0, false, fmt.Errorf("%w: chromem needs content id and type to locate chunks", ErrUnsupportedFilter)
	}
	col := s.collection(name)
	if col == nil {
		return 0, false, nil
	}

	ref := content.Ref{ID: filter.ContentID, Type: filter.ContentType}
	maxIndex = -1
	for i := 0; ; i++ {
		if _, err := col.GetByID(ctx, PointID(ref, i)); err != nil {
			break
		}
		maxIndex = i
	}
	if maxIndex < 0 {
		return 0, false, nil
	}
	return maxIndex, true, nil
}

// TestConnection always succeeds; the database is in process.
func (s *ChromemStore) TestConnection(context.Context) error {
	return nil
}

// Close is a no-op: chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/sqlitedb"
)

// ErrDimensionMismatch is returned when a vector does not fit its collection.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		dimensions INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vectors (
		collection   TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
		id           TEXT NOT NULL,
		content_id   INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		chunk_index  INTEGER NOT NULL,
		chunk_text   TEXT NOT NULL,
		metadata     TEXT,
		vector       TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vectors_content ON vectors (collection, content_id, content_type)`,
}

// SQLiteConfig configures the embedded SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. Empty means in-memory.
	Path string
}

// SQLiteStore keeps vectors as JSON arrays in one table and ranks them by
// brute-force cosine similarity.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at config.Path.
func NewSQLiteStore(ctx context.Context, config SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlitedb.Open(ctx, config.Path, sqliteSchema...)
	if err != nil {
		return nil, storeErr("opening sqlite vector store", err)
	}
	logger.Info("sqlite vector store initialized", zap.String("path", config.Path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// whereClause renders filter as SQL conditions after the collection match.
func whereClause(filter content.Filter) (string, []any) {
	var sb strings.Builder
	var args []any
	if filter.ContentID != 0 {
		sb.WriteString(" AND content_id = ?")
		args = append(args, filter.ContentID)
	}
	if filter.ContentType != "" {
		sb.WriteString(" AND content_type = ?")
		args = append(args, filter.ContentType)
	}
	return sb.String(), args
}

func (s *SQLiteStore) dimensions(ctx context.Context, name string) (int, bool, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dimensions FROM collections WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("reading collection "+name, err)
	}
	return dims, true, nil
}

// CreateCollection registers name with a fixed dimensionality.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, dims int) (err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.CreateCollection", trace.WithAttributes(
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimensions, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, dims, time.Now().Unix())
	if err != nil {
		return storeErr("creating collection "+name, err)
	}
	return nil
}

// DeleteCollection drops name and, by cascade, its vectors.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.DeleteCollection", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return storeErr("deleting collection "+name, err)
	}
	return nil
}

// CollectionExists reports whether name has been created.
func (s *SQLiteStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.dimensions(ctx, name)
	return ok, err
}

// Insert upserts records inside one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, name string, records []content.VectorRecord) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Insert", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("record_count", len(records)),
	))
	defer func() { finishSpan(span, err) }()

	if len(records) == 0 {
		return nil, ErrEmptyRecords
	}

	dims, ok, err := s.dimensions(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		dims = len(records[0].Vector)
		if err := s.CreateCollection(ctx, name, dims); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("beginning insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (collection, id, content_id, content_type, chunk_index, chunk_text, metadata, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			content_id = excluded.content_id,
			content_type = excluded.content_type,
			chunk_index = excluded.chunk_index,
			chunk_text = excluded.chunk_text,
			metadata = excluded.metadata,
			vector = excluded.vector`)
	if err != nil {
		return nil, storeErr("preparing insert", err)
	}
	defer stmt.Close()

	ids = make([]string, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) != dims {
			return nil, fmt.Errorf("%w: collection %s holds %d dimensions, got %d", ErrDimensionMismatch, name, dims, len(rec.Vector))
		}
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		vec, err := json.Marshal(rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("encoding vector: %w", err)
		}
		var meta []byte
		if len(rec.Payload.Metadata) > 0 {
			if meta, err = json.Marshal(rec.Payload.Metadata); err != nil {
				return nil, fmt.Errorf("encoding metadata: %w", err)
			}
		}
		p := rec.Payload
		if _, err := stmt.ExecContext(ctx, name, id, p.ContentID, p.ContentType, p.ChunkIndex, p.ChunkText, nullableText(meta), string(vec)); err != nil {
			return nil, storeErr("inserting vector", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("committing insert", err)
	}
	return ids, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// DeleteVectors removes vectors by id.
func (s *SQLiteStore) DeleteVectors(ctx context.Context, name string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.DeleteVectors", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("id_count", len(ids)),
	))
	defer func() { finishSpan(span, err) }()

	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, name)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id IN (`+placeholders+`)`, args...); err != nil {
		return storeErr("deleting vectors", err)
	}
	return nil
}

// DeleteByFilter removes matching vectors and reports how many went.
func (s *SQLiteStore) DeleteByFilter(ctx context.Context, name string, filter content.Filter) (deleted int, err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.DeleteByFilter", trace.WithAttributes(attribute.String("collection", name)))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", deleted))
		finishSpan(span, err)
	}()

	if filter.IsEmpty() {
		return 0, fmt.Errorf("%w: refusing to delete with an empty filter", ErrUnsupportedFilter)
	}
	where, args := whereClause(filter)
	res, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`+where, append([]any{name}, args...)...)
	if err != nil {
		return 0, storeErr("deleting vectors by filter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("deleting vectors by filter", err)
	}
	return int(n), nil
}

// Query ranks every matching vector by cosine similarity.
func (s *SQLiteStore) Query(ctx context.Context, name string, vector []float32, limit int, filter content.Filter) (results []content.ScoredPoint, err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Query", trace.WithAttributes(
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
	dims, ok, err := s.dimensions(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("%w: collection %s holds %d dimensions, query has %d", ErrDimensionMismatch, name, dims, len(vector))
	}

	where, args := whereClause(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, content_type, chunk_index, chunk_text, metadata, vector FROM vectors WHERE collection = ?`+where,
		append([]any{name}, args...)...)
	if err != nil {
		return nil, storeErr("querying vectors", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			point     content.ScoredPoint
			meta      sql.NullString
			rawVector string
			stored    []float32
		)
		p := &point.Payload
		if err := rows.Scan(&point.ID, &p.ContentID, &p.ContentType, &p.ChunkIndex, &p.ChunkText, &meta, &rawVector); err != nil {
			return nil, storeErr("scanning vector", err)
		}
		if err := json.Unmarshal([]byte(rawVector), &stored); err != nil {
			s.logger.Warn("skipping undecodable vector", zap.String("id", point.ID), zap.Error(err))
			continue
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &p.Metadata); err != nil {
				s.logger.Warn("dropping undecodable metadata", zap.String("id", point.ID), zap.Error(err))
			}
		}
		point.Score = cosine(vector, stored)
		results = append(results, point)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating vectors", err)
	}

	slices.SortStableFunc(results, func(a, b content.ScoredPoint) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MaxChunkIndex is a MAX(chunk_index) aggregate.
func (s *SQLiteStore) MaxChunkIndex(ctx context.Context, name string, filter content.Filter) (maxIndex int, found bool, err error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.MaxChunkIndex", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	where, args := whereClause(filter)
	var highest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MAX(chunk_index) FROM vectors WHERE collection = ?`+where, append([]any{name}, args...)...).Scan(&highest)
	if err != nil {
		return 0, false, storeErr("reading max chunk index", err)
	}
	if !highest.Valid {
		return 0, false, nil
	}
	return int(highest.Int64), true, nil
}

// TestConnection pings the database.
func (s *SQLiteStore) TestConnection(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("pinging sqlite", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

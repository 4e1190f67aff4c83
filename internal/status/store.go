// Package status persists the indexing state of every content item and
// enforces the status state machine:
//
//	queued -> processing -> indexed
//	              |
//	              v
//	            failed -> queued
//
// indexed moves back to processing when the content hash changes. Writing
// the current state again is allowed and refreshes the record.
package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/sqlitedb"
)

var (
	// ErrNotFound is returned when no record exists for a content item.
	ErrNotFound = errors.New("status record not found")

	// ErrInvalidTransition is returned when a write would break the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `CREATE TABLE IF NOT EXISTS index_status (
	content_id           INTEGER NOT NULL,
	content_type         TEXT    NOT NULL,
	content_hash         TEXT    NOT NULL DEFAULT '',
	chunking_strategy    TEXT    NOT NULL DEFAULT '',
	chunk_size           INTEGER NOT NULL DEFAULT 0,
	chunk_overlap        INTEGER NOT NULL DEFAULT 0,
	embedding_model      TEXT    NOT NULL DEFAULT '',
	embedding_dimensions INTEGER NOT NULL DEFAULT 0,
	status               TEXT    NOT NULL,
	chunk_count          INTEGER NOT NULL DEFAULT 0,
	last_indexed_at      INTEGER,
	error_message        TEXT    NOT NULL DEFAULT '',
	retry_count          INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	PRIMARY KEY (content_id, content_type)
)`

const statusIndex = `CREATE INDEX IF NOT EXISTS idx_index_status_status ON index_status(status, updated_at)`

const columns = `content_id, content_type, content_hash, chunking_strategy, chunk_size, chunk_overlap,
	embedding_model, embedding_dimensions, status, chunk_count, last_indexed_at, error_message,
	retry_count, created_at, updated_at`

// Update carries the fields a Set call changes. Zero strings and nil
// pointers leave the stored value untouched.
type Update struct {
	ContentHash         string
	ChunkingStrategy    string
	ChunkingSettings    *content.ChunkingSettings
	EmbeddingModel      string
	EmbeddingDimensions int
	ChunkCount          *int
	LastIndexedAt       *time.Time
	ErrorMessage        *string
	RetryCount          *int
}

// Ptr returns a pointer to v, for filling Update fields.
func Ptr[T any](v T) *T {
	return &v
}

// TransitionFunc observes every successful write.
type TransitionFunc func(ref content.Ref, from, to content.Status)

// Option configures a Store.
type Option func(*Store)

// WithTransitionHook registers fn to run after each committed Set.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *Store) { s.hooks = append(s.hooks, fn) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Stats summarises the records per status.
type Stats struct {
	Counts map[content.Status]int `json:"counts"`
	Total  int                    `json:"total"`
}

// Store is the SQLite-backed status store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	hooks  []TransitionFunc
}

// Open opens or creates the status database at path. An empty path keeps
// the records in memory.
func Open(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlitedb.Open(ctx, path, schema, statusIndex)
	if err != nil {
		return nil, fmt.Errorf("opening status store: %w", err)
	}
	s := &Store{db: db, logger: logger.Named("status"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*content.StatusRecord, error) {
	var (
		rec              content.StatusRecord
		status           string
		lastIndexed      sql.NullInt64
		created, updated int64
	)
	err := row.Scan(
		&rec.Ref.ID, &rec.Ref.Type, &rec.ContentHash, &rec.ChunkingStrategy,
		&rec.ChunkingSettings.ChunkSize, &rec.ChunkingSettings.Overlap,
		&rec.EmbeddingModel, &rec.EmbeddingDimensions, &status, &rec.ChunkCount,
		&lastIndexed, &rec.ErrorMessage, &rec.RetryCount, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = content.Status(status)
	if lastIndexed.Valid {
		t := time.Unix(0, lastIndexed.Int64).UTC()
		rec.LastIndexedAt = &t
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

func get(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, ref content.Ref) (*content.StatusRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+columns+` FROM index_status WHERE content_id = ? AND content_type = ?`,
		ref.ID, ref.Type)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading status of %s: %w", ref, err)
	}
	return rec, nil
}

// Get returns the record of ref or ErrNotFound.
func (s *Store) Get(ctx context.Context, ref content.Ref) (*content.StatusRecord, error) {
	return get(ctx, s.db, ref)
}

// Set moves ref to status and applies u, creating the record on first
// write. A transition the state machine forbids fails with
// ErrInvalidTransition and changes nothing.
func (s *Store) Set(ctx context.Context, ref content.Ref, to content.Status, u Update) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if _, err := content.ParseStatus(string(to)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	rec, err := get(ctx, tx, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &content.StatusRecord{Ref: ref, CreatedAt: now}
	case err != nil:
		return err
	}

	from := rec.Status
	if !content.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, displayStatus(from), to, ref)
	}

	apply(rec, u)
	rec.Status = to
	rec.UpdatedAt = now

	var lastIndexed sql.NullInt64
	if rec.LastIndexedAt != nil {
		lastIndexed = sql.NullInt64{Int64: rec.LastIndexedAt.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO index_status (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_id, content_type) DO UPDATE SET
			content_hash = excluded.content_hash,
			chunking_strategy = excluded.chunking_strategy,
			chunk_size = excluded.chunk_size,
			chunk_overlap = excluded.chunk_overlap,
			embedding_model = excluded.embedding_model,
			embedding_dimensions = excluded.embedding_dimensions,
			status = excluded.status,
			chunk_count = excluded.chunk_count,
			last_indexed_at = excluded.last_indexed_at,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		ref.ID, ref.Type, rec.ContentHash, rec.ChunkingStrategy,
		rec.ChunkingSettings.ChunkSize, rec.ChunkingSettings.Overlap,
		rec.EmbeddingModel, rec.EmbeddingDimensions, string(rec.Status), rec.ChunkCount,
		lastIndexed, rec.ErrorMessage, rec.RetryCount,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("writing status of %s: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status of %s: %w", ref, err)
	}

	s.logger.Debug("status updated",
		zap.Stringer("content", ref),
		zap.String("from", displayStatus(from)),
		zap.String("to", string(to)),
	)
	for _, hook := range s.hooks {
		hook(ref, from, to)
	}
	return nil
}

func apply(rec *content.StatusRecord, u Update) {
	if u.ContentHash != "" {
		rec.ContentHash = u.ContentHash
	}
	if u.ChunkingStrategy != "" {
		rec.ChunkingStrategy = u.ChunkingStrategy
	}
	if u.ChunkingSettings != nil {
		rec.ChunkingSettings = *u.ChunkingSettings
	}
	if u.EmbeddingModel != "" {
		rec.EmbeddingModel = u.EmbeddingModel
	}
	if u.EmbeddingDimensions != 0 {
		rec.EmbeddingDimensions = u.EmbeddingDimensions
	}
	if u.ChunkCount != nil {
		rec.ChunkCount = *u.ChunkCount
	}
	if u.LastIndexedAt != nil {
		t := u.LastIndexedAt.UTC()
		rec.LastIndexedAt = &t
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.RetryCount != nil {
		rec.RetryCount = *u.RetryCount
	}
}

func displayStatus(s content.Status) string {
	if s == content.StatusNone {
		return "none"
	}
	return string(s)
}

// Delete removes the record of ref. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, ref content.Ref) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM index_status WHERE content_id = ? AND content_type = ?`, ref.ID, ref.Type); err != nil {
		return fmt.Errorf("deleting status of %s: %w", ref, err)
	}
	return nil
}

// ListByStatus returns records in status, most recently updated first.
// limit <= 0 returns all of them.
func (s *Store) ListByStatus(ctx context.Context, status content.Status, limit int) ([]content.StatusRecord, error) {
	query := `SELECT ` + columns + ` FROM index_status WHERE status = ? ORDER BY updated_at DESC, content_type, content_id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", status, err)
	}
	defer rows.Close()

	var out []content.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Stats counts records per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Counts: make(map[content.Status]int, len(content.Statuses))}
	for _, st := range content.Statuses {
		stats.Counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM index_status GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting status records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning status counts: %w", err)
		}
		stats.Counts[content.Status(status)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// FailedCount returns the number of failed records.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM index_status WHERE status = ?`, string(content.StatusFailed)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting failed records: %w", err)
	}
	return n, nil
}

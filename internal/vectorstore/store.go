// Package vectorstore stores chunk vectors per site collection.
//
// Four backends implement Store: Qdrant over REST, Qdrant over gRPC, an
// embedded SQLite table and an embedded chromem-go database. All of them
// filter by equality on content_id and content_type, which is the only
// filter the indexing pipeline needs.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = fmt.Errorf("invalid vector store configuration: %w", content.ErrConfiguration)

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrEmptyRecords is returned by Insert when there is nothing to store.
	ErrEmptyRecords = errors.New("no records to insert")

	// ErrUnsupportedFilter is returned when a backend cannot evaluate a filter.
	ErrUnsupportedFilter = errors.New("unsupported filter")
)

// Store is the storage provider contract of the indexing pipeline.
type Store interface {
	// CreateCollection creates a collection for vectors of dims dimensions.
	// Creating an existing collection is not an error.
	CreateCollection(ctx context.Context, name string, dims int) error

	DeleteCollection(ctx context.Context, name string) error

	CollectionExists(ctx context.Context, name string) (bool, error)

	// Insert upserts records and returns their ids. A missing collection is
	// created from the size of the first vector.
	Insert(ctx context.Context, name string, records []content.VectorRecord) ([]string, error)

	DeleteVectors(ctx context.Context, name string, ids []string) error

	// DeleteByFilter removes every vector matching filter and reports how
	// many were removed. A missing collection removes nothing.
	DeleteByFilter(ctx context.Context, name string, filter content.Filter) (int, error)

	// Query returns the limit nearest vectors, best first.
	Query(ctx context.Context, name string, vector []float32, limit int, filter content.Filter) ([]content.ScoredPoint, error)

	// MaxChunkIndex returns the highest stored chunk_index matching filter.
	// The boolean is false when nothing matches.
	MaxChunkIndex(ctx context.Context, name string, filter content.Filter) (int, bool, error)

	TestConnection(ctx context.Context) error

	Close() error
}

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CollectionName derives the per-site collection name:
// site_<site id>_<first 8 hex chars of sha256(site url)>.
func CollectionName(siteID int, siteURL string) string {
	sum := sha256.Sum256([]byte(siteURL))
	return fmt.Sprintf("site_%d_%s", siteID, hex.EncodeToString(sum[:])[:8])
}

// PointID is the deterministic id of one chunk, so re-inserting a chunk
// overwrites the previous vector instead of duplicating it.
func PointID(ref content.Ref, chunkIndex int) string {
	key := fmt.Sprintf("%s:%d:%d", ref.Type, ref.ID, chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// storeErr tags a backend failure as retryable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, content.ErrStore, err)
}

// payloadMap flattens a payload into JSON-compatible values. Metadata is
// round-tripped through encoding/json so nested slices and maps arrive
// as []any and map[string]any.
func payloadMap(p content.Payload) (map[string]any, error) {
	m := map[string]any{
		"content_id":   p.ContentID,
		"content_type": p.ContentType,
		"chunk_index":  int64(p.ChunkIndex),
		"chunk_text":   p.ChunkText,
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		var meta map[string]any
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		m["metadata"] = meta
	}
	return m, nil
}

// payloadFromMap is the inverse of payloadMap. Numbers may arrive as any
// Go numeric type depending on the backend decoder.
func payloadFromMap(m map[string]any) content.Payload {
	p := content.Payload{}
	if v, ok := toInt64(m["content_id"]); ok {
		p.ContentID = v
	}
	if v, ok := m["content_type"].(string); ok {
		p.ContentType = v
	}
	if v, ok := toInt64(m["chunk_index"]); ok {
		p.ChunkIndex = int(v)
	}
	if v, ok := m["chunk_text"].(string); ok {
		p.ChunkText = v
	}
	if v, ok := m["metadata"].(map[string]any); ok {
		p.Metadata = v
	}
	return p
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

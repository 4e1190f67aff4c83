// Package content defines the types shared by every stage of the indexing
// pipeline: content references, extracted segments, chunks, vector records
// and the indexing status state machine.
package content

import (
	"fmt"
	"strconv"
	"strings"
)

// Ref identifies a content item. IDs are unique per type only.
type Ref struct {
	ID   int64  `json:"content_id"`
	Type string `json:"content_type"`
}

// String renders the ref as "<type>:<id>".
func (r Ref) String() string {
	return r.Type + ":" + strconv.FormatInt(r.ID, 10)
}

// Validate reports whether r is usable as a key.
func (r Ref) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("content id must be positive, got %d", r.ID)
	}
	if r.Type == "" {
		return fmt.Errorf("content type is required")
	}
	if strings.ContainsAny(r.Type, ":/\\ ") {
		return fmt.Errorf("content type %q contains invalid characters", r.Type)
	}
	return nil
}

// Operation is what a trigger asks the pipeline to do with an item.
type Operation string

const (
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation accepts "update" and "delete".
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpUpdate, OpDelete:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown operation %q (want update or delete)", s)
}

// Segment is one logical unit of extracted text, e.g. a PDF page or a
// slide, before chunking.
type Segment struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Chunk is the unit sent to an embedding provider. Metadata always
// carries "chunk_index" equal to Index.
type Chunk struct {
	Content  string         `json:"content"`
	Index    int            `json:"chunk_index"`
	Metadata map[string]any `json:"metadata"`
}

// Payload is the data stored alongside each vector.
type Payload struct {
	ContentID   int64          `json:"content_id"`
	ContentType string         `json:"content_type"`
	ChunkIndex  int            `json:"chunk_index"`
	ChunkText   string         `json:"chunk_text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// VectorRecord is one stored chunk embedding.
type VectorRecord struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// ScoredPoint is a query hit. Higher scores are more similar.
type ScoredPoint struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Payload Payload `json:"payload"`
}

// Filter restricts vector operations by equality on content id and type.
// Zero fields match everything.
type Filter struct {
	ContentID   int64  `json:"content_id,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// RefFilter returns the filter selecting every vector of r.
func RefFilter(r Ref) Filter {
	return Filter{ContentID: r.ID, ContentType: r.Type}
}

// IsEmpty reports whether f matches every record.
func (f Filter) IsEmpty() bool {
	return f.ContentID == 0 && f.ContentType == ""
}

// Matches reports whether p satisfies f.
func (f Filter) Matches(p Payload) bool {
	if f.ContentID != 0 && p.ContentID != f.ContentID {
		return false
	}
	if f.ContentType != "" && p.ContentType != f.ContentType {
		return false
	}
	return true
}

// Document is a content item as loaded from its source, before extraction.
// Which fields are set depends on Ref.Type.
type Document struct {
	Ref         Ref            `json:"-"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	URL         string         `json:"url,omitempty"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	ParentID    int64          `json:"parent_id,omitempty"`
	ParentTitle string         `json:"parent_title,omitempty"`
	Approved    bool           `json:"approved,omitempty"`
	Rating      int            `json:"rating,omitempty"`
	Categories  []string       `json:"categories,omitempty"`
	MIME        string         `json:"mime,omitempty"`
	File        string         `json:"file,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`

	// Path is the resolved absolute location of File.
	Path string `json:"-"`
}

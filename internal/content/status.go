package content

import (
	"fmt"
	"time"
)

// Status is the indexing state of a content item.
type Status string

const (
	StatusNone       Status = ""
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// Statuses lists every persisted state.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusIndexed, StatusFailed}

// ParseStatus parses a persisted state name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown status %q", s)
}

// transitions lists, per state, the states a record may move to. Every
// path to indexed or failed passes through processing. Writing the same
// state again is a refresh and always allowed.
var transitions = map[Status][]Status{
	StatusNone:       {StatusQueued, StatusProcessing},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusIndexed, StatusFailed},
	StatusIndexed:    {StatusProcessing, StatusQueued},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

// CanTransition reports whether a record in from may be written as to.
func CanTransition(from, to Status) bool {
	if from == to && to != StatusNone {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChunkingSettings are the window parameters of a chunking strategy.
type ChunkingSettings struct {
	ChunkSize int `json:"chunk_size"`
	Overlap   int `json:"overlap"`
}

// StatusRecord is the persisted indexing state of one content item.
type StatusRecord struct {
	Ref                 Ref              `json:"ref"`
	ContentHash         string           `json:"content_hash,omitempty"`
	ChunkingStrategy    string           `json:"chunking_strategy,omitempty"`
	ChunkingSettings    ChunkingSettings `json:"chunking_settings"`
	EmbeddingModel      string           `json:"embedding_model,omitempty"`
	EmbeddingDimensions int              `json:"embedding_dimensions,omitempty"`
	Status              Status           `json:"status"`
	ChunkCount          int              `json:"chunk_count"`
	LastIndexedAt       *time.Time       `json:"last_indexed_at,omitempty"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	RetryCount          int              `json:"retry_count"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

package http

import (
	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/secrets"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// PushResponse answers content triggers and single retries. An empty
// JobID means an equivalent job was already pending.
type PushResponse struct {
	Ref       content.Ref `json:"ref"`
	Operation string      `json:"operation"`
	JobID     string      `json:"job_id,omitempty"`
	Duplicate bool        `json:"duplicate"`
}

// FailedResponse is the response body for GET /v1/failed.
type FailedResponse struct {
	Items []content.StatusRecord `json:"items"`
}

// RetryAllResponse is the response body for POST /v1/retry.
type RetryAllResponse struct {
	Requeued int    `json:"requeued"`
	Error    string `json:"error,omitempty"`
}

// SearchRequest is the request body for POST /v1/search.
type SearchRequest struct {
	Query       string `json:"query"`
	Limit       int    `json:"limit,omitempty"`
	ContentID   int64  `json:"content_id,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SearchResponse is the response body for POST /v1/search.
type SearchResponse struct {
	Results []content.ScoredPoint `json:"results"`
}

// ConnectionStatus is the health of one backend.
type ConnectionStatus struct {
	Backend    string `json:"backend"`
	OK         bool   `json:"ok"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ConnectionsResponse is the response body for GET /v1/connections.
type ConnectionsResponse struct {
	Embedding   ConnectionStatus `json:"embedding"`
	VectorStore ConnectionStatus `json:"vector_store"`
}

// RedactRequest is the request body for POST /v1/redact.
type RedactRequest struct {
	Content string `json:"content"`
}

// RedactResponse is the response body for POST /v1/redact.
type RedactResponse struct {
	Content  string          `json:"content"`
	Findings secrets.Summary `json:"findings"`
}

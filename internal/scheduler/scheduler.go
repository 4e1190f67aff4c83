// Package scheduler defines the durable task queue contract the indexing
// pipeline runs on, and an in-process implementation of it.
//
// A scheduler keeps at most one pending job per (group, job key). Jobs are
// dispatched by name to handlers registered with Handle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Job names.
const (
	JobIndexItem = "index_item"
	JobRetryItem = "retry_item"
)

var (
	// ErrNoHandler is returned when a job has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job")

	// ErrClosed is returned when submitting to a stopped scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Args are the parameters a job carries through the scheduler unchanged.
type Args struct {
	SiteID      int    `json:"site_id"`
	ContentID   int64  `json:"content_id"`
	ContentType string `json:"content_type"`
	Operation   string `json:"operation,omitempty"`
	Attempt     int    `json:"attempt_count,omitempty"`
	Error       string `json:"original_error,omitempty"`
}

// Job is a named unit of work.
type Job struct {
	Name string `json:"name"`
	Args Args   `json:"args"`
}

// Key identifies equivalent jobs: same name and same arguments. The error
// text of a retry is not part of the key.
func (j Job) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s-site%d-%s-%d", j.Name, j.Args.SiteID, j.Args.ContentType, j.Args.ContentID)
	if j.Args.Operation != "" {
		b.WriteString("-" + j.Args.Operation)
	}
	if j.Args.Attempt > 0 {
		fmt.Fprintf(&b, "-a%d", j.Args.Attempt)
	}
	return b.String()
}

// IndexGroup is the group of index jobs of a site.
func IndexGroup(siteID int) string {
	return fmt.Sprintf("rag_site_%d", siteID)
}

// RetryGroup is the group of delayed retries of a site, kept apart so a
// retry backlog never delays fresh index jobs.
func RetryGroup(siteID int) string {
	return fmt.Sprintf("rag_retry_site_%d", siteID)
}

// Handler runs one job.
type Handler func(ctx context.Context, job Job) error

// Scheduler is the contract the queue, worker and retry manager need.
type Scheduler interface {
	// Handle registers the handler for jobs called name.
	Handle(name string, h Handler)

	// EnqueueAsync submits job for immediate execution. An equivalent job
	// already pending in group is not duplicated; its id is returned.
	EnqueueAsync(ctx context.Context, job Job, group string) (string, error)

	// HasScheduled reports whether an equivalent job is pending in group
	// and has not started yet.
	HasScheduled(ctx context.Context, job Job, group string) (bool, error)

	// ScheduleDelayed submits job for execution no earlier than at.
	ScheduleDelayed(ctx context.Context, at time.Time, job Job, group string) (string, error)
}

// Handlers is a name-keyed handler table shared by scheduler
// implementations.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers returns an empty table.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Handle registers h for name, replacing any previous handler.
func (h *Handlers) Handle(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[name] = fn
}

// Dispatch runs the handler registered for job.Name.
func (h *Handlers) Dispatch(ctx context.Context, job Job) error {
	h.mu.RLock()
	fn, ok := h.m[job.Name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, job.Name)
	}
	return fn(ctx, job)
}

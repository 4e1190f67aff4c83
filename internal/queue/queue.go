// Package queue submits index jobs to the scheduler, at most one pending
// job per content item and operation.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

// Queue pushes index jobs for one site.
type Queue struct {
	sched   scheduler.Scheduler
	siteID  int
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a queue submitting to sched. m may be nil.
func New(sched scheduler.Scheduler, siteID int, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		sched:   sched,
		siteID:  siteID,
		metrics: m,
		logger:  logger.Named("queue"),
	}
}

// Job is the index job of ref and op on site siteID.
func Job(siteID int, ref content.Ref, op content.Operation) scheduler.Job {
	return scheduler.Job{
		Name: scheduler.JobIndexItem,
		Args: scheduler.Args{
			SiteID:      siteID,
			ContentID:   ref.ID,
			ContentType: ref.Type,
			Operation:   string(op),
		},
	}
}

// Push submits an index job for (contentID, contentType, op). When an
// equivalent job is already pending nothing is submitted and the returned
// job id is empty.
func (q *Queue) Push(ctx context.Context, contentID int64, contentType string, op content.Operation) (string, error) {
	ref := content.Ref{ID: contentID, Type: contentType}
	if err := ref.Validate(); err != nil {
		return "", fmt.Errorf("invalid content ref: %w", err)
	}
	if _, err := content.ParseOperation(string(op)); err != nil {
		return "", err
	}

	job := Job(q.siteID, ref, op)
	group := scheduler.IndexGroup(q.siteID)

	pending, err := q.sched.HasScheduled(ctx, job, group)
	if err != nil {
		q.metrics.RecordPush(string(op), "error")
		return "", fmt.Errorf("checking pending jobs for %s: %w", ref, err)
	}
	if pending {
		q.metrics.RecordPush(string(op), "duplicate")
		q.logger.Debug("job already pending",
			zap.Stringer("content", ref),
			zap.String("operation", string(op)),
		)
		return "", nil
	}

	id, err := q.sched.EnqueueAsync(ctx, job, group)
	if err != nil {
		q.metrics.RecordPush(string(op), "error")
		return "", fmt.Errorf("enqueueing %s for %s: %w", op, ref, err)
	}
	q.metrics.RecordPush(string(op), "submitted")
	q.logger.Info("job queued",
		zap.Stringer("content", ref),
		zap.String("operation", string(op)),
		zap.String("job_id", id),
	)
	return id, nil
}

// Package retry schedules delayed re-attempts of failed index jobs and
// re-queues failed items on demand.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/status"
)

// Backoff returns the delay before retry number attempt.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 5 * time.Minute
	case 2:
		return 15 * time.Minute
	case 3:
		return time.Hour
	case 4:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Pusher submits index jobs. Implemented by queue.Queue.
type Pusher interface {
	Push(ctx context.Context, contentID int64, contentType string, op content.Operation) (string, error)
}

// StatusStore is the part of status.Store the manager uses.
type StatusStore interface {
	Get(ctx context.Context, ref content.Ref) (*content.StatusRecord, error)
	Set(ctx context.Context, ref content.Ref, to content.Status, u status.Update) error
	ListByStatus(ctx context.Context, st content.Status, limit int) ([]content.StatusRecord, error)
}

// Manager schedules retries for one site.
type Manager struct {
	sched   scheduler.Scheduler
	queue   Pusher
	status  StatusStore
	siteID  int
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used to compute retry times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records scheduled retries.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a manager and registers its retry_item handler on sched.
func New(sched scheduler.Scheduler, q Pusher, st StatusStore, siteID int, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		sched:  sched,
		queue:  q,
		status: st,
		siteID: siteID,
		now:    time.Now,
		logger: logger.Named("retry"),
	}
	for _, opt := range opts {
		opt(m)
	}
	sched.Handle(scheduler.JobRetryItem, m.handle)
	return m
}

// QueueRetry schedules attempt number attempt of op on ref after
// Backoff(attempt). The ticket carries errMsg for diagnostics only.
func (m *Manager) QueueRetry(ctx context.Context, ref content.Ref, op content.Operation, attempt int, errMsg string) (string, error) {
	if attempt < 1 {
		attempt = 1
	}
	at := m.now().Add(Backoff(attempt))
	job := scheduler.Job{
		Name: scheduler.JobRetryItem,
		Args: scheduler.Args{
			SiteID:      m.siteID,
			ContentID:   ref.ID,
			ContentType: ref.Type,
			Operation:   string(op),
			Attempt:     attempt,
			Error:       errMsg,
		},
	}

	id, err := m.sched.ScheduleDelayed(ctx, at, job, scheduler.RetryGroup(m.siteID))
	if err != nil {
		return "", fmt.Errorf("scheduling retry %d of %s: %w", attempt, ref, err)
	}
	m.metrics.RecordRetry(strconv.Itoa(attempt))
	m.logger.Info("retry scheduled",
		zap.Stringer("content", ref),
		zap.String("operation", string(op)),
		zap.Int("attempt", attempt),
		zap.Time("at", at),
		zap.String("error", errMsg),
	)
	return id, nil
}

// handle runs a fired retry ticket. Items that left the failed state in
// the meantime, or were removed, are not re-queued.
func (m *Manager) handle(ctx context.Context, job scheduler.Job) error {
	ref := content.Ref{ID: job.Args.ContentID, Type: job.Args.ContentType}

	rec, err := m.status.Get(ctx, ref)
	if errors.Is(err, status.ErrNotFound) {
		m.logger.Info("retry dropped, item no longer tracked", zap.Stringer("content", ref))
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != content.StatusFailed {
		m.logger.Info("retry dropped, item is not failed",
			zap.Stringer("content", ref),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	op := content.OpUpdate
	if job.Args.Operation != "" {
		if op, err = content.ParseOperation(job.Args.Operation); err != nil {
			m.logger.Warn("retry dropped, invalid operation", zap.Stringer("content", ref), zap.Error(err))
			return nil
		}
	}

	m.logger.Info("retry firing",
		zap.Stringer("content", ref),
		zap.String("operation", string(op)),
		zap.Int("attempt", job.Args.Attempt),
	)
	_, err = m.requeue(ctx, ref, op)
	return err
}

// requeue marks ref queued and pushes an op job. Manual retries push
// updates; an update of content that is gone from the source removes it.
func (m *Manager) requeue(ctx context.Context, ref content.Ref, op content.Operation) (string, error) {
	if err := m.status.Set(ctx, ref, content.StatusQueued, status.Update{}); err != nil {
		return "", fmt.Errorf("re-queueing %s: %w", ref, err)
	}
	return m.queue.Push(ctx, ref.ID, ref.Type, op)
}

// RetryNow re-queues ref immediately. The item must be tracked and not
// currently processing.
func (m *Manager) RetryNow(ctx context.Context, ref content.Ref) (string, error) {
	if _, err := m.status.Get(ctx, ref); err != nil {
		return "", err
	}
	return m.requeue(ctx, ref, content.OpUpdate)
}

// RetryAllFailed re-queues every failed item and returns how many were
// re-queued. It keeps going past individual failures and reports them
// joined.
func (m *Manager) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := m.status.ListByStatus(ctx, content.StatusFailed, 0)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, rec := range failed {
		if _, err := m.requeue(ctx, rec.Ref, content.OpUpdate); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	m.logger.Info("failed items re-queued", zap.Int("count", n), zap.Int("errors", len(errs)))
	return n, errors.Join(errs...)
}

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/queue"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/status"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 300 * time.Second},
		{2, 900 * time.Second},
		{3, 3600 * time.Second},
		{4, 14400 * time.Second},
		{5, 86400 * time.Second},
		{9, 86400 * time.Second},
		{0, 86400 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

// recordingScheduler remembers the times delayed jobs were scheduled for.
type recordingScheduler struct {
	*scheduler.Memory
	delayed []time.Time
}

func (r *recordingScheduler) ScheduleDelayed(ctx context.Context, at time.Time, job scheduler.Job, group string) (string, error) {
	r.delayed = append(r.delayed, at)
	return r.Memory.ScheduleDelayed(ctx, at, job, group)
}

type fixture struct {
	sched  *recordingScheduler
	status *status.Store
	mgr    *Manager
	now    time.Time
	mt     *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	mem := scheduler.NewMemory(scheduler.MemoryConfig{Workers: 1}, logger)
	t.Cleanup(func() { _ = mem.Stop(context.Background()) })
	sched := &recordingScheduler{Memory: mem}

	st, err := status.Open(ctx, "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	mt := metrics.New(prometheus.NewRegistry())
	q := queue.New(sched, 1, nil, logger)
	mgr := New(sched, q, st, 1, logger, WithClock(func() time.Time { return now }), WithMetrics(mt))
	return &fixture{sched: sched, status: st, mgr: mgr, now: now, mt: mt}
}

func (f *fixture) fail(t *testing.T, ref content.Ref) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.status.Set(ctx, ref, content.StatusProcessing, status.Update{ContentHash: "h1"}))
	require.NoError(t, f.status.Set(ctx, ref, content.StatusFailed, status.Update{
		ErrorMessage: status.Ptr("provider down"),
		RetryCount:   status.Ptr(1),
	}))
}

var post = content.Ref{ID: 7, Type: "post"}

func TestQueueRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.mgr.QueueRetry(ctx, post, content.OpUpdate, 2, "provider down")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, f.sched.delayed, 1)
	assert.Equal(t, f.now.Add(15*time.Minute), f.sched.delayed[0])

	ticket := scheduler.Job{Name: scheduler.JobRetryItem, Args: scheduler.Args{SiteID: 1, ContentID: 7, ContentType: "post", Operation: "update", Attempt: 2}}
	has, err := f.sched.HasScheduled(ctx, ticket, scheduler.RetryGroup(1))
	require.NoError(t, err)
	assert.True(t, has, "retries live in the retry group")

	has, err = f.sched.HasScheduled(ctx, ticket, scheduler.IndexGroup(1))
	require.NoError(t, err)
	assert.False(t, has)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.mt.RetriesScheduled.WithLabelValues("2")))
}

func TestRetryFiring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, post)

	ticket := scheduler.Job{Name: scheduler.JobRetryItem, Args: scheduler.Args{SiteID: 1, ContentID: 7, ContentType: "post", Attempt: 1, Error: "provider down"}}
	require.NoError(t, f.sched.Dispatch(ctx, ticket))

	rec, err := f.status.Get(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, content.StatusQueued, rec.Status)
	assert.Equal(t, "h1", rec.ContentHash)

	has, err := f.sched.HasScheduled(ctx, queue.Job(1, post, content.OpUpdate), scheduler.IndexGroup(1))
	require.NoError(t, err)
	assert.True(t, has, "an update job is pushed")
}

func TestRetryFiring_ReplaysDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fail(t, post)

	_, err := f.mgr.QueueRetry(ctx, post, content.OpDelete, 1, "vector store failed: unreachable")
	require.NoError(t, err)

	ticket := scheduler.Job{Name: scheduler.JobRetryItem, Args: scheduler.Args{SiteID: 1, ContentID: 7, ContentType: "post", Operation: "delete", Attempt: 1}}
	has, err := f.sched.HasScheduled(ctx, ticket, scheduler.RetryGroup(1))
	require.NoError(t, err)
	require.True(t, has, "the ticket carries the operation")

	require.NoError(t, f.sched.Dispatch(ctx, ticket))

	has, err = f.sched.HasScheduled(ctx, queue.Job(1, post, content.OpDelete), scheduler.IndexGroup(1))
	require.NoError(t, err)
	assert.True(t, has, "a delete job is pushed")
	has, err = f.sched.HasScheduled(ctx, queue.Job(1, post, content.OpUpdate), scheduler.IndexGroup(1))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRetryFiring_SkipsItemsNoLongerFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ticket := scheduler.Job{Name: scheduler.JobRetryItem, Args: scheduler.Args{SiteID: 1, ContentID: 7, ContentType: "post", Attempt: 1}}
	require.NoError(t, f.sched.Dispatch(ctx, ticket), "untracked item")
	assert.Zero(t, f.sched.Pending())

	require.NoError(t, f.status.Set(ctx, post, content.StatusProcessing, status.Update{ContentHash: "h1"}))
	require.NoError(t, f.status.Set(ctx, post, content.StatusIndexed, status.Update{}))
	require.NoError(t, f.sched.Dispatch(ctx, ticket))

	rec, err := f.status.Get(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, content.StatusIndexed, rec.Status)
	assert.Zero(t, f.sched.Pending())
}

func TestRetryNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.RetryNow(ctx, post)
	assert.ErrorIs(t, err, status.ErrNotFound)

	f.fail(t, post)
	id, err := f.mgr.RetryNow(ctx, post)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := f.status.Get(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, content.StatusQueued, rec.Status)

	again, err := f.mgr.RetryNow(ctx, post)
	require.NoError(t, err)
	assert.Empty(t, again, "already pending")
}

func TestRetryNow_Processing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.status.Set(ctx, post, content.StatusProcessing, status.Update{}))

	_, err := f.mgr.RetryNow(ctx, post)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}

func TestRetryAllFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.fail(t, content.Ref{ID: 1, Type: "post"})
	f.fail(t, content.Ref{ID: 2, Type: "post"})
	f.fail(t, content.Ref{ID: 3, Type: "page"})
	require.NoError(t, f.status.Set(ctx, content.Ref{ID: 4, Type: "post"}, content.StatusQueued, status.Update{}))

	n, err := f.mgr.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.sched.Pending())

	failed, err := f.status.FailedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

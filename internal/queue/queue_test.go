package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/indexd/internal/content"
	"github.com/fyrsmithlabs/indexd/internal/metrics"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

func TestPush_Dedup(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.NewMemory(scheduler.MemoryConfig{Workers: 1}, zaptest.NewLogger(t))
	m := metrics.New(prometheus.NewRegistry())
	q := New(sched, 3, m, zaptest.NewLogger(t))

	id, err := q.Push(ctx, 42, "post", content.OpUpdate)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	dup, err := q.Push(ctx, 42, "post", content.OpUpdate)
	require.NoError(t, err)
	assert.Empty(t, dup, "second push before the first is consumed is skipped")
	assert.Equal(t, 1, sched.Pending())

	other, err := q.Push(ctx, 42, "post", content.OpDelete)
	require.NoError(t, err)
	assert.NotEmpty(t, other, "a different operation is a different job")
	assert.Equal(t, 2, sched.Pending())

	has, err := sched.HasScheduled(ctx, Job(3, content.Ref{ID: 42, Type: "post"}, content.OpUpdate), scheduler.IndexGroup(3))
	require.NoError(t, err)
	assert.True(t, has)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueuePushesTotal.WithLabelValues("update", "submitted"))+
		testutil.ToFloat64(m.QueuePushesTotal.WithLabelValues("update", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueuePushesTotal.WithLabelValues("update", "duplicate")))
}

func TestPush_Invalid(t *testing.T) {
	q := New(scheduler.NewMemory(scheduler.MemoryConfig{}, nil), 1, nil, nil)

	_, err := q.Push(context.Background(), 0, "post", content.OpUpdate)
	assert.Error(t, err)
	_, err = q.Push(context.Background(), 1, "", content.OpUpdate)
	assert.Error(t, err)
	_, err = q.Push(context.Background(), 1, "post", "upsert")
	assert.Error(t, err)
}

type failingScheduler struct {
	scheduler.Scheduler
	hasErr, enqueueErr error
	enqueued           int
}

func (f *failingScheduler) HasScheduled(context.Context, scheduler.Job, string) (bool, error) {
	return false, f.hasErr
}

func (f *failingScheduler) EnqueueAsync(context.Context, scheduler.Job, string) (string, error) {
	f.enqueued++
	return "", f.enqueueErr
}

func TestPush_SchedulerErrors(t *testing.T) {
	ctx := context.Background()

	f := &failingScheduler{hasErr: errors.New("describe failed")}
	_, err := New(f, 1, nil, nil).Push(ctx, 1, "post", content.OpUpdate)
	require.Error(t, err)
	assert.Zero(t, f.enqueued, "nothing is submitted when the dedup check fails")

	f = &failingScheduler{enqueueErr: errors.New("unavailable")}
	_, err = New(f, 1, nil, nil).Push(ctx, 1, "post", content.OpUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestJob(t *testing.T) {
	job := Job(2, content.Ref{ID: 5, Type: "page"}, content.OpDelete)
	assert.Equal(t, scheduler.JobIndexItem, job.Name)
	assert.Equal(t, scheduler.Args{SiteID: 2, ContentID: 5, ContentType: "page", Operation: "delete"}, job.Args)
}

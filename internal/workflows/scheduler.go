package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

// workflowClient is the part of client.Client the scheduler uses.
type workflowClient interface {
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

// Scheduler implements scheduler.Scheduler on Temporal. Handlers registered
// with Handle run inside the Temporal worker created by NewWorker.
type Scheduler struct {
	client    workflowClient
	handlers  *scheduler.Handlers
	taskQueue string
	logger    *zap.Logger
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a Temporal-backed scheduler submitting to taskQueue.
func NewScheduler(c workflowClient, taskQueue string, logger *zap.Logger) *Scheduler {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		client:    c,
		handlers:  scheduler.NewHandlers(),
		taskQueue: taskQueue,
		logger:    logger.Named("temporal"),
	}
}

// WorkflowID is the workflow id of job in group.
func WorkflowID(group string, job scheduler.Job) string {
	return group + "/" + job.Key()
}

// Handle implements scheduler.Scheduler.
func (s *Scheduler) Handle(name string, h scheduler.Handler) {
	s.handlers.Handle(name, h)
}

// Handlers returns the table the Temporal worker dispatches to.
func (s *Scheduler) Handlers() *scheduler.Handlers {
	return s.handlers
}

// EnqueueAsync implements scheduler.Scheduler.
func (s *Scheduler) EnqueueAsync(ctx context.Context, job scheduler.Job, group string) (string, error) {
	return s.submit(ctx, time.Time{}, job, group)
}

// ScheduleDelayed implements scheduler.Scheduler.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, at time.Time, job scheduler.Job, group string) (string, error) {
	return s.submit(ctx, at, job, group)
}

func (s *Scheduler) submit(ctx context.Context, at time.Time, job scheduler.Job, group string) (string, error) {
	id := WorkflowID(group, job)
	req := JobRequest{Job: job, Group: group, NotBefore: at}
	opts := client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             s.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}

	if _, err := s.client.SignalWithStartWorkflow(ctx, id, SignalResubmit, req, opts, JobWorkflow, req); err != nil {
		return "", fmt.Errorf("submitting job %s: %w", id, err)
	}

	s.logger.Debug("job submitted",
		zap.String("workflow_id", id),
		zap.Time("not_before", at),
	)
	return id, nil
}

// HasScheduled implements scheduler.Scheduler: the workflow is running and
// its job activity has not started.
func (s *Scheduler) HasScheduled(ctx context.Context, job scheduler.Job, group string) (bool, error) {
	id := WorkflowID(group, job)
	resp, err := s.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("describing workflow %s: %w", id, err)
	}

	if resp.GetWorkflowExecutionInfo().GetStatus() != enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return false, nil
	}
	for _, pa := range resp.GetPendingActivities() {
		if pa.GetState() == enumspb.PENDING_ACTIVITY_STATE_STARTED {
			return false, nil
		}
	}
	return true, nil
}

// Package workflows runs scheduler jobs on Temporal.
//
// Every (group, job key) maps to one workflow id. A workflow waits until
// the job's not-before time, runs the job as an activity, and runs it again
// when it was re-submitted in the meantime. Submissions always go through
// signal-with-start, so re-submitting a job that is already waiting or
// running never creates a second workflow.
package workflows

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

const (
	// SignalResubmit carries a JobRequest for an already started workflow.
	SignalResubmit = "resubmit"

	// DefaultTaskQueue is used when no task queue is configured.
	DefaultTaskQueue = "indexd"

	activityTimeout = 10 * time.Minute

	// maxSignalsPerExecution bounds the history of one execution. Past it
	// the workflow continues as new with the pending request.
	maxSignalsPerExecution = 50
)

// JobRequest is the input of JobWorkflow and the payload of SignalResubmit.
type JobRequest struct {
	Job       scheduler.Job
	Group     string
	NotBefore time.Time // zero means now
}

// JobResult summarises one workflow execution.
type JobResult struct {
	Runs   int      // Number of times the job ran
	Errors []string // Failures of individual runs
}

// JobWorkflow runs req.Job once its not-before time has passed, then once
// more for every batch of re-submissions received while it ran. A job
// failure is recorded, not returned: retries are scheduled by the job
// itself. After maxSignalsPerExecution re-submissions the workflow
// continues as new, so a hot key never grows an unbounded history.
func JobWorkflow(ctx workflow.Context, req JobRequest) (*JobResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting job workflow", "job", req.Job.Key(), "group", req.Group)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	resubmit := workflow.GetSignalChannel(ctx, SignalResubmit)
	result := &JobResult{}
	signals := 0
	var a *Activities

	for {
		if err := waitUntil(ctx, resubmit, &req, &signals); err != nil {
			return result, err
		}
		if signals >= maxSignalsPerExecution {
			return result, continueAsNew(ctx, req, result)
		}

		// Submissions that arrived before the run are this run.
		var dup JobRequest
		for resubmit.ReceiveAsync(&dup) {
			signals++
		}

		err := workflow.ExecuteActivity(ctx, a.RunJobActivity, req.Job).Get(ctx, nil)
		result.Runs++
		if err != nil {
			logger.Warn("Job run failed", "job", req.Job.Key(), "error", err)
			result.Errors = append(result.Errors, runFailure(req.Job, err))
		}

		var next JobRequest
		if !resubmit.ReceiveAsync(&next) {
			break
		}
		signals++
		for resubmit.ReceiveAsync(&next) {
			signals++
		}
		logger.Info("Job re-submitted while running", "job", next.Job.Key())
		req = next
		if signals >= maxSignalsPerExecution {
			return result, continueAsNew(ctx, req, result)
		}
	}

	logger.Info("Job workflow complete", "job", req.Job.Key(), "runs", result.Runs)
	return result, nil
}

// continueAsNew restarts the workflow with req as its input. The pending
// run happens in the new execution.
func continueAsNew(ctx workflow.Context, req JobRequest, result *JobResult) error {
	workflow.GetLogger(ctx).Info("Continuing job workflow as new",
		"job", req.Job.Key(), "runs", result.Runs, "errors", len(result.Errors))
	return workflow.NewContinueAsNewError(ctx, JobWorkflow, req)
}

// waitUntil blocks until req.NotBefore. A re-submission asking for an
// earlier time moves the deadline forward. It returns early once signals
// reaches maxSignalsPerExecution.
func waitUntil(ctx workflow.Context, resubmit workflow.ReceiveChannel, req *JobRequest, signals *int) error {
	for {
		wait := req.NotBefore.Sub(workflow.Now(ctx))
		if wait <= 0 || *signals >= maxSignalsPerExecution {
			return nil
		}

		timerCtx, cancel := workflow.WithCancel(ctx)
		fired := false
		sel := workflow.NewSelector(ctx)
		sel.AddFuture(workflow.NewTimer(timerCtx, wait), func(f workflow.Future) {
			fired = true
		})
		sel.AddReceive(resubmit, func(c workflow.ReceiveChannel, _ bool) {
			var next JobRequest
			c.Receive(ctx, &next)
			*signals++
			if next.NotBefore.Before(req.NotBefore) {
				req.NotBefore = next.NotBefore
			}
		})
		sel.Select(ctx)
		cancel()

		if fired {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Activities executes jobs through the handler table of the process that
// hosts the Temporal worker.
type Activities struct {
	handlers *scheduler.Handlers
}

// NewActivities returns activities dispatching to handlers.
func NewActivities(handlers *scheduler.Handlers) *Activities {
	return &Activities{handlers: handlers}
}

// RunJobActivity runs one job.
func (a *Activities) RunJobActivity(ctx context.Context, job scheduler.Job) error {
	start := time.Now()
	err := a.handlers.Dispatch(ctx, job)
	recordActivity(ctx, job.Name, time.Since(start), err)
	return activityError(job, err)
}

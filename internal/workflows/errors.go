package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

// errTypeNoHandler is the application error type of jobs nobody handles.
const errTypeNoHandler = "NoHandler"

// activityError tags a handler error with the job name. A missing handler
// cannot succeed on another attempt, so it is non-retryable.
func activityError(job scheduler.Job, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, scheduler.ErrNoHandler) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeNoHandler, err)
	}
	return fmt.Errorf("%s: %w", job.Name, err)
}

// runFailure renders one failed run for JobResult.Errors.
func runFailure(job scheduler.Job, err error) string {
	return fmt.Sprintf("%s [%s]: %v", job.Name, job.Key(), err)
}

// Package task defines the unit of work a stage delegates to and its retry policy.
//
// A Task performs one bounded slice of work per invocation. Returning an error
// signals an infrastructure fault that the scheduler retries on its own budget;
// a business failure is reported as a TERMINAL result instead. A RUNNING result
// asks to be invoked again after the task's backoff, possibly on another worker,
// so tasks must not keep state in memory between invocations.
package task

import (
	"context"
	"fmt"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
)

// Task is the business logic behind one task of a stage
type Task interface {
	Execute(ctx context.Context, stage *pipeline.Stage) (Result, error)
}

// Func adapts a function to the Task interface
type Func func(ctx context.Context, stage *pipeline.Stage) (Result, error)

// Execute implements Task
func (f Func) Execute(ctx context.Context, stage *pipeline.Stage) (Result, error) {
	return f(ctx, stage)
}

// Retryable is implemented by tasks that poll until done
type Retryable interface {
	Task
	RetryPolicy() RetryPolicy
}

// PolicyOf returns the retry policy of t, or false when t is not a poller
func PolicyOf(t Task) (RetryPolicy, bool) {
	r, ok := t.(Retryable)
	if !ok {
		return RetryPolicy{}, false
	}
	return r.RetryPolicy(), true
}

// NewSystemError marks err as an infrastructure fault the scheduler may retry
func NewSystemError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithOp(errors.Wrap(err, errors.ErrTransient, "system error"), op)
}

// IsSystemError reports whether err should be retried by the scheduler.
// Only errors coded as permanent are excluded.
func IsSystemError(err error) bool {
	return errors.IsRetryable(err)
}

// Retrying wraps a plain task with a retry policy
func Retrying(t Task, policy RetryPolicy) Retryable {
	return retrying{Task: t, policy: policy}
}

type retrying struct {
	Task
	policy RetryPolicy
}

func (r retrying) RetryPolicy() RetryPolicy {
	return r.policy
}

// Name returns a printable name for a task, used in logs and metric labels
func Name(t Task) string {
	if named, ok := t.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", t)
}

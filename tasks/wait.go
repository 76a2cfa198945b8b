package tasks

import (
	"context"
	"time"

	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/task"
)

// Context keys read by WaitTask
const (
	KeyWaitTime          = "waitTime"
	KeySkipRemainingWait = "skipRemainingWait"
)

// WaitTask polls until waitTime seconds have passed since the stage's first task started
type WaitTask struct {
	now     func() time.Time
	backoff time.Duration
}

// NewWaitTask returns a wait task re-checking every backoff
func NewWaitTask(now func() time.Time, backoff time.Duration) *WaitTask {
	if now == nil {
		now = time.Now
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &WaitTask{now: now, backoff: backoff}
}

// Name returns the task name
func (t *WaitTask) Name() string {
	return "wait"
}

// RetryPolicy implements task.Retryable
func (t *WaitTask) RetryPolicy() task.RetryPolicy {
	return task.RetryPolicy{Backoff: t.backoff}
}

// Execute implements task.Task
func (t *WaitTask) Execute(ctx context.Context, stage *pipeline.Stage) (task.Result, error) {
	seconds, ok := pipeline.ContextValue[int64](stage.Context, KeyWaitTime)
	if !ok || seconds < 0 {
		return task.Terminal("waitTime must be a non-negative whole number of seconds", map[string]any{
			KeyWaitTime: stageValue(stage, KeyWaitTime),
		}), nil
	}

	if skip, _ := pipeline.ContextValue[bool](stage.Context, KeySkipRemainingWait); skip {
		return task.Succeeded(map[string]any{"waitSkipped": true}), nil
	}

	now := t.now()
	start := now
	if first := stage.FirstTaskStart(); first != nil {
		start = *first
	}

	if now.Sub(start) < time.Duration(seconds)*time.Second {
		return task.Running(nil), nil
	}
	return task.Succeeded(nil), nil
}

func stageValue(stage *pipeline.Stage, key string) any {
	v, _ := stage.Context.Get(key)
	return v
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/retry"
	"github.com/davidroman0O/orca/task"
)

// maxPasses bounds the state changes one Tick propagates
const maxPasses = 1000

// minPollDelay keeps a poller whose budget is spent from being re-invoked at the same instant
const minPollDelay = time.Millisecond

// Options configures a Runner
type Options struct {
	Tasks       *TaskRegistry
	Definitions *DefinitionRegistry
	Repository  ExecutionRepository

	// Archiver is optional
	Archiver Archiver
	Clock    Clock
	Logger   logging.Logger
	Metrics  *Metrics

	// MaxSystemRetries bounds how often a task raising a system error is re-invoked
	MaxSystemRetries int

	// SystemRetry shapes the delay between system-error retries
	SystemRetry retry.Config

	// StoreRetry is used for repository writes
	StoreRetry retry.Config

	// DefaultBackoff reschedules RUNNING results of tasks without a retry policy
	DefaultBackoff time.Duration

	// PassThrough lists upstream statuses that do not block downstream stages
	PassThrough []pipeline.ExecutionStatus

	// Workers bounds how many executions RunAll drives at once
	Workers int
}

// DefaultOptions returns options with the scheduler's default retry behaviour
func DefaultOptions() Options {
	return Options{
		Clock:            RealClock(),
		Logger:           logging.NewDefaultLogger(),
		MaxSystemRetries: 5,
		SystemRetry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2.0,
		},
		StoreRetry:     retry.DefaultConfig(),
		DefaultBackoff: 5 * time.Second,
		PassThrough:    []pipeline.ExecutionStatus{pipeline.StatusSkipped},
		Workers:        4,
	}
}

// Runner drives executions
type Runner struct {
	opts Options
}

// NewRunner validates opts and fills in defaults
func NewRunner(opts Options) (*Runner, error) {
	if opts.Tasks == nil || opts.Definitions == nil || opts.Repository == nil {
		return nil, errors.New(errors.ErrConfiguration, "runner needs a task registry, a definition registry and a repository")
	}

	defaults := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.MaxSystemRetries < 0 {
		opts.MaxSystemRetries = 0
	}
	if opts.StoreRetry.MaxAttempts < 1 {
		opts.StoreRetry = defaults.StoreRetry
	}
	if opts.DefaultBackoff <= 0 {
		opts.DefaultBackoff = defaults.DefaultBackoff
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{opts: opts}, nil
}

// Progress reports the outcome of one Tick
type Progress struct {
	// Done is set once the execution reached a completed status
	Done bool

	// Changed is set when a stage or task changed status
	Changed bool

	// NextWakeup is the earliest time a waiting task becomes due
	NextWakeup *time.Time
}

// RunResult contains the result of driving one execution
type RunResult struct {
	ExecutionID   string
	Status        pipeline.ExecutionStatus
	Error         error
	ExecutionTime time.Duration
}

// Start validates exec, marks it RUNNING and stores it
func (r *Runner) Start(ctx context.Context, exec *pipeline.Execution) error {
	if exec.Status != pipeline.StatusNotStarted {
		return errors.Newf(errors.ErrInvalidInput, "execution %s is %s, not %s", exec.ID, exec.Status, pipeline.StatusNotStarted)
	}
	if err := ValidateExecution(exec); err != nil {
		return err
	}

	now := r.opts.Clock.Now()
	exec.Status = pipeline.StatusRunning
	exec.StartTime = &now

	r.opts.Logger.Info("Starting execution %s (%s) with %d stages", exec.ID, exec.Name, exec.StageCount())
	return r.write(ctx, "StoreExecution", func(ctx context.Context) error {
		return r.opts.Repository.StoreExecution(ctx, exec)
	})
}

// Tick makes one deterministic pass over exec: it starts ready stages, plans
// synthetic stages, invokes due tasks at most once each and completes stages
// and the execution when they settle.
func (r *Runner) Tick(ctx context.Context, exec *pipeline.Execution) (Progress, error) {
	if exec.Status.IsComplete() {
		return Progress{Done: true}, nil
	}
	if exec.Status != pipeline.StatusRunning {
		return Progress{}, errors.Newf(errors.ErrInvalidInput, "execution %s has not been started", exec.ID)
	}

	t := &tick{
		runner:  r,
		exec:    exec,
		now:     r.opts.Clock.Now(),
		invoked: make(map[string]bool),
	}

	var progress Progress
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, stage := range exec.Stages() {
			c, err := t.step(ctx, stage)
			if err != nil {
				return progress, err
			}
			changed = changed || c
		}
		if !changed {
			break
		}
		progress.Changed = true
	}

	done, err := t.finishIfSettled(ctx)
	if err != nil {
		return progress, err
	}
	progress.Done = done
	progress.NextWakeup = t.wake
	return progress, nil
}

// Run starts exec if needed and ticks it until it completes or ctx ends.
// Between ticks it sleeps on the clock until the next task is due.
func (r *Runner) Run(ctx context.Context, exec *pipeline.Execution) RunResult {
	started := r.opts.Clock.Now()
	result := RunResult{ExecutionID: exec.ID}

	r.opts.Metrics.ActiveExecutions.Inc()
	defer r.opts.Metrics.ActiveExecutions.Dec()

	finish := func(err error) RunResult {
		result.Status = exec.Status
		result.Error = err
		result.ExecutionTime = r.opts.Clock.Now().Sub(started)
		return result
	}

	if exec.Status == pipeline.StatusNotStarted {
		if err := r.Start(ctx, exec); err != nil {
			return finish(err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(errors.Wrap(err, errors.ErrCancelled, "run interrupted"))
		}

		progress, err := r.Tick(ctx, exec)
		if err != nil {
			r.opts.Logger.Error("Execution %s: tick failed: %v", exec.ID, err)
			return finish(err)
		}
		if progress.Done {
			return finish(nil)
		}
		if progress.Changed {
			continue
		}
		if progress.NextWakeup == nil {
			return finish(errors.Newf(errors.ErrTerminal, "execution %s cannot make progress", exec.ID))
		}

		wait := progress.NextWakeup.Sub(r.opts.Clock.Now())
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return finish(errors.Wrap(ctx.Err(), errors.ErrCancelled, "run interrupted"))
		case <-r.opts.Clock.After(wait):
		}
	}
}

// RunAll drives several executions concurrently, at most Workers at a time.
// Results are returned in the order of execs.
func (r *Runner) RunAll(ctx context.Context, execs []*pipeline.Execution) []RunResult {
	results := make([]RunResult, len(execs))

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, exec := range execs {
		i, exec := i, exec
		g.Go(func() error {
			results[i] = r.Run(ctx, exec)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Resume reloads an execution from the repository and drives it to completion
func (r *Runner) Resume(ctx context.Context, id string) (*pipeline.Execution, RunResult) {
	exec, err := r.opts.Repository.RetrieveExecution(ctx, id)
	if err != nil {
		return nil, RunResult{ExecutionID: id, Error: errors.WithOp(err, "RetrieveExecution")}
	}
	r.opts.Logger.Info("Resuming execution %s at status %s", exec.ID, exec.Status)
	return exec, r.Run(ctx, exec)
}

// Cancel stops a running execution. Running stages and tasks move to STOPPED;
// tasks are expected to notice their stage's status on their next invocation.
func (r *Runner) Cancel(ctx context.Context, exec *pipeline.Execution, user, reason string) error {
	if exec.Status.IsComplete() {
		return errors.Newf(errors.ErrInvalidInput, "execution %s already %s", exec.ID, exec.Status)
	}

	now := r.opts.Clock.Now()
	exec.Canceled = true
	exec.CanceledBy = user
	exec.CancellationReason = reason

	for _, stage := range exec.Stages() {
		if stage.Status != pipeline.StatusRunning {
			continue
		}
		for i := range stage.Tasks {
			if !stage.Tasks[i].Status.IsComplete() {
				stage.Tasks[i].Status = pipeline.StatusStopped
				stage.Tasks[i].EndTime = &now
				stage.Tasks[i].NextAttempt = nil
			}
		}
		stage.Status = pipeline.StatusStopped
		stage.EndTime = &now
		r.opts.Metrics.StageCompletions.WithLabelValues(stage.Type, string(pipeline.StatusStopped)).Inc()
		if err := r.persistStage(ctx, stage); err != nil {
			return err
		}
	}

	exec.Status = pipeline.StatusStopped
	exec.EndTime = &now
	r.opts.Logger.Warn("Execution %s canceled by %s: %s", exec.ID, user, reason)
	if err := r.persistExecution(ctx, exec); err != nil {
		return err
	}
	r.archive(ctx, exec)
	return nil
}

func (r *Runner) write(ctx context.Context, op string, fn retry.Operation) error {
	cfg := r.opts.StoreRetry
	cfg.Retryable = errors.IsRetryable
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.opts.Logger.Warn("%s failed (attempt %d), retrying in %s: %v", op, attempt, delay, err)
	}
	if err := retry.Do(ctx, cfg, fn); err != nil {
		return errors.WithOp(err, op)
	}
	return nil
}

func (r *Runner) persistStage(ctx context.Context, stage *pipeline.Stage) error {
	return r.write(ctx, "UpdateStage", func(ctx context.Context) error {
		return r.opts.Repository.UpdateStage(ctx, stage)
	})
}

func (r *Runner) appendStage(ctx context.Context, stage *pipeline.Stage) error {
	return r.write(ctx, "AppendStage", func(ctx context.Context) error {
		return r.opts.Repository.AppendStage(ctx, stage)
	})
}

func (r *Runner) persistExecution(ctx context.Context, exec *pipeline.Execution) error {
	return r.write(ctx, "UpdateExecution", func(ctx context.Context) error {
		return r.opts.Repository.UpdateExecution(ctx, exec)
	})
}

func (r *Runner) archive(ctx context.Context, exec *pipeline.Execution) {
	if r.opts.Archiver == nil {
		return
	}
	if err := r.opts.Archiver.Archive(ctx, exec); err != nil {
		r.opts.Logger.Error("Execution %s: archive failed: %v", exec.ID, err)
	}
}

// FormatResults returns a human-readable summary of run results
func FormatResults(results []RunResult) string {
	if len(results) == 0 {
		return "No executions run"
	}

	var sb strings.Builder
	succeeded := 0
	for i, result := range results {
		if result.Status == pipeline.StatusSucceeded && result.Error == nil {
			succeeded++
		}
		fmt.Fprintf(&sb, "Execution %d: %s - %s (%s)\n",
			i+1,
			result.ExecutionID,
			result.Status,
			result.ExecutionTime.Round(time.Millisecond),
		)
		if result.Error != nil {
			fmt.Fprintf(&sb, "  Error: %v\n", result.Error)
		}
	}
	fmt.Fprintf(&sb, "\nSummary: %d/%d executions succeeded\n", succeeded, len(results))
	return sb.String()
}

// tick holds the state of one Tick call
type tick struct {
	runner  *Runner
	exec    *pipeline.Execution
	now     time.Time
	invoked map[string]bool
	wake    *time.Time
}

func (t *tick) wakeAt(at time.Time) {
	if t.wake == nil || at.Before(*t.wake) {
		w := at
		t.wake = &w
	}
}

// halted is set once a top-level stage failed or the execution was canceled.
// No new top-level stage starts after that.
func (t *tick) halted() bool {
	if t.exec.Canceled {
		return true
	}
	return anyFailed(t.exec.TopLevelStages()) != nil
}

func (t *tick) step(ctx context.Context, stage *pipeline.Stage) (bool, error) {
	switch stage.Status {
	case pipeline.StatusNotStarted:
		if !stage.IsSynthetic() && t.halted() {
			return false, nil
		}
		if !IsReady(stage, t.runner.opts.PassThrough...) {
			return false, nil
		}
		return true, t.startStage(ctx, stage)
	case pipeline.StatusRunning:
		return t.advanceStage(ctx, stage)
	}
	return false, nil
}

func (t *tick) startStage(ctx context.Context, stage *pipeline.Stage) error {
	now := t.now
	stage.Status = pipeline.StatusRunning
	stage.StartTime = &now

	def, err := t.runner.opts.Definitions.Lookup(stage.Type)
	if err != nil {
		setException(stage, err, nil)
		return t.completeStage(ctx, stage, pipeline.StatusTerminal)
	}

	if len(stage.Tasks) == 0 {
		for _, node := range def.Tasks(stage) {
			stage.Tasks = append(stage.Tasks, pipeline.TaskExecution{
				Name:   node.Name,
				Type:   node.Type,
				Status: pipeline.StatusNotStarted,
			})
		}
	}

	t.runner.opts.Logger.Info("Starting stage %s (%s, ref %s)", stage.Name, stage.Type, stage.RefID)
	return t.runner.persistStage(ctx, stage)
}

func (t *tick) advanceStage(ctx context.Context, stage *pipeline.Stage) (bool, error) {
	def, err := t.runner.opts.Definitions.Lookup(stage.Type)
	if err != nil {
		setException(stage, err, nil)
		return true, t.completeStage(ctx, stage, pipeline.StatusTerminal)
	}

	if !stage.BeforePlanned {
		if planner, ok := def.(BeforeStagesPlanner); ok {
			if err := t.plan(ctx, stage, def, pipeline.OwnerBefore, planner.BeforeStages, true); err != nil {
				return true, t.failToPlan(ctx, stage, "before", err)
			}
		}
		stage.BeforePlanned = true
		return true, t.runner.persistStage(ctx, stage)
	}

	before := t.exec.SyntheticStages(stage.ID, pipeline.OwnerBefore)
	failedBefore := anyFailed(before)
	if failedBefore == nil && !allComplete(before) {
		return false, nil
	}

	if failedBefore != nil {
		setException(stage, errors.Newf(errors.ErrTerminal, "before stage %s (%s) failed", failedBefore.Name, failedBefore.RefID), nil)
		skipRemainingTasks(stage, t.now)
		return t.settleFailure(ctx, stage, def)
	}
	if te := nextTask(stage); te != nil {
		return t.runTask(ctx, stage, te)
	}
	if anyTaskFailed(stage) != nil {
		return t.settleFailure(ctx, stage, def)
	}

	if !stage.AfterPlanned {
		if planner, ok := def.(AfterStagesPlanner); ok {
			if err := t.plan(ctx, stage, def, pipeline.OwnerAfter, planner.AfterStages, true); err != nil {
				return true, t.failToPlan(ctx, stage, "after", err)
			}
		}
		stage.AfterPlanned = true
		return true, t.runner.persistStage(ctx, stage)
	}

	after := t.exec.SyntheticStages(stage.ID, pipeline.OwnerAfter)
	if failed := anyFailed(after); failed != nil {
		setException(stage, errors.Newf(errors.ErrTerminal, "after stage %s (%s) failed", failed.Name, failed.RefID), nil)
		return true, t.completeStage(ctx, stage, pipeline.StatusTerminal)
	}
	if !allComplete(after) {
		return false, nil
	}
	return true, t.completeStage(ctx, stage, successStatus(stage))
}

// successStatus is SKIPPED when every task of the stage skipped itself
func successStatus(stage *pipeline.Stage) pipeline.ExecutionStatus {
	if len(stage.Tasks) == 0 {
		return pipeline.StatusSucceeded
	}
	for _, te := range stage.Tasks {
		if te.Status != pipeline.StatusSkipped {
			return pipeline.StatusSucceeded
		}
	}
	return pipeline.StatusSkipped
}

// settleFailure plans on-failure stages once, waits for them, then fails the stage
func (t *tick) settleFailure(ctx context.Context, stage *pipeline.Stage, def StageDefinition) (bool, error) {
	if !stage.AfterPlanned {
		if planner, ok := def.(FailureStagesPlanner); ok {
			if err := t.plan(ctx, stage, def, pipeline.OwnerAfter, planner.OnFailureStages, false); err != nil {
				t.runner.opts.Logger.Error("Stage %s: failed to plan on-failure stages: %v", stage.RefID, err)
			} else {
				stage.AfterPlanned = true
				return true, t.runner.persistStage(ctx, stage)
			}
		}
	}

	after := t.exec.SyntheticStages(stage.ID, pipeline.OwnerAfter)
	if anyFailed(after) == nil && !allComplete(after) {
		return false, nil
	}
	return true, t.completeStage(ctx, stage, pipeline.StatusTerminal)
}

func (t *tick) failToPlan(ctx context.Context, stage *pipeline.Stage, scope string, err error) error {
	t.runner.opts.Logger.Error("Stage %s: failed to plan %s stages: %v", stage.RefID, scope, err)
	setException(stage, err, nil)
	skipRemainingTasks(stage, t.now)
	return t.completeStage(ctx, stage, pipeline.StatusTerminal)
}

func (t *tick) plan(
	ctx context.Context,
	stage *pipeline.Stage,
	def StageDefinition,
	owner pipeline.SyntheticStageOwner,
	planner func(*pipeline.Stage, *pipeline.StageGraphBuilder) error,
	withPrefix bool,
) error {
	var prefix *pipeline.Stage
	if provider, ok := def.(PrefixProvider); ok && withPrefix {
		prefix = provider.RequiredPrefix(stage, owner)
	}

	// A scope is planned once, while it is still empty. Stages found here were
	// stored by a build that was interrupted, so the planner is replayed and
	// only the refIds not stored yet are appended.
	stored := len(t.exec.SyntheticStages(stage.ID, owner))

	var graph *pipeline.StageGraphBuilder
	switch {
	case stored > 0:
		t.runner.opts.Logger.Warn("Stage %s: replaying %s planning, %d stage(s) already stored",
			stage.RefID, strings.ToLower(string(owner)), stored)
		graph = pipeline.ReplayStages(stage, owner, prefix)
	case owner == pipeline.OwnerBefore:
		graph = pipeline.BeforeStages(stage, prefix)
	default:
		graph = pipeline.AfterStages(stage, prefix)
	}

	if err := planner(stage, graph); err != nil {
		return err
	}
	stages, err := graph.Build()
	if err != nil {
		return err
	}

	for _, s := range stages {
		if stored > 0 && t.exec.StageByRefID(s.RefID, stage.ID, owner) != nil {
			continue
		}
		t.exec.AddStage(s)
		if err := t.runner.appendStage(ctx, s); err != nil {
			return err
		}
		t.runner.opts.Logger.Debug("  Planned %s stage %s (%s) for %s", strings.ToLower(string(owner)), s.RefID, s.Type, stage.RefID)
	}
	return nil
}

func (t *tick) runTask(ctx context.Context, stage *pipeline.Stage, te *pipeline.TaskExecution) (bool, error) {
	r := t.runner
	now := t.now

	if te.NextAttempt != nil && now.Before(*te.NextAttempt) {
		t.wakeAt(*te.NextAttempt)
		return false, nil
	}
	key := stage.ID + "/" + te.Name
	if t.invoked[key] {
		if te.NextAttempt != nil {
			t.wakeAt(*te.NextAttempt)
		}
		return false, nil
	}
	t.invoked[key] = true

	impl, err := r.opts.Tasks.Lookup(te.Type)
	if err != nil {
		setException(stage, err, nil)
		finishTask(stage, te, pipeline.StatusTerminal, now)
		return true, r.persistStage(ctx, stage)
	}

	if te.StartTime == nil {
		te.Status = pipeline.StatusRunning
		te.StartTime = &now
	}
	elapsed := now.Sub(*te.StartTime)

	policy, retryable := task.PolicyOf(impl)
	if retryable {
		policy = task.EffectiveTimeout(policy, stage)
		if policy.TimedOut(elapsed) {
			r.opts.Metrics.TaskTimeouts.WithLabelValues(te.Type).Inc()
			r.opts.Logger.Warn("Task %s of stage %s timed out after %s", te.Name, stage.RefID, elapsed)
			setException(stage, errors.Newf(errors.ErrTimeout, "task %s timed out after %s", te.Name, policy.Timeout),
				map[string]any{"timeout": policy.Timeout.String(), "elapsed": elapsed.String()})
			finishTask(stage, te, pipeline.StatusTerminal, now)
			return true, r.persistStage(ctx, stage)
		}
	}

	result, err := impl.Execute(ctx, stage)
	if err != nil {
		if task.IsSystemError(err) {
			r.opts.Metrics.TaskSystemErrors.WithLabelValues(te.Type).Inc()
			if te.Attempts < r.opts.MaxSystemRetries {
				te.Attempts++
				next := now.Add(retry.Delay(te.Attempts, r.opts.SystemRetry))
				te.NextAttempt = &next
				t.wakeAt(next)
				r.opts.Logger.Warn("Task %s of stage %s failed (attempt %d/%d), retrying at %s: %v",
					te.Name, stage.RefID, te.Attempts, r.opts.MaxSystemRetries, next.Format(time.RFC3339), err)
				return false, r.persistStage(ctx, stage)
			}
		}
		r.opts.Metrics.TaskInvocations.WithLabelValues(te.Type, string(pipeline.StatusTerminal)).Inc()
		setException(stage, err, map[string]any{"attempts": te.Attempts, "task": te.Name})
		finishTask(stage, te, pipeline.StatusTerminal, now)
		return true, r.persistStage(ctx, stage)
	}

	status := result.Status()
	r.opts.Metrics.TaskInvocations.WithLabelValues(te.Type, string(status)).Inc()
	result.ApplyTo(stage)
	if len(result.GlobalOutputs()) > 0 {
		if err := r.persistExecution(ctx, t.exec); err != nil {
			return false, err
		}
	}

	switch status {
	case pipeline.StatusRunning:
		delay := r.opts.DefaultBackoff
		if retryable {
			delay = policy.NextDelay(elapsed)
		}
		if delay <= 0 {
			delay = minPollDelay
		}
		next := now.Add(delay)
		te.NextAttempt = &next
		t.wakeAt(next)
		return false, r.persistStage(ctx, stage)
	case pipeline.StatusSucceeded, pipeline.StatusSkipped, pipeline.StatusTerminal, pipeline.StatusStopped:
		finishTask(stage, te, status, now)
	default:
		setException(stage, errors.Newf(errors.ErrTerminal, "task %s returned status %q", te.Name, status), nil)
		finishTask(stage, te, pipeline.StatusTerminal, now)
	}
	return true, r.persistStage(ctx, stage)
}

func (t *tick) completeStage(ctx context.Context, stage *pipeline.Stage, status pipeline.ExecutionStatus) error {
	now := t.now
	stage.Status = status
	stage.EndTime = &now

	m := t.runner.opts.Metrics
	m.StageCompletions.WithLabelValues(stage.Type, string(status)).Inc()
	if stage.StartTime != nil {
		m.StageDuration.WithLabelValues(stage.Type).Observe(now.Sub(*stage.StartTime).Seconds())
	}

	if !status.IsFailure() {
		t.runner.opts.Logger.Info("Stage %s (%s) finished %s", stage.Name, stage.RefID, status)
	} else {
		t.runner.opts.Logger.Warn("Stage %s (%s) finished %s", stage.Name, stage.RefID, status)
	}
	return t.runner.persistStage(ctx, stage)
}

// finishIfSettled completes the execution once no stage is running
func (t *tick) finishIfSettled(ctx context.Context) (bool, error) {
	for _, s := range t.exec.Stages() {
		if s.Status == pipeline.StatusRunning {
			return false, nil
		}
	}

	status := pipeline.StatusSucceeded
	switch {
	case t.exec.Canceled:
		status = pipeline.StatusStopped
	case anyFailed(t.exec.TopLevelStages()) != nil:
		status = pipeline.StatusTerminal
	case !allComplete(t.exec.TopLevelStages()):
		t.runner.opts.Logger.Warn("Execution %s: stages blocked by upstream statuses", t.exec.ID)
		status = pipeline.StatusTerminal
	}

	now := t.now
	t.exec.Status = status
	t.exec.EndTime = &now
	t.runner.opts.Logger.Info("Execution %s finished %s", t.exec.ID, status)

	if err := t.runner.persistExecution(ctx, t.exec); err != nil {
		return false, err
	}
	t.runner.archive(ctx, t.exec)
	return true, nil
}

func finishTask(stage *pipeline.Stage, te *pipeline.TaskExecution, status pipeline.ExecutionStatus, now time.Time) {
	te.Status = status
	te.EndTime = &now
	te.NextAttempt = nil
	if status.IsFailure() {
		skipRemainingTasks(stage, now)
	}
}

// skipRemainingTasks marks tasks that never ran as SKIPPED
func skipRemainingTasks(stage *pipeline.Stage, now time.Time) {
	for i := range stage.Tasks {
		if stage.Tasks[i].Status == pipeline.StatusNotStarted {
			stage.Tasks[i].Status = pipeline.StatusSkipped
			stage.Tasks[i].EndTime = &now
		}
	}
}

// setException records failure diagnostics unless a task already did
func setException(stage *pipeline.Stage, err error, extra map[string]any) {
	if _, ok := stage.Context.Get(pipeline.KeyException); ok {
		return
	}
	exception := map[string]any{
		"message": err.Error(),
		"code":    errors.GetCode(err).String(),
	}
	details := make(map[string]any)
	for k, v := range errors.GetContext(err) {
		details[k] = v
	}
	for k, v := range extra {
		details[k] = v
	}
	if len(details) > 0 {
		exception["details"] = details
	}
	stage.Context.Set(pipeline.KeyException, exception)
}

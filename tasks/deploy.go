package tasks

import (
	"context"
	"time"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/task"
)

// Context keys of deploy stages
const (
	KeyAccount             = "account"
	KeyServerGroup         = "serverGroup"
	KeyCapacity            = "capacity"
	KeyApplication         = "application"
	KeyOptionalApplication = "optionalApplication"
	KeyRecipient           = "recipient"

	// outputs
	KeyDeployedServerGroup = "deploy.serverGroup"
	KeyDeployedAccount     = "deploy.account"
	KeySagaVersion         = "deploy.sagaVersion"
	KeyDeployedGroups      = "deployedServerGroups"
)

// DeploySagaName names the saga log of deploy tasks. Each stage has its own log.
const DeploySagaName = "deploy"

// DeployTask hands a deploy command chain to the saga engine. A redelivered
// invocation finds the command completed in the stage's saga log and only
// reports the recorded outcome.
type DeployTask struct {
	engine *saga.Engine
}

// NewDeployTask returns a deploy task dispatching to engine
func NewDeployTask(engine *saga.Engine) *DeployTask {
	return &DeployTask{engine: engine}
}

// Name returns the task name
func (t *DeployTask) Name() string {
	return "deploy"
}

// Command builds the command chain for stage: load the application, then
// upsert the server group and notify its owner.
func (t *DeployTask) Command(stage *pipeline.Stage) (saga.Command, error) {
	account, _ := pipeline.ContextValue[string](stage.Context, KeyAccount)
	group, _ := pipeline.ContextValue[string](stage.Context, KeyServerGroup)
	if account == "" || group == "" {
		return nil, errors.Newf(errors.ErrInvalidInput, "deploy stage %s needs %s and %s", stage.RefID, KeyAccount, KeyServerGroup)
	}
	capacity, _ := pipeline.ContextValue[int](stage.Context, KeyCapacity)
	if capacity < 0 {
		return nil, errors.Newf(errors.ErrInvalidInput, "capacity must be >= 0, got %d", capacity)
	}

	application, _ := pipeline.ContextValue[string](stage.Context, KeyApplication)
	if application == "" && stage.Execution != nil {
		application = stage.Execution.Application
	}
	optional, _ := pipeline.ContextValue[bool](stage.Context, KeyOptionalApplication)
	recipient, _ := pipeline.ContextValue[string](stage.Context, KeyRecipient)

	meta := saga.CommandMetadata{IdempotencyKey: stage.ID}
	return saga.LoadApplication{
		BaseCommand: saga.BaseCommand{Meta: meta},
		Application: application,
		Optional:    optional,
		Then: saga.NewManyCommands(meta.CausedBy(saga.CommandTypeLoadApplication),
			UpsertServerGroup{
				BaseCommand: saga.BaseCommand{Meta: meta.CausedBy(saga.CommandTypeLoadApplication)},
				Account:     account,
				ServerGroup: group,
				Capacity:    capacity,
			},
			NotifyDeployment{
				BaseCommand: saga.BaseCommand{Meta: meta.CausedBy(saga.CommandTypeLoadApplication)},
				ServerGroup: group,
				Recipient:   recipient,
			},
		),
	}, nil
}

// Execute implements task.Task
func (t *DeployTask) Execute(ctx context.Context, stage *pipeline.Stage) (task.Result, error) {
	cmd, err := t.Command(stage)
	if err != nil {
		return failed(err), nil
	}

	log, err := t.engine.Handle(ctx, DeploySagaName, stage.ID, cmd)
	if err != nil {
		if errors.IsConflict(err) {
			// another worker is applying the same command; the next attempt reads its outcome
			return task.Result{}, task.NewSystemError("deploy", err)
		}
		if saga.IsIntegrationError(err) || errors.IsPermanent(err) {
			return failed(err), nil
		}
		return task.Result{}, task.NewSystemError("deploy", err)
	}

	upserted := log.EventsOfType(EventServerGroupUpserted)
	if len(upserted) == 0 {
		return task.Terminal("deploy saga completed without upserting a server group", map[string]any{
			"sagaVersion": log.Version(),
		}), nil
	}
	last := upserted[len(upserted)-1].Attributes

	outputs := map[string]any{
		KeyDeployedServerGroup: last["serverGroup"],
		KeyDeployedAccount:     last["account"],
		KeySagaVersion:         log.Version(),
	}
	globals := map[string]any{
		KeyDeployedGroups: appendDeployed(stage, last["account"], last["serverGroup"]),
	}
	return task.NewResult(pipeline.StatusSucceeded, outputs, globals), nil
}

func appendDeployed(stage *pipeline.Stage, account, group any) []any {
	var out []any
	if stage.Execution != nil {
		if existing, ok := pipeline.ContextValue[[]any](stage.Execution.Context, KeyDeployedGroups); ok {
			out = append(out, existing...)
		}
	}
	key := toString(account) + "/" + toString(group)
	for _, v := range out {
		if v == key {
			return out
		}
	}
	return append(out, key)
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

// failed converts a permanent error into a TERMINAL result
func failed(err error) task.Result {
	details := map[string]any{"code": errors.GetCode(err).String()}
	for k, v := range errors.GetContext(err) {
		details[k] = v
	}
	return task.Terminal(err.Error(), details)
}

// VerifyServerGroupTask polls the cloud until the deployed group reports healthy
type VerifyServerGroupTask struct {
	cloud  Cloud
	policy task.RetryPolicy
}

// NewVerifyServerGroupTask polls every backoff until timeout
func NewVerifyServerGroupTask(cloud Cloud, backoff, timeout time.Duration) *VerifyServerGroupTask {
	return &VerifyServerGroupTask{cloud: cloud, policy: task.RetryPolicy{Backoff: backoff, Timeout: timeout}}
}

// Name returns the task name
func (t *VerifyServerGroupTask) Name() string {
	return "verifyServerGroup"
}

// RetryPolicy implements task.Retryable
func (t *VerifyServerGroupTask) RetryPolicy() task.RetryPolicy {
	return t.policy
}

// Execute implements task.Task
func (t *VerifyServerGroupTask) Execute(ctx context.Context, stage *pipeline.Stage) (task.Result, error) {
	account, _ := pipeline.ContextValue[string](stage.Context, KeyAccount)
	name, _ := pipeline.ContextValue[string](stage.Context, KeyServerGroup)

	group, err := t.cloud.ServerGroup(ctx, account, name)
	if err != nil {
		if errors.IsNotFound(err) {
			return failed(err), nil
		}
		return task.Result{}, task.NewSystemError("verifyServerGroup", err)
	}
	if !group.Healthy {
		return task.Running(map[string]any{"healthy": false}), nil
	}
	return task.Succeeded(map[string]any{"healthy": true, KeyCapacity: group.Capacity}), nil
}

// DestroyServerGroupTask removes a server group. A missing group counts as destroyed.
type DestroyServerGroupTask struct {
	cloud Cloud
}

// NewDestroyServerGroupTask returns a destroy task backed by cloud
func NewDestroyServerGroupTask(cloud Cloud) *DestroyServerGroupTask {
	return &DestroyServerGroupTask{cloud: cloud}
}

// Name returns the task name
func (t *DestroyServerGroupTask) Name() string {
	return "destroyServerGroup"
}

// Execute implements task.Task
func (t *DestroyServerGroupTask) Execute(ctx context.Context, stage *pipeline.Stage) (task.Result, error) {
	account, _ := pipeline.ContextValue[string](stage.Context, KeyAccount)
	name, _ := pipeline.ContextValue[string](stage.Context, KeyServerGroup)
	if account == "" || name == "" {
		return task.NewResult(pipeline.StatusSkipped, map[string]any{"destroyed": false}, nil), nil
	}

	if err := t.cloud.DestroyServerGroup(ctx, account, name); err != nil {
		return task.Result{}, task.NewSystemError("destroyServerGroup", err)
	}
	return task.Succeeded(map[string]any{"destroyed": true}), nil
}

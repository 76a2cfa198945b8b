package stages

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/persistence/memory"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/scheduler"
	"github.com/davidroman0O/orca/tasks"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type world struct {
	runner *scheduler.Runner
	clock  *scheduler.ManualClock
	cloud  *tasks.MemoryCloud
	repo   *memory.ExecutionRepository
}

// testWriter sends log records to the test output
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		clock: scheduler.NewManualClock(epoch),
		cloud: tasks.NewMemoryCloud(),
		repo:  memory.NewExecutionRepository(nil),
	}
	w.cloud.WarmupPolls = 2

	apps := saga.NewStaticApplicationRegistry(saga.Application{Name: "web", Accounts: []string{"prod"}})
	sagas := saga.NewEngine(
		tasks.RegisterDeployActions(saga.NewRegistry(), apps, w.cloud, tasks.LogNotifier{}),
		memory.NewSagaRepository(nil),
		saga.WithClock(w.clock.Now),
	)

	opts := scheduler.DefaultOptions()
	opts.Tasks = tasks.Register(scheduler.NewTaskRegistry(), tasks.Dependencies{
		Now:         w.clock.Now,
		Cloud:       w.cloud,
		Sagas:       sagas,
		WaitBackoff: time.Second,
		VerifyPoll:  time.Second,
	})
	opts.Definitions = Register(scheduler.NewDefinitionRegistry())
	opts.Repository = w.repo
	opts.Clock = w.clock
	opts.Metrics = scheduler.NewMetrics(prometheus.NewRegistry())
	opts.Logger = logging.NewSlogLogger("debug", "text", testWriter{t})

	runner, err := scheduler.NewRunner(opts)
	require.NoError(t, err)
	w.runner = runner
	return w
}

func deployStage(values map[string]any) *pipeline.Stage {
	s := pipeline.NewStage(TypeDeploy, "Deploy web")
	s.RefID = "1"
	s.Context.Merge(map[string]any{tasks.KeyAccount: "prod", tasks.KeyServerGroup: "web-v001", tasks.KeyCapacity: 2})
	s.Context.Merge(values)
	return s
}

func TestDefinitionsRegisterEveryType(t *testing.T) {
	registry := Register(scheduler.NewDefinitionRegistry())
	assert.Equal(t, []string{"deploy", "destroyServerGroup", "evaluateVariables", "verifyServerGroup", "wait"}, registry.Types())
}

func TestDeployPlansWaitsAndVerification(t *testing.T) {
	w := newWorld(t)
	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "deploy web")
	deploy := deployStage(map[string]any{KeyWaitBefore: 5, KeyWaitAfter: 10})
	exec.AddStage(deploy)

	result := w.runner.Run(context.Background(), exec)
	require.NoError(t, result.Error)
	assert.Equal(t, pipeline.StatusSucceeded, result.Status)

	require.Equal(t, 4, exec.StageCount())
	before := exec.StageByRefID("1<0", deploy.ID, pipeline.OwnerBefore)
	require.NotNil(t, before)
	assert.Equal(t, TypeWait, before.Type)

	verify := exec.StageByRefID("1>0", deploy.ID, pipeline.OwnerAfter)
	require.NotNil(t, verify)
	assert.Equal(t, TypeVerifyServerGroup, verify.Type)
	assert.Equal(t, pipeline.StatusSucceeded, verify.Status)

	after := exec.StageByRefID("1>1", deploy.ID, pipeline.OwnerAfter)
	require.NotNil(t, after)
	assert.Equal(t, TypeWait, after.Type)
	assert.Equal(t, []string{"1>0"}, after.RequisiteStageRefIDs)

	assert.Equal(t, []string{"prod/web-v001"}, w.cloud.Names())
	groups, ok := exec.Context.Get(tasks.KeyDeployedGroups)
	require.True(t, ok)
	assert.Equal(t, []any{"prod/web-v001"}, groups)
	assert.False(t, w.clock.Now().Before(epoch.Add(15*time.Second)))

	stored, err := w.repo.RetrieveExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, stored.Status)
	assert.Equal(t, 4, stored.StageCount())
}

func TestDeployWithoutWaitsStillVerifies(t *testing.T) {
	w := newWorld(t)
	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "deploy web")
	deploy := deployStage(nil)
	exec.AddStage(deploy)

	result := w.runner.Run(context.Background(), exec)
	require.NoError(t, result.Error)
	assert.Equal(t, pipeline.StatusSucceeded, result.Status)
	require.Equal(t, 2, exec.StageCount())
	assert.Empty(t, exec.SyntheticStages(deploy.ID, pipeline.OwnerBefore))
}

func TestFailedDeployRunsCleanup(t *testing.T) {
	w := newWorld(t)
	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "deploy web")
	deploy := deployStage(map[string]any{tasks.KeyAccount: "test"})
	exec.AddStage(deploy)

	result := w.runner.Run(context.Background(), exec)
	assert.Equal(t, pipeline.StatusTerminal, result.Status)
	assert.Equal(t, pipeline.StatusTerminal, deploy.Status)

	cleanup := exec.StageByRefID("1>0", deploy.ID, pipeline.OwnerAfter)
	require.NotNil(t, cleanup)
	assert.Equal(t, TypeDestroyServerGroup, cleanup.Type)
	assert.Equal(t, pipeline.StatusSucceeded, cleanup.Status)
	assert.Empty(t, w.cloud.Names())

	exception, ok := pipeline.ContextValue[map[string]any](deploy.Context, pipeline.KeyException)
	require.True(t, ok)
	assert.Contains(t, exception["message"], "may not deploy to account test")
}

func TestVariablesFeedLaterStages(t *testing.T) {
	w := newWorld(t)
	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "variables")

	vars := pipeline.NewStage(TypeEvaluateVariables, "Variables")
	vars.RefID = "1"
	vars.Context.Set(tasks.KeyVariables, []any{
		map[string]any{"key": "delay", "value": 2},
		map[string]any{"key": "label", "value": "waited ${delay}s"},
	})
	exec.AddStage(vars)

	wait := pipeline.NewStage(TypeWait, "Wait")
	wait.RefID = "2"
	wait.AddRequisite("1")
	wait.Context.Set(tasks.KeyWaitTime, 2)
	exec.AddStage(wait)

	result := w.runner.Run(context.Background(), exec)
	require.NoError(t, result.Error)
	assert.Equal(t, pipeline.StatusSucceeded, result.Status)

	label, _ := exec.Context.Get("label")
	assert.Equal(t, "waited 2s", label)
	assert.Equal(t, pipeline.StatusSucceeded, wait.Status)
}

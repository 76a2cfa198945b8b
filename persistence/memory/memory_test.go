package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/saga"
	"github.com/davidroman0O/orca/store"
)

func sampleExecution() *pipeline.Execution {
	exec := pipeline.NewExecution(pipeline.TypePipeline, "web", "deploy web")
	exec.Context.Set("region", "us-east-1")

	first := pipeline.NewStage("wait", "Wait")
	first.RefID = "1"
	first.Context.Set("waitTime", 5)
	exec.AddStage(first)

	second := pipeline.NewStage("deploy", "Deploy")
	second.RefID = "2"
	second.AddRequisite("1")
	exec.AddStage(second)
	return exec
}

func TestStoreAndRetrieveExecution(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionRepository(nil)
	exec := sampleExecution()

	require.NoError(t, repo.StoreExecution(ctx, exec))

	loaded, err := repo.RetrieveExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, loaded.ID)
	assert.Equal(t, "web", loaded.Application)
	assert.Equal(t, pipeline.StatusNotStarted, loaded.Status)

	region, ok := pipeline.ContextValue[string](loaded.Context, "region")
	require.True(t, ok)
	assert.Equal(t, "us-east-1", region)

	stages := loaded.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "1", stages[0].RefID)
	assert.Equal(t, "2", stages[1].RefID)
	assert.Equal(t, []string{"1"}, stages[1].RequisiteStageRefIDs)
	assert.Same(t, loaded, stages[1].Execution)
	require.Len(t, stages[1].Upstream(), 1)
	assert.Equal(t, stages[0].ID, stages[1].Upstream()[0].ID)
}

func TestRetrieveUnknownExecution(t *testing.T) {
	repo := NewExecutionRepository(nil)
	_, err := repo.RetrieveExecution(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateExecutionHeader(t *testing.T) {
	ctx := context.Background()
	kv := store.NewKVStore()
	repo := NewExecutionRepository(kv)
	exec := sampleExecution()
	require.NoError(t, repo.StoreExecution(ctx, exec))

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	exec.Status = pipeline.StatusSucceeded
	exec.EndTime = &now
	exec.Context.Set("deployed", true)
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	loaded, err := repo.RetrieveExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, loaded.Status)
	require.NotNil(t, loaded.EndTime)
	assert.True(t, now.Equal(*loaded.EndTime))
	deployed, ok := pipeline.ContextValue[bool](loaded.Context, "deployed")
	assert.True(t, ok)
	assert.True(t, deployed)

	meta, err := kv.GetMetadata(executionKey(exec.ID))
	require.NoError(t, err)
	assert.True(t, meta.HasTag(pipeline.TagComplete))
	status, _ := meta.GetProperty(pipeline.PropStatus)
	assert.Equal(t, "SUCCEEDED", status)
}

func TestUpdateExecutionRequiresStoredHeader(t *testing.T) {
	repo := NewExecutionRepository(nil)
	err := repo.UpdateExecution(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestAppendAndUpdateStage(t *testing.T) {
	ctx := context.Background()
	kv := store.NewKVStore()
	repo := NewExecutionRepository(kv)
	exec := sampleExecution()
	require.NoError(t, repo.StoreExecution(ctx, exec))

	parent := exec.StageByRefID("2", "", pipeline.OwnerNone)
	graph := pipeline.BeforeStages(parent, nil)
	graph.Append(func(s *pipeline.Stage) {
		s.Type = "wait"
		s.Name = "pre-wait"
	})
	planned, err := graph.Build()
	require.NoError(t, err)
	for _, s := range planned {
		exec.AddStage(s)
		require.NoError(t, repo.AppendStage(ctx, s))
	}

	parent.Status = pipeline.StatusRunning
	parent.BeforePlanned = true
	require.NoError(t, repo.UpdateStage(ctx, parent))

	loaded, err := repo.RetrieveExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.StageCount())

	reloadedParent := loaded.StageByRefID("2", "", pipeline.OwnerNone)
	require.NotNil(t, reloadedParent)
	assert.Equal(t, pipeline.StatusRunning, reloadedParent.Status)
	assert.True(t, reloadedParent.BeforePlanned)

	before := loaded.SyntheticStages(reloadedParent.ID, pipeline.OwnerBefore)
	require.Len(t, before, 1)
	assert.Equal(t, "2<0", before[0].RefID)

	synthetic := kv.FindKeysByTag(pipeline.TagSynthetic)
	assert.Equal(t, []string{stageKey(exec.ID, 2)}, synthetic)
}

func TestUpdateStageMustBeStored(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionRepository(nil)
	exec := sampleExecution()
	require.NoError(t, repo.StoreExecution(ctx, exec))

	extra := pipeline.NewStage("wait", "late")
	extra.RefID = "3"
	exec.AddStage(extra)

	err := repo.UpdateStage(ctx, extra)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	detached := pipeline.NewStage("wait", "detached")
	err = repo.UpdateStage(ctx, detached)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))
}

func TestExecutionIDsByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionRepository(nil)

	running := sampleExecution()
	running.Status = pipeline.StatusRunning
	done := sampleExecution()
	done.Status = pipeline.StatusSucceeded
	require.NoError(t, repo.StoreExecution(ctx, running))
	require.NoError(t, repo.StoreExecution(ctx, done))

	assert.Equal(t, []string{running.ID}, repo.ExecutionIDs(pipeline.StatusRunning))
	assert.Len(t, repo.ExecutionIDs(), 2)
}

func TestSagaAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewSagaRepository(nil)

	empty, err := repo.Load(ctx, "deploy", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Version())

	completed := saga.NewEvent(saga.EventCommandCompleted, nil)
	completed.IdempotencyKey = "k1"
	require.NoError(t, repo.Append(ctx, "deploy", "exec-1", 0, saga.NewEvent(saga.EventActionApplied, map[string]any{"cluster": "web-main"})))
	require.NoError(t, repo.Append(ctx, "deploy", "exec-1", 1, completed))

	loaded, err := repo.Load(ctx, "deploy", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version())
	events := loaded.Events()
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.Equal(t, saga.EventActionApplied, events[0].Type)
	assert.Equal(t, "web-main", events[0].Attributes["cluster"])
	assert.True(t, loaded.Completed("k1"))

	other, err := repo.Load(ctx, "deploy", "exec-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Version())
}

func TestSagaLogsWithColonsStayApart(t *testing.T) {
	ctx := context.Background()
	repo := NewSagaRepository(nil)

	require.NoError(t, repo.Append(ctx, "a:b", "c", 0, saga.NewEvent(saga.EventActionApplied, nil)))
	require.NoError(t, repo.Append(ctx, "a", "b:c", 0, saga.NewEvent(saga.EventActionApplied, nil)))
	require.NoError(t, repo.Append(ctx, "a", "b", 0, saga.NewEvent(saga.EventActionApplied, nil)))

	for _, key := range [][2]string{{"a:b", "c"}, {"a", "b:c"}, {"a", "b"}} {
		loaded, err := repo.Load(ctx, key[0], key[1])
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version(), "%s/%s", key[0], key[1])
	}
}

func TestExecutionIDsAreEscaped(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionRepository(nil)

	outer := sampleExecution()
	outer.ID = "run"
	inner := sampleExecution()
	inner.ID = "run:2"
	require.NoError(t, repo.StoreExecution(ctx, outer))
	require.NoError(t, repo.StoreExecution(ctx, inner))

	got, err := repo.RetrieveExecution(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 2, got.StageCount())
	assert.ElementsMatch(t, []string{"run", "run:2"}, repo.ExecutionIDs())
}

func TestSagaAppendRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewSagaRepository(nil)

	require.NoError(t, repo.Append(ctx, "deploy", "exec-1", 0, saga.NewEvent(saga.EventActionApplied, nil)))
	err := repo.Append(ctx, "deploy", "exec-1", 0, saga.NewEvent(saga.EventActionApplied, nil))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestSagaConcurrentAppendsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewSagaRepository(nil)

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.Append(ctx, "deploy", "race", 0, saga.NewEvent(saga.EventActionApplied, nil))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.IsConflict(err))
		}
	}
	assert.Equal(t, 1, winners)

	loaded, err := repo.Load(ctx, "deploy", "race")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
}

package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/errors"
)

type upsertServerGroup struct {
	BaseCommand
	Cluster string
	App     *Application
}

func (c upsertServerGroup) CommandType() string { return "UpsertServerGroup" }

func (c upsertServerGroup) Inject(app *Application) Command {
	c.App = app
	return c
}

type notifyDeployment struct {
	BaseCommand
	Channel string
}

func (c notifyDeployment) CommandType() string { return "NotifyDeployment" }

// testRepository is a minimal compare-and-swap saga store
type testRepository struct {
	mu     sync.Mutex
	events map[string][]Event
	// beforeAppend runs once before the next Append, simulating a concurrent writer
	beforeAppend func()
}

func newTestRepository() *testRepository {
	return &testRepository{events: make(map[string][]Event)}
}

func (r *testRepository) Load(ctx context.Context, name, id string) (*Saga, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return NewSaga(name, id, r.events[name+"/"+id]...), nil
}

func (r *testRepository) Append(ctx context.Context, name, id string, expectedVersion int64, events ...Event) error {
	if hook := r.beforeAppend; hook != nil {
		r.beforeAppend = nil
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := name + "/" + id
	if int64(len(r.events[key])) != expectedVersion {
		return errors.Newf(errors.ErrConflict, "saga %s at version %d, expected %d", key, len(r.events[key]), expectedVersion)
	}
	r.events[key] = append(r.events[key], events...)
	return nil
}

func eventTypes(s *Saga) []string {
	var out []string
	for _, e := range s.Events() {
		out = append(out, e.Type+":"+e.Action)
	}
	return out
}

func TestInjectFanOut(t *testing.T) {
	many := NewManyCommands(CommandMetadata{},
		upsertServerGroup{Cluster: "web-main"},
		notifyDeployment{Channel: "#deploys"},
		NewManyCommands(CommandMetadata{}, upsertServerGroup{Cluster: "web-canary"}),
	)

	app := &Application{Name: "web"}
	injected := Inject[*Application](many, app)

	leaves := Leaves(injected)
	require.Len(t, leaves, 3)
	assert.Same(t, app, leaves[0].(upsertServerGroup).App)
	assert.Equal(t, notifyDeployment{Channel: "#deploys"}, leaves[1])
	assert.Same(t, app, leaves[2].(upsertServerGroup).App)

	// the original tree is untouched
	assert.Nil(t, Leaves(many)[0].(upsertServerGroup).App)
}

func TestLoadActionOptionalMissing(t *testing.T) {
	registry := NewStaticApplicationRegistry()
	action := NewLoadApplicationAction(registry)

	next := upsertServerGroup{Cluster: "web-main", App: &Application{Name: "stale"}}
	cmd := LoadApplication{Application: "ghost", Optional: true, Then: next}

	result, err := action.Apply(context.Background(), cmd, NewSaga("deploy", "1"))
	require.NoError(t, err)

	out, ok := result.NextCommand.(upsertServerGroup)
	require.True(t, ok)
	assert.Nil(t, out.App)
	assert.Equal(t, "web-main", out.Cluster)
	require.Len(t, result.Events, 1)
	assert.Equal(t, EventResourceMissing, result.Events[0].Type)
}

func TestLoadActionRequiredFailureIsIntegrationError(t *testing.T) {
	action := NewLoadApplicationAction(NewStaticApplicationRegistry())
	cmd := LoadApplication{Application: "ghost", Then: upsertServerGroup{}}

	_, err := action.Apply(context.Background(), cmd, NewSaga("deploy", "1"))
	require.Error(t, err)
	assert.True(t, IsIntegrationError(err))
	assert.True(t, errors.Is(err, &errors.Error{Code: errors.ErrNotFound}), "cause is kept")
	assert.Equal(t, "ghost", errors.GetContext(err)["id"])
}

func TestLoadActionRejectsOtherCommands(t *testing.T) {
	action := NewLoadApplicationAction(NewStaticApplicationRegistry())
	_, err := action.Apply(context.Background(), notifyDeployment{}, NewSaga("deploy", "1"))
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))
}

func newDeployEngine(t *testing.T, repo Repository, received *[]upsertServerGroup) *Engine {
	t.Helper()
	registry := NewRegistry()
	registry.Register(CommandTypeLoadApplication, NewLoadApplicationAction(
		NewStaticApplicationRegistry(Application{Name: "web", Accounts: []string{"prod"}}),
	))
	registry.Register("UpsertServerGroup", Typed[upsertServerGroup]{
		ActionName: "upsertServerGroup",
		Handle: func(ctx context.Context, cmd upsertServerGroup, saga *Saga) (Result, error) {
			*received = append(*received, cmd)
			return Result{Events: []Event{NewEvent("ServerGroupUpserted", map[string]any{"cluster": cmd.Cluster})}}, nil
		},
	})
	registry.Register("NotifyDeployment", Typed[notifyDeployment]{
		ActionName: "notifyDeployment",
		Handle: func(ctx context.Context, cmd notifyDeployment, saga *Saga) (Result, error) {
			return Result{}, nil
		},
	})
	return NewEngine(registry, repo)
}

func deployCommand(key string) Command {
	return LoadApplication{
		BaseCommand: BaseCommand{Meta: CommandMetadata{IdempotencyKey: key}},
		Application: "web",
		Then: NewManyCommands(CommandMetadata{},
			upsertServerGroup{Cluster: "web-main"},
			notifyDeployment{Channel: "#deploys"},
		),
	}
}

func TestEngineRunsChain(t *testing.T) {
	repo := newTestRepository()
	var received []upsertServerGroup
	engine := newDeployEngine(t, repo, &received)

	saga, err := engine.Handle(context.Background(), "deploy", "exec-1", deployCommand("stage-1"))
	require.NoError(t, err)

	require.Len(t, received, 1)
	require.NotNil(t, received[0].App)
	assert.Equal(t, "web", received[0].App.Name)

	assert.Equal(t, []string{
		"ActionApplied:loadApplication",
		"ResourceLoaded:loadApplication",
		"ActionApplied:upsertServerGroup",
		"ServerGroupUpserted:upsertServerGroup",
		"ActionApplied:notifyDeployment",
		"CommandCompleted:",
	}, eventTypes(saga))

	for i, e := range saga.Events() {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "stage-1", e.IdempotencyKey)
		assert.False(t, e.RecordedAt.IsZero())
	}

	stored, err := repo.Load(context.Background(), "deploy", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, saga.Version(), stored.Version())
	assert.True(t, stored.Completed("stage-1"))
}

func TestEngineSkipsCompletedCommand(t *testing.T) {
	repo := newTestRepository()
	var received []upsertServerGroup
	engine := newDeployEngine(t, repo, &received)

	first, err := engine.Handle(context.Background(), "deploy", "exec-1", deployCommand("stage-1"))
	require.NoError(t, err)

	second, err := engine.Handle(context.Background(), "deploy", "exec-1", deployCommand("stage-1"))
	require.NoError(t, err)

	assert.Len(t, received, 1)
	assert.Equal(t, first.Version(), second.Version())
}

func TestEngineLosesAppendRace(t *testing.T) {
	repo := newTestRepository()
	var received []upsertServerGroup
	engine := newDeployEngine(t, repo, &received)

	// another worker commits first
	repo.beforeAppend = func() {
		require.NoError(t, repo.Append(context.Background(), "deploy", "exec-1", 0,
			Event{Sequence: 1, Type: EventActionApplied, Action: "loadApplication"}))
	}

	_, err := engine.Handle(context.Background(), "deploy", "exec-1", deployCommand("stage-1"))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Empty(t, received, "the loser must not dispatch its next commands")

	stored, _ := repo.Load(context.Background(), "deploy", "exec-1")
	assert.Equal(t, int64(1), stored.Version())
}

func TestEngineCompensatesInReverse(t *testing.T) {
	repo := newTestRepository()
	var order []string

	step := func(name string) Action {
		return WithCompensation(Typed[notifyDeployment]{
			ActionName: name,
			Handle: func(ctx context.Context, cmd notifyDeployment, saga *Saga) (Result, error) {
				return Result{}, nil
			},
		}, func(ctx context.Context, cmd Command, saga *Saga) error {
			order = append(order, name)
			return nil
		})
	}

	failing := Typed[upsertServerGroup]{
		ActionName: "upsert",
		Handle: func(ctx context.Context, cmd upsertServerGroup, saga *Saga) (Result, error) {
			return Result{}, fmt.Errorf("quota exceeded")
		},
	}

	registry := NewRegistry().
		Register("NotifyDeployment", step("reserve"), step("announce")).
		Register("UpsertServerGroup", failing)
	engine := NewEngine(registry, repo)

	cmd := NewManyCommands(CommandMetadata{IdempotencyKey: "k"}, notifyDeployment{}, upsertServerGroup{})
	saga, err := engine.Handle(context.Background(), "deploy", "exec-2", cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	assert.Equal(t, []string{"announce", "reserve"}, order)
	assert.Equal(t, []string{
		"ActionApplied:reserve",
		"ActionApplied:announce",
		"ActionCompensated:announce",
		"ActionCompensated:reserve",
		"CommandFailed:",
	}, eventTypes(saga))
	assert.False(t, saga.Completed("k"))
}

func TestEngineUnknownCommand(t *testing.T) {
	engine := NewEngine(NewRegistry(), newTestRepository())
	_, err := engine.Handle(context.Background(), "deploy", "1", notifyDeployment{})
	assert.Equal(t, errors.ErrNoAction, errors.GetCode(err))
}

func TestTypedRejectsWrongCommand(t *testing.T) {
	action := Typed[upsertServerGroup]{ActionName: "upsert"}
	_, err := action.Apply(context.Background(), notifyDeployment{}, NewSaga("a", "b"))
	assert.Equal(t, errors.ErrInvalidInput, errors.GetCode(err))
}

func TestMetadataCausedByCopies(t *testing.T) {
	meta := CommandMetadata{CausationChain: []string{"a"}, Extra: map[string]string{"x": "1"}}
	next := meta.CausedBy("b")
	next.Extra["x"] = "2"

	assert.Equal(t, []string{"a"}, meta.CausationChain)
	assert.Equal(t, []string{"a", "b"}, next.CausationChain)
	assert.Equal(t, "1", meta.Extra["x"])
}

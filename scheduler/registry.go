// Package scheduler drives executions to completion: it picks ready stages,
// plans their synthetic stages, invokes their tasks and enforces retry and
// timeout rules.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/task"
)

// TaskNode names one task of a stage and the registered task type running it
type TaskNode struct {
	Name string
	Type string
}

// StageDefinition describes the tasks of a stage type
type StageDefinition interface {
	Type() string
	Tasks(stage *pipeline.Stage) []TaskNode
}

// BeforeStagesPlanner is implemented by definitions that inject stages before their own tasks
type BeforeStagesPlanner interface {
	BeforeStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error
}

// AfterStagesPlanner is implemented by definitions that inject stages after their own tasks
type AfterStagesPlanner interface {
	AfterStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error
}

// FailureStagesPlanner is implemented by definitions that inject cleanup stages when they fail
type FailureStagesPlanner interface {
	OnFailureStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error
}

// PrefixProvider lets a definition supply the required prefix of a synthetic scope
type PrefixProvider interface {
	RequiredPrefix(parent *pipeline.Stage, owner pipeline.SyntheticStageOwner) *pipeline.Stage
}

// ExecutionRepository persists executions. Every method is atomic on its own.
type ExecutionRepository interface {
	// StoreExecution writes the execution header and every stage
	StoreExecution(ctx context.Context, exec *pipeline.Execution) error
	// UpdateExecution writes the execution header only
	UpdateExecution(ctx context.Context, exec *pipeline.Execution) error
	// AppendStage adds a stage that was appended to its execution
	AppendStage(ctx context.Context, stage *pipeline.Stage) error
	// UpdateStage overwrites a stored stage
	UpdateStage(ctx context.Context, stage *pipeline.Stage) error
	// RetrieveExecution loads an execution with its stages in order
	RetrieveExecution(ctx context.Context, id string) (*pipeline.Execution, error)
}

// Archiver receives executions once they complete
type Archiver interface {
	Archive(ctx context.Context, exec *pipeline.Execution) error
}

// TaskRegistry resolves task types to implementations
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

// NewTaskRegistry returns an empty registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]task.Task)}
}

// Register adds or replaces a task type
func (r *TaskRegistry) Register(taskType string, t task.Task) *TaskRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskType] = t
	return r
}

// Lookup returns the task registered under taskType
func (r *TaskRegistry) Lookup(taskType string) (task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskType]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no task registered for type %s", taskType)
	}
	return t, nil
}

// DefinitionRegistry resolves stage types to definitions
type DefinitionRegistry struct {
	mu          sync.RWMutex
	definitions map[string]StageDefinition
}

// NewDefinitionRegistry returns a registry holding defs
func NewDefinitionRegistry(defs ...StageDefinition) *DefinitionRegistry {
	r := &DefinitionRegistry{definitions: make(map[string]StageDefinition)}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a definition under its type
func (r *DefinitionRegistry) Register(def StageDefinition) *DefinitionRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.Type()] = def
	return r
}

// Lookup returns the definition of stageType
func (r *DefinitionRegistry) Lookup(stageType string) (StageDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[stageType]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no stage definition for type %s", stageType)
	}
	return d, nil
}

// Types returns the registered stage types, sorted
func (r *DefinitionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.definitions))
	for k := range r.definitions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SimpleStage is a definition running a fixed list of tasks
type SimpleStage struct {
	StageType string
	TaskNodes []TaskNode
}

// Type implements StageDefinition
func (s SimpleStage) Type() string {
	return s.StageType
}

// Tasks implements StageDefinition
func (s SimpleStage) Tasks(stage *pipeline.Stage) []TaskNode {
	return append([]TaskNode(nil), s.TaskNodes...)
}

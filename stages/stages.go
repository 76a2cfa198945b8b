// Package stages defines the built-in stage types and the synthetic stages
// they plan around themselves.
package stages

import (
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/scheduler"
	"github.com/davidroman0O/orca/tasks"
)

// Stage types
const (
	TypeWait               = "wait"
	TypeEvaluateVariables  = "evaluateVariables"
	TypeDeploy             = "deploy"
	TypeVerifyServerGroup  = "verifyServerGroup"
	TypeDestroyServerGroup = "destroyServerGroup"
)

// Context keys read by the deploy stage
const (
	KeyWaitBefore = "waitBefore"
	KeyWaitAfter  = "waitAfter"
)

// Definitions returns every built-in stage definition
func Definitions() []scheduler.StageDefinition {
	return []scheduler.StageDefinition{
		single(TypeWait, tasks.TypeWait),
		single(TypeEvaluateVariables, tasks.TypeEvaluateVariables),
		single(TypeVerifyServerGroup, tasks.TypeVerifyServerGroup),
		single(TypeDestroyServerGroup, tasks.TypeDestroyServerGroup),
		Deploy{},
	}
}

// Register adds every built-in definition to registry
func Register(registry *scheduler.DefinitionRegistry) *scheduler.DefinitionRegistry {
	for _, def := range Definitions() {
		registry.Register(def)
	}
	return registry
}

func single(stageType, taskType string) scheduler.SimpleStage {
	return scheduler.SimpleStage{
		StageType: stageType,
		TaskNodes: []scheduler.TaskNode{{Name: taskType, Type: taskType}},
	}
}

// Deploy upserts a server group through the deploy saga.
//
// Before its own task it optionally waits waitBefore seconds. After it, a
// verifyServerGroup stage always runs first and an optional wait of waitAfter
// seconds follows it. When the deploy fails, a destroyServerGroup stage
// removes whatever was left behind.
type Deploy struct{}

// Type implements scheduler.StageDefinition
func (Deploy) Type() string {
	return TypeDeploy
}

// Tasks implements scheduler.StageDefinition
func (Deploy) Tasks(stage *pipeline.Stage) []scheduler.TaskNode {
	return []scheduler.TaskNode{{Name: tasks.TypeDeploy, Type: tasks.TypeDeploy}}
}

// BeforeStages implements scheduler.BeforeStagesPlanner
func (Deploy) BeforeStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error {
	if seconds, ok := pipeline.ContextValue[int64](parent.Context, KeyWaitBefore); ok && seconds > 0 {
		graph.Add(waitStage("Wait before "+parent.Name, seconds))
	}
	return nil
}

// AfterStages implements scheduler.AfterStagesPlanner. The verify stage is
// the required prefix, so the wait is wired behind it by the builder.
func (Deploy) AfterStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error {
	if seconds, ok := pipeline.ContextValue[int64](parent.Context, KeyWaitAfter); ok && seconds > 0 {
		graph.Add(waitStage("Wait after "+parent.Name, seconds))
	}
	return nil
}

// RequiredPrefix implements scheduler.PrefixProvider
func (Deploy) RequiredPrefix(parent *pipeline.Stage, owner pipeline.SyntheticStageOwner) *pipeline.Stage {
	if owner != pipeline.OwnerAfter {
		return nil
	}
	verify := pipeline.NewStage(TypeVerifyServerGroup, "Verify "+parent.Name)
	copyTarget(parent, verify)
	return verify
}

// OnFailureStages implements scheduler.FailureStagesPlanner
func (Deploy) OnFailureStages(parent *pipeline.Stage, graph *pipeline.StageGraphBuilder) error {
	graph.Add(func(s *pipeline.Stage) {
		s.Type = TypeDestroyServerGroup
		s.Name = "Clean up " + parent.Name
		copyTarget(parent, s)
	})
	return nil
}

func waitStage(name string, seconds int64) func(*pipeline.Stage) {
	return func(s *pipeline.Stage) {
		s.Type = TypeWait
		s.Name = name
		s.Context.Set(tasks.KeyWaitTime, seconds)
	}
}

func copyTarget(from, to *pipeline.Stage) {
	for _, key := range []string{tasks.KeyAccount, tasks.KeyServerGroup} {
		if v, ok := from.Context.Get(key); ok {
			to.Context.Set(key, v)
		}
	}
}

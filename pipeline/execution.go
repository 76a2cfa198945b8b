package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionType distinguishes authored pipelines from ad-hoc orchestrations
type ExecutionType string

const (
	// TypePipeline is a run of an authored pipeline
	TypePipeline ExecutionType = "PIPELINE"

	// TypeOrchestration is an ad-hoc run of one or more stages
	TypeOrchestration ExecutionType = "ORCHESTRATION"
)

// Execution owns every stage of one run, top-level and synthetic.
// Stages are only ever appended.
type Execution struct {
	ID                 string          `json:"id" yaml:"id"`
	Type               ExecutionType   `json:"type" yaml:"type"`
	Application        string          `json:"application" yaml:"application"`
	Name               string          `json:"name" yaml:"name"`
	Status             ExecutionStatus `json:"status" yaml:"status"`
	Context            Context         `json:"context" yaml:"context"`
	StartTime          *time.Time      `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime            *time.Time      `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Canceled           bool            `json:"canceled,omitempty" yaml:"canceled,omitempty"`
	CanceledBy         string          `json:"canceledBy,omitempty" yaml:"canceledBy,omitempty"`
	CancellationReason string          `json:"cancellationReason,omitempty" yaml:"cancellationReason,omitempty"`

	stages []*Stage
}

// NewExecution creates an empty execution with a fresh ID
func NewExecution(execType ExecutionType, application, name string) *Execution {
	return &Execution{
		ID:          uuid.NewString(),
		Type:        execType,
		Application: application,
		Name:        name,
		Status:      StatusNotStarted,
		Context:     NewContext(),
	}
}

// AddStage appends a stage and links it to this execution.
// A stage whose ID is already present is not added twice.
func (e *Execution) AddStage(stage *Stage) {
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	if stage.Status == "" {
		stage.Status = StatusNotStarted
	}
	stage.Execution = e
	if e.StageByID(stage.ID) != nil {
		return
	}
	e.stages = append(e.stages, stage)
}

// Stages returns the stages in insertion order.
// The slice is a copy; the stages are shared.
func (e *Execution) Stages() []*Stage {
	return append([]*Stage(nil), e.stages...)
}

// StageCount returns the number of stages
func (e *Execution) StageCount() int {
	return len(e.stages)
}

// StageByID finds a stage by its durable ID
func (e *Execution) StageByID(id string) *Stage {
	for _, s := range e.stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StageByRefID finds the stage with refID inside the scope of (parentStageID, owner)
func (e *Execution) StageByRefID(refID, parentStageID string, owner SyntheticStageOwner) *Stage {
	for _, s := range e.stages {
		if s.RefID == refID && s.ParentStageID == parentStageID && s.SyntheticStageOwner == owner {
			return s
		}
	}
	return nil
}

// SyntheticStages returns the stages injected around parent with the given owner
func (e *Execution) SyntheticStages(parentStageID string, owner SyntheticStageOwner) []*Stage {
	var out []*Stage
	for _, s := range e.stages {
		if s.ParentStageID == parentStageID && s.SyntheticStageOwner == owner {
			out = append(out, s)
		}
	}
	return out
}

// TopLevelStages returns the authored stages
func (e *Execution) TopLevelStages() []*Stage {
	return e.SyntheticStages("", OwnerNone)
}

// UpstreamStages returns the stages referenced by stage's requisites.
// RefIDs resolve within the stage's own scope, so equal refIDs in other scopes never match.
func (e *Execution) UpstreamStages(stage *Stage) []*Stage {
	var out []*Stage
	for _, ref := range stage.RequisiteStageRefIDs {
		if up := e.StageByRefID(ref, stage.ParentStageID, stage.SyntheticStageOwner); up != nil {
			out = append(out, up)
		}
	}
	return out
}

// DownstreamStages returns the stages in the same scope that wait for stage
func (e *Execution) DownstreamStages(stage *Stage) []*Stage {
	var out []*Stage
	for _, s := range e.SyntheticStages(stage.ParentStageID, stage.SyntheticStageOwner) {
		if s.HasRequisite(stage.RefID) {
			out = append(out, s)
		}
	}
	return out
}

// InitialStages returns the top-level stages with no requisites
func (e *Execution) InitialStages() []*Stage {
	var out []*Stage
	for _, s := range e.TopLevelStages() {
		if len(s.RequisiteStageRefIDs) == 0 {
			out = append(out, s)
		}
	}
	return out
}

type executionJSON struct {
	executionAlias
	Stages []*Stage `json:"stages"`
}

type executionAlias Execution

// MarshalJSON includes the stages in order
func (e *Execution) MarshalJSON() ([]byte, error) {
	stages := e.stages
	if stages == nil {
		stages = []*Stage{}
	}
	return json.Marshal(executionJSON{executionAlias: executionAlias(*e), Stages: stages})
}

// UnmarshalJSON restores the stages and re-links their execution back-reference
func (e *Execution) UnmarshalJSON(data []byte) error {
	var decoded executionJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = Execution(decoded.executionAlias)
	e.stages = nil
	for _, s := range decoded.Stages {
		e.AddStage(s)
	}
	return nil
}

// Header returns a copy of the execution without its stages
func (e *Execution) Header() *Execution {
	out := *e
	out.Context = e.Context.Clone()
	out.stages = nil
	return &out
}

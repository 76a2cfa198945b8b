package pipeline

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SyntheticStageOwner tells whether a stage was injected before or after its parent
type SyntheticStageOwner string

const (
	// OwnerNone marks top-level authored stages
	OwnerNone SyntheticStageOwner = ""

	// OwnerBefore marks stages that run before their parent's own tasks
	OwnerBefore SyntheticStageOwner = "STAGE_BEFORE"

	// OwnerAfter marks stages that run after their parent's own tasks
	OwnerAfter SyntheticStageOwner = "STAGE_AFTER"
)

// TaskExecution is the persisted progress of one task of a stage
type TaskExecution struct {
	Name        string          `json:"name" yaml:"name"`
	Type        string          `json:"type" yaml:"type"`
	Status      ExecutionStatus `json:"status" yaml:"status"`
	StartTime   *time.Time      `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime     *time.Time      `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	NextAttempt *time.Time      `json:"nextAttempt,omitempty" yaml:"nextAttempt,omitempty"`
	// Attempts counts system errors seen so far, not RUNNING polls
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// Stage is one node of pipeline work, authored or injected around a parent
type Stage struct {
	ID                   string              `json:"id" yaml:"id"`
	RefID                string              `json:"refId" yaml:"refId"`
	Type                 string              `json:"type" yaml:"type"`
	Name                 string              `json:"name" yaml:"name"`
	ParentStageID        string              `json:"parentStageId,omitempty" yaml:"parentStageId,omitempty"`
	SyntheticStageOwner  SyntheticStageOwner `json:"syntheticStageOwner,omitempty" yaml:"syntheticStageOwner,omitempty"`
	RequisiteStageRefIDs []string            `json:"requisiteStageRefIds,omitempty" yaml:"requisiteStageRefIds,omitempty"`
	Context              Context             `json:"context" yaml:"context"`
	Outputs              map[string]any      `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Status               ExecutionStatus     `json:"status" yaml:"status"`
	Tasks                []TaskExecution     `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	StartTime            *time.Time          `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime              *time.Time          `json:"endTime,omitempty" yaml:"endTime,omitempty"`

	// BeforePlanned and AfterPlanned record that synthetic stages were already
	// injected, so a resumed run never plans them twice.
	BeforePlanned bool `json:"beforePlanned,omitempty" yaml:"beforePlanned,omitempty"`
	AfterPlanned  bool `json:"afterPlanned,omitempty" yaml:"afterPlanned,omitempty"`

	// Execution is the owning execution. It is re-linked after decoding.
	Execution *Execution `json:"-" yaml:"-"`
}

// NewStage creates a stage with a fresh durable ID
func NewStage(stageType, name string) *Stage {
	return &Stage{
		ID:      uuid.NewString(),
		Type:    stageType,
		Name:    name,
		Context: NewContext(),
		Outputs: map[string]any{},
		Status:  StatusNotStarted,
	}
}

// IsSynthetic reports whether the stage was injected around a parent
func (s *Stage) IsSynthetic() bool {
	return s.SyntheticStageOwner != OwnerNone
}

// AddRequisite records that s waits for the stage with refID. Duplicates are ignored.
func (s *Stage) AddRequisite(refID string) {
	i := sort.SearchStrings(s.RequisiteStageRefIDs, refID)
	if i < len(s.RequisiteStageRefIDs) && s.RequisiteStageRefIDs[i] == refID {
		return
	}
	s.RequisiteStageRefIDs = append(s.RequisiteStageRefIDs, "")
	copy(s.RequisiteStageRefIDs[i+1:], s.RequisiteStageRefIDs[i:])
	s.RequisiteStageRefIDs[i] = refID
}

// HasRequisite reports whether s waits for refID
func (s *Stage) HasRequisite(refID string) bool {
	i := sort.SearchStrings(s.RequisiteStageRefIDs, refID)
	return i < len(s.RequisiteStageRefIDs) && s.RequisiteStageRefIDs[i] == refID
}

// Parent returns the parent stage of a synthetic stage
func (s *Stage) Parent() *Stage {
	if s.ParentStageID == "" || s.Execution == nil {
		return nil
	}
	return s.Execution.StageByID(s.ParentStageID)
}

// Upstream returns the stages s waits for
func (s *Stage) Upstream() []*Stage {
	if s.Execution == nil {
		return nil
	}
	return s.Execution.UpstreamStages(s)
}

// AllUpstreamSucceeded reports whether every upstream stage succeeded or has a pass-through status
func (s *Stage) AllUpstreamSucceeded(passThrough ...ExecutionStatus) bool {
	for _, up := range s.Upstream() {
		if up.Status.IsSuccessful() {
			continue
		}
		allowed := false
		for _, p := range passThrough {
			if up.Status == p {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// Task returns the task progress record with the given name
func (s *Stage) Task(name string) *TaskExecution {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i]
		}
	}
	return nil
}

// TasksComplete reports whether every task of the stage reached a completed status
func (s *Stage) TasksComplete() bool {
	for _, t := range s.Tasks {
		if !t.Status.IsComplete() {
			return false
		}
	}
	return true
}

// FirstTaskStart returns the earliest task start, used as the polling clock origin
func (s *Stage) FirstTaskStart() *time.Time {
	var first *time.Time
	for _, t := range s.Tasks {
		if t.StartTime != nil && (first == nil || t.StartTime.Before(*first)) {
			first = t.StartTime
		}
	}
	return first
}

// Clone returns a deep copy without the execution back-reference
func (s *Stage) Clone() *Stage {
	out := *s
	out.Execution = nil
	out.RequisiteStageRefIDs = append([]string(nil), s.RequisiteStageRefIDs...)
	out.Context = s.Context.Clone()
	out.Outputs = make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		out.Outputs[k] = v
	}
	out.Tasks = append([]TaskExecution(nil), s.Tasks...)
	return &out
}

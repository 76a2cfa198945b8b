package scheduler

import (
	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
)

// IsReady reports whether a NOT_STARTED stage may start. Every requisite must
// resolve in the stage's scope to a stage that succeeded or whose status is in
// passThrough. Synthetic stages also need their parent RUNNING, and
// after-stages need the parent's own tasks to be finished.
func IsReady(stage *pipeline.Stage, passThrough ...pipeline.ExecutionStatus) bool {
	if stage.Status != pipeline.StatusNotStarted || stage.Execution == nil {
		return false
	}

	upstream := stage.Upstream()
	if len(upstream) != len(stage.RequisiteStageRefIDs) {
		return false
	}
	if !stage.AllUpstreamSucceeded(passThrough...) {
		return false
	}

	if !stage.IsSynthetic() {
		return true
	}

	parent := stage.Parent()
	if parent == nil || parent.Status != pipeline.StatusRunning {
		return false
	}
	if stage.SyntheticStageOwner == pipeline.OwnerAfter {
		return parent.TasksComplete() && parent.AfterPlanned
	}
	return parent.BeforePlanned
}

// ReadyStages returns the stages of exec that may start now, in stage order
func ReadyStages(exec *pipeline.Execution, passThrough ...pipeline.ExecutionStatus) []*pipeline.Stage {
	var out []*pipeline.Stage
	for _, s := range exec.Stages() {
		if IsReady(s, passThrough...) {
			out = append(out, s)
		}
	}
	return out
}

func anyFailed(stages []*pipeline.Stage) *pipeline.Stage {
	for _, s := range stages {
		if s.Status.IsFailure() {
			return s
		}
	}
	return nil
}

func allComplete(stages []*pipeline.Stage) bool {
	for _, s := range stages {
		if !s.Status.IsComplete() {
			return false
		}
	}
	return true
}

func anyTaskFailed(stage *pipeline.Stage) *pipeline.TaskExecution {
	for i := range stage.Tasks {
		if stage.Tasks[i].Status.IsFailure() {
			return &stage.Tasks[i]
		}
	}
	return nil
}

func nextTask(stage *pipeline.Stage) *pipeline.TaskExecution {
	for i := range stage.Tasks {
		if !stage.Tasks[i].Status.IsComplete() {
			return &stage.Tasks[i]
		}
	}
	return nil
}

// ValidateExecution checks that top-level stages have unique refIds and that
// every requisite resolves inside its own scope.
func ValidateExecution(exec *pipeline.Execution) error {
	seen := make(map[string]bool)
	for _, s := range exec.TopLevelStages() {
		if s.RefID == "" {
			return errors.Newf(errors.ErrInvalidInput, "stage %q has no refId", s.Name)
		}
		if seen[s.RefID] {
			return errors.Newf(errors.ErrInvalidInput, "duplicate refId %s", s.RefID)
		}
		seen[s.RefID] = true
	}

	for _, s := range exec.Stages() {
		for _, ref := range s.RequisiteStageRefIDs {
			if exec.StageByRefID(ref, s.ParentStageID, s.SyntheticStageOwner) == nil {
				return errors.WithContext(
					errors.Newf(errors.ErrDanglingReference, "stage %s requires unknown refId %s", s.RefID, ref),
					map[string]interface{}{"execution": exec.ID},
				)
			}
		}
	}
	return nil
}

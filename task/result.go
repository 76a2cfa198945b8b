package task

import (
	"maps"

	"github.com/davidroman0O/orca/pipeline"
)

// Result is what one invocation of a task returns. Its maps are copied on
// construction and on read, so neither side can change them afterwards.
type Result struct {
	status        pipeline.ExecutionStatus
	stageOutputs  map[string]any
	globalOutputs map[string]any
}

// NewResult builds a result with copies of both output maps
func NewResult(status pipeline.ExecutionStatus, stageOutputs, globalOutputs map[string]any) Result {
	return Result{
		status:        status,
		stageOutputs:  copyMap(stageOutputs),
		globalOutputs: copyMap(globalOutputs),
	}
}

// Succeeded returns a SUCCEEDED result with stage outputs
func Succeeded(stageOutputs map[string]any) Result {
	return NewResult(pipeline.StatusSucceeded, stageOutputs, nil)
}

// Running returns a RUNNING result, asking to be polled again
func Running(stageOutputs map[string]any) Result {
	return NewResult(pipeline.StatusRunning, stageOutputs, nil)
}

// Terminal returns a TERMINAL result carrying diagnostics under the exception key
func Terminal(message string, details map[string]any) Result {
	exception := map[string]any{"message": message}
	if len(details) > 0 {
		exception["details"] = copyMap(details)
	}
	return NewResult(pipeline.StatusTerminal, map[string]any{pipeline.KeyException: exception}, nil)
}

// Status returns the status of the invocation
func (r Result) Status() pipeline.ExecutionStatus {
	return r.status
}

// StageOutputs returns a copy of the values merged into the stage context
func (r Result) StageOutputs() map[string]any {
	return copyMap(r.stageOutputs)
}

// GlobalOutputs returns a copy of the values merged into the execution context
func (r Result) GlobalOutputs() map[string]any {
	return copyMap(r.globalOutputs)
}

// WithGlobalOutputs returns a copy of r with globalOutputs replaced
func (r Result) WithGlobalOutputs(globalOutputs map[string]any) Result {
	return NewResult(r.status, r.stageOutputs, globalOutputs)
}

// ApplyTo merges the outputs into the stage and its execution
func (r Result) ApplyTo(stage *pipeline.Stage) {
	stage.Context.Merge(r.stageOutputs)
	if stage.Execution != nil {
		stage.Execution.Context.Merge(r.globalOutputs)
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

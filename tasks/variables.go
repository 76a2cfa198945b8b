package tasks

import (
	"context"
	"fmt"
	"regexp"

	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/task"
)

// KeyVariables holds the variables of an evaluateVariables stage
const KeyVariables = "variables"

var reference = regexp.MustCompile(`\$\{([^}]+)\}`)

// Variable is one key/value pair of an evaluateVariables stage
type Variable struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}

// EvaluateVariablesTask publishes the stage's variables into the execution
// context. String values may reference earlier variables or execution
// context entries as ${name}.
type EvaluateVariablesTask struct{}

// Name returns the task name
func (EvaluateVariablesTask) Name() string {
	return "evaluateVariables"
}

// Execute implements task.Task
func (EvaluateVariablesTask) Execute(ctx context.Context, stage *pipeline.Stage) (task.Result, error) {
	vars, err := readVariables(stage)
	if err != nil {
		return task.Terminal(err.Error(), nil), nil
	}

	scope := map[string]any{}
	if stage.Execution != nil {
		scope = stage.Execution.Context.ToMap()
	}

	resolved := make(map[string]any, len(vars))
	for _, v := range vars {
		value := v.Value
		if s, ok := value.(string); ok {
			expanded, missing := expand(s, scope)
			if missing != "" {
				return task.Terminal(fmt.Sprintf("variable %s references unknown value %s", v.Key, missing), map[string]any{
					"variable": v.Key,
				}), nil
			}
			value = expanded
		}
		resolved[v.Key] = value
		scope[v.Key] = value
	}

	return task.NewResult(pipeline.StatusSucceeded, map[string]any{"evaluated": len(resolved)}, resolved), nil
}

// readVariables accepts a list of {key, value} entries or a plain map
func readVariables(stage *pipeline.Stage) ([]Variable, error) {
	raw, ok := stage.Context.Get(KeyVariables)
	if !ok {
		return nil, fmt.Errorf("stage has no %s", KeyVariables)
	}

	switch v := raw.(type) {
	case []Variable:
		return v, nil
	case []any:
		out := make([]Variable, 0, len(v))
		for i, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("variable %d is not a key/value entry", i)
			}
			key, _ := entry["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("variable %d has no key", i)
			}
			out = append(out, Variable{Key: key, Value: entry["value"]})
		}
		return out, nil
	case map[string]any:
		keys := pipeline.ContextFrom(v).Keys()
		out := make([]Variable, 0, len(keys))
		for _, k := range keys {
			out = append(out, Variable{Key: k, Value: v[k]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list or a map, got %T", KeyVariables, raw)
	}
}

// expand replaces ${name} references. It returns the first unknown name.
func expand(s string, scope map[string]any) (string, string) {
	missing := ""
	out := reference.ReplaceAllStringFunc(s, func(match string) string {
		name := reference.FindStringSubmatch(match)[1]
		value, ok := scope[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return fmt.Sprint(value)
	})
	return out, missing
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/scheduler"
)

// PipelineFile is the on-disk form of an execution: its header and the
// authored top-level stages
type PipelineFile struct {
	Application string                 `json:"application" yaml:"application" jsonschema:"required"`
	Name        string                 `json:"name" yaml:"name" jsonschema:"required"`
	Type        pipeline.ExecutionType `json:"type,omitempty" yaml:"type,omitempty" jsonschema:"enum=PIPELINE,enum=ORCHESTRATION"`
	Context     map[string]any         `json:"context,omitempty" yaml:"context,omitempty"`
	Stages      []StageFile            `json:"stages" yaml:"stages" jsonschema:"required,minItems=1"`
}

// StageFile is one authored stage
type StageFile struct {
	RefID      string         `json:"refId" yaml:"refId" jsonschema:"required"`
	Type       string         `json:"type" yaml:"type" jsonschema:"required"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Requisites []string       `json:"requisiteStageRefIds,omitempty" yaml:"requisiteStageRefIds,omitempty"`
	Context    map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// loadPipelineFile decodes a YAML or JSON pipeline file
func loadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidInput, "failed to read pipeline file")
	}

	var file PipelineFile
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, errors.Newf(errors.ErrInvalidInput, "unsupported pipeline file format: %s", ext)
	}
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.ErrInvalidInput, "failed to parse pipeline file"),
			map[string]interface{}{"file": path})
	}
	return &file, nil
}

// Execution builds a fresh execution from the file
func (f *PipelineFile) Execution() *pipeline.Execution {
	execType := f.Type
	if execType == "" {
		execType = pipeline.TypePipeline
	}
	exec := pipeline.NewExecution(execType, f.Application, f.Name)
	exec.Context.Merge(f.Context)

	for _, sf := range f.Stages {
		name := sf.Name
		if name == "" {
			name = sf.Type + " " + sf.RefID
		}
		s := pipeline.NewStage(sf.Type, name)
		s.RefID = sf.RefID
		for _, r := range sf.Requisites {
			s.AddRequisite(r)
		}
		s.Context.Merge(sf.Context)
		exec.AddStage(s)
	}
	return exec
}

// Validate checks the file against the registered stage types and the
// dependency rules of the scheduler
func (f *PipelineFile) Validate(defs *scheduler.DefinitionRegistry) error {
	if strings.TrimSpace(f.Application) == "" {
		return errors.New(errors.ErrInvalidInput, "pipeline has no application")
	}
	if len(f.Stages) == 0 {
		return errors.New(errors.ErrInvalidInput, "pipeline has no stages")
	}
	for _, s := range f.Stages {
		if _, err := defs.Lookup(s.Type); err != nil {
			return errors.WithContext(err, map[string]interface{}{"refId": s.RefID})
		}
	}

	exec := f.Execution()
	if err := scheduler.ValidateExecution(exec); err != nil {
		return err
	}
	return detectCycle(f.Stages)
}

// detectCycle walks the requisite graph depth first. A stage reached again
// while still on the stack closes a cycle.
func detectCycle(stages []StageFile) error {
	requisites := make(map[string][]string, len(stages))
	refIDs := make([]string, 0, len(stages))
	for _, s := range stages {
		requisites[s.RefID] = s.Requisites
		refIDs = append(refIDs, s.RefID)
	}
	sort.Strings(refIDs)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(stages))

	var visit func(refID string, path []string) error
	visit = func(refID string, path []string) error {
		switch state[refID] {
		case visiting:
			return errors.Newf(errors.ErrCycle, "stages form a cycle: %s", strings.Join(append(path, refID), " -> "))
		case done:
			return nil
		}
		state[refID] = visiting
		for _, req := range requisites[refID] {
			if err := visit(req, append(path, refID)); err != nil {
				return err
			}
		}
		state[refID] = done
		return nil
	}

	for _, refID := range refIDs {
		if err := visit(refID, nil); err != nil {
			return err
		}
	}
	return nil
}

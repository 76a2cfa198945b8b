package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/scheduler"
	"github.com/davidroman0O/orca/stages"
)

const testConfig = `
logging:
  level: error
applications:
  - name: web
    accounts: [prod]
`

const deployPipeline = `
application: web
name: deploy web
stages:
  - refId: "1"
    type: evaluateVariables
    context:
      variables:
        - key: group
          value: web-v001
  - refId: "2"
    type: deploy
    requisiteStageRefIds: ["1"]
    context:
      account: prod
      serverGroup: web-v001
      capacity: 1
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(args ...string) (string, error) {
	var out, logs bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&logs)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunDeployPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := write(t, dir, "orca.yaml", testConfig)
	file := write(t, dir, "deploy.yaml", deployPipeline)

	out, err := execute("run", "-c", cfg, "--metrics", file)
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "Summary: 1/1 executions succeeded")
	assert.Contains(t, out, `orca_task_invocations_total{status="SUCCEEDED",task="deploy"} 1`)
}

func TestRunReportsFailedExecutions(t *testing.T) {
	dir := t.TempDir()
	cfg := write(t, dir, "orca.yaml", testConfig)
	file := write(t, dir, "deploy.yaml", `
application: web
name: forbidden
stages:
  - refId: "1"
    type: deploy
    context: {account: test, serverGroup: web-v001}
`)

	out, err := execute("run", "-c", cfg, file)
	require.Error(t, err)
	assert.Equal(t, errors.ErrTerminal, errors.GetCode(err))
	assert.Contains(t, out, "TERMINAL")
}

func TestRunRejectsInvalidPipeline(t *testing.T) {
	dir := t.TempDir()
	file := write(t, dir, "bad.yaml", "application: web\nname: x\nstages:\n  - refId: \"1\"\n    type: teleport\n")

	_, err := execute("run", file)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := write(t, dir, "good.yaml", deployPipeline)
	cyclic := write(t, dir, "cyclic.json", `{
  "application": "web",
  "name": "loop",
  "stages": [
    {"refId": "1", "type": "wait", "requisiteStageRefIds": ["2"], "context": {"waitTime": 1}},
    {"refId": "2", "type": "wait", "requisiteStageRefIds": ["1"], "context": {"waitTime": 1}}
  ]
}`)

	out, err := execute("validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.yaml: ok (2 stages)")

	out, err = execute("validate", good, cyclic)
	require.Error(t, err)
	assert.Contains(t, out, "stages form a cycle: 1 -> 2 -> 1")
}

func TestPipelineFileValidation(t *testing.T) {
	defs := stages.Register(scheduler.NewDefinitionRegistry())

	tests := []struct {
		name string
		file PipelineFile
		code errors.ErrorCode
	}{
		{"no application", PipelineFile{Stages: []StageFile{{RefID: "1", Type: "wait"}}}, errors.ErrInvalidInput},
		{"no stages", PipelineFile{Application: "web"}, errors.ErrInvalidInput},
		{"duplicate refId", PipelineFile{Application: "web", Stages: []StageFile{
			{RefID: "1", Type: "wait"}, {RefID: "1", Type: "wait"},
		}}, errors.ErrInvalidInput},
		{"dangling requisite", PipelineFile{Application: "web", Stages: []StageFile{
			{RefID: "1", Type: "wait", Requisites: []string{"9"}},
		}}, errors.ErrDanglingReference},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.file.Validate(defs)
			require.Error(t, err)
			assert.Equal(t, tc.code, errors.GetCode(err))
		})
	}
}

func TestPipelineFileExecution(t *testing.T) {
	file, err := loadPipelineFile(write(t, t.TempDir(), "p.yaml", deployPipeline))
	require.NoError(t, err)

	exec := file.Execution()
	assert.Equal(t, "web", exec.Application)
	assert.Equal(t, "PIPELINE", string(exec.Type))
	require.Equal(t, 2, exec.StageCount())
	second := exec.Stages()[1]
	assert.Equal(t, "deploy 2", second.Name)
	assert.Equal(t, []string{"1"}, second.RequisiteStageRefIDs)
	account, _ := second.Context.Get("account")
	assert.Equal(t, "prod", account)

	_, err = loadPipelineFile(write(t, t.TempDir(), "p.toml", ""))
	assert.Error(t, err)
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute("schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "stages")
	assert.Contains(t, props, "application")

	out, err = execute("schema", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "persistence")

	_, err = execute("schema", "nope")
	assert.Error(t, err)
}

func TestResumeUnknownExecution(t *testing.T) {
	out, err := execute("resume", "missing-id")
	require.Error(t, err)
	assert.Contains(t, out, "missing-id")
}

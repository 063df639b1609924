package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
)

func TestLoadRunPolicy_FillsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace_root: /tmp/work\n"), 0o644))

	policy, err := LoadRunPolicy(path)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/work", policy.WorkspaceRoot)
	assert.Equal(t, DefaultRunPolicy().DefaultStallWindow, policy.DefaultStallWindow)
}

func TestLoadFlowGraph_ValidatesOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	yamlDoc := `
key: build-flow
charter: build and verify a change
entry: plan
nodes:
  plan:
    agent_key: planner
    edges:
      - target: build
  build:
    agent_key: builder
    terminal: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	graph, err := LoadFlowGraph(path)

	require.NoError(t, err)
	assert.Equal(t, kernel.FlowKey("build-flow"), graph.Key)
	assert.Equal(t, kernel.StepID("plan"), graph.Entry)
	assert.Len(t, graph.OutEdges("plan"), 1)
}

func TestLoadFlowGraph_RejectsInvalidGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	yamlDoc := `
key: broken-flow
entry: missing
nodes:
  plan:
    terminal: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	_, err := LoadFlowGraph(path)

	assert.Error(t, err)
}

func TestLoadFlowGraphDir_LoadsAllYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeFlow := func(name, key string) {
		doc := "key: " + key + "\nentry: a\nnodes:\n  a:\n    terminal: true\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	writeFlow("one.yaml", "flow-one")
	writeFlow("two.yml", "flow-two")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("not a flow"), 0o644))

	flows, err := LoadFlowGraphDir(dir)

	require.NoError(t, err)
	assert.Len(t, flows, 2)
	assert.Contains(t, flows, kernel.FlowKey("flow-one"))
	assert.Contains(t, flows, kernel.FlowKey("flow-two"))
}

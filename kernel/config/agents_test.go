package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
)

func TestLoadAgentDir_KeysByFilenameAndResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("be a careful builder"), 0o644))
	doc := "backend: anthropic\nmodel_tier: anthropic:sonnet\nsystem_prompt_path: prompt.txt\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "builder.yaml"), []byte(doc), 0o644))

	agents, err := LoadAgentDir(dir)

	require.NoError(t, err)
	spec, ok := agents[kernel.AgentKey("builder")]
	require.True(t, ok)
	assert.Equal(t, "anthropic", spec.Backend)

	prompt, err := spec.SystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "be a careful builder", prompt)

	notes, err := spec.TeachingNotes()
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestLoadAgentDir_SkipsNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "critic.yml"), []byte("backend: openai\n"), 0o644))

	agents, err := LoadAgentDir(dir)

	require.NoError(t, err)
	assert.Len(t, agents, 1)
	_, ok := agents[kernel.AgentKey("critic")]
	assert.True(t, ok)
}

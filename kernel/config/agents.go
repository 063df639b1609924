package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flowkernel/orchestrator/kernel"
)

// AgentSpec binds an AgentKey to the prompt and transport configuration
// kernelctl's step source needs to prepare a step (spec §4.8 "system
// prompt", §6 "agent_key"). The kernel itself stays agent-agnostic; this
// type only exists at the CLI/config boundary that wires concrete agents
// into a flow.
type AgentSpec struct {
	AgentKey kernel.AgentKey `yaml:"-"`

	// Backend names a transport.Backend registered under that name in the
	// process (e.g. "anthropic", "openai", "bedrock").
	Backend string `yaml:"backend"`

	// ModelTier labels the agent's cost tier for the budget price table
	// (e.g. "anthropic:sonnet").
	ModelTier string `yaml:"model_tier"`

	// SystemPromptPath points at a file containing the agent's system
	// prompt. Relative paths are resolved against the agent directory.
	SystemPromptPath string `yaml:"system_prompt_path"`

	// TeachingNotesPath points at a file containing the flow-specific
	// teaching notes placed at ContextPack.TeachingNotes CRITICAL tier.
	TeachingNotesPath string `yaml:"teaching_notes_path"`

	// MaxContextChars bounds context hydration for steps using this agent.
	// Zero means the process-wide default applies.
	MaxContextChars int `yaml:"max_context_chars"`
}

// LoadAgentDir loads every *.yaml/*.yml file in dir as an AgentSpec, keyed
// by its filename without extension (e.g. "builder.yaml" -> AgentKey
// "builder"), mirroring LoadFlowGraphDir's one-file-per-entity convention.
func LoadAgentDir(dir string) (map[kernel.AgentKey]AgentSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read agent dir %s: %w", dir, err)
	}
	out := make(map[kernel.AgentKey]AgentSpec)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read agent spec %s: %w", path, err)
		}
		var spec AgentSpec
		if err := yaml.Unmarshal(b, &spec); err != nil {
			return nil, fmt.Errorf("config: parse agent spec %s: %w", path, err)
		}
		key := kernel.AgentKey(e.Name()[:len(e.Name())-len(ext)])
		spec.AgentKey = key
		if spec.SystemPromptPath != "" && !filepath.IsAbs(spec.SystemPromptPath) {
			spec.SystemPromptPath = filepath.Join(dir, spec.SystemPromptPath)
		}
		if spec.TeachingNotesPath != "" && !filepath.IsAbs(spec.TeachingNotesPath) {
			spec.TeachingNotesPath = filepath.Join(dir, spec.TeachingNotesPath)
		}
		out[key] = spec
	}
	return out, nil
}

// SystemPrompt reads the agent's system prompt file.
func (s AgentSpec) SystemPrompt() (string, error) {
	b, err := os.ReadFile(s.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt for agent %q: %w", s.AgentKey, err)
	}
	return string(b), nil
}

// TeachingNotes reads the agent's teaching notes file, returning an empty
// string if none is configured.
func (s AgentSpec) TeachingNotes() (string, error) {
	if s.TeachingNotesPath == "" {
		return "", nil
	}
	b, err := os.ReadFile(s.TeachingNotesPath)
	if err != nil {
		return "", fmt.Errorf("config: read teaching notes for agent %q: %w", s.AgentKey, err)
	}
	return string(b), nil
}

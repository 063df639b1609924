package main

import (
	"context"
	"fmt"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/config"
	"github.com/flowkernel/orchestrator/kernel/step"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// agentStepSource is the StepSource the run loop uses to turn a flow node's
// agent_key into a step.Input: the agent's system prompt, its backend, and a
// context pack seeded with the flow's teaching notes. The kernel package
// never imports this file; it is wired in only here, at the CLI boundary
// (kernel/ident.go: "mapping agent keys to prompts/personas is a deployment
// concern").
type agentStepSource struct {
	graph    *kernel.FlowGraph
	agents   map[kernel.AgentKey]config.AgentSpec
	backends map[string]transport.Backend
	defaultMaxContextChars int
}

func newAgentStepSource(graph *kernel.FlowGraph, agents map[kernel.AgentKey]config.AgentSpec, backends map[string]transport.Backend, defaultMaxContextChars int) *agentStepSource {
	return &agentStepSource{graph: graph, agents: agents, backends: backends, defaultMaxContextChars: defaultMaxContextChars}
}

func (s *agentStepSource) Prepare(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, iteration kernel.IterationInfo) (step.Input, error) {
	node := s.graph.Node(stepID)
	if node == nil {
		return step.Input{}, fmt.Errorf("kernelctl: step source: unknown step %q", stepID)
	}

	spec, ok := s.agents[node.AgentKey]
	if !ok {
		return step.Input{}, fmt.Errorf("kernelctl: step source: no agent spec for agent key %q (step %q)", node.AgentKey, stepID)
	}
	backend, ok := s.backends[spec.Backend]
	if !ok {
		return step.Input{}, fmt.Errorf("kernelctl: step source: no backend registered for %q (agent %q)", spec.Backend, node.AgentKey)
	}
	prompt, err := spec.SystemPrompt()
	if err != nil {
		return step.Input{}, err
	}
	notes, err := spec.TeachingNotes()
	if err != nil {
		return step.Input{}, err
	}

	maxContextChars := spec.MaxContextChars
	if maxContextChars == 0 {
		maxContextChars = s.defaultMaxContextChars
	}

	return step.Input{
		Backend:         backend,
		ModelTier:       spec.ModelTier,
		SystemPrompt:    prompt,
		Context:         kernel.ContextPack{TeachingNotes: notes},
		MaxContextChars: maxContextChars,
	}, nil
}

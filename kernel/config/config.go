// Package config loads the kernel's static, process-wide configuration — a
// RunPolicy and a set of flow graphs — from YAML, following the pattern the
// corpus's declarative-config orchestrators use: decode once at process
// start, snapshot into an immutable value, hand the snapshot to the
// orchestrator. A run's configuration never changes mid-run (spec §5).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/budget"
)

// RunPolicy is the set of process-wide operating limits and defaults spec §5
// ("Shared resource policy") and §4.9 (stall/budget fuses) describe.
type RunPolicy struct {
	// DefaultMicroloopMaxIterations is decoded from the policy file but is
	// not copied onto flow nodes, so a microloop node with no MaxIterations
	// of its own has no iteration bound.
	DefaultMicroloopMaxIterations int `yaml:"default_microloop_max_iterations"`

	// DefaultStallWindow is the number of trailing iterations AnalyzeStall
	// considers when a flow node does not override it.
	DefaultStallWindow int `yaml:"default_stall_window"`

	// RoutingMode selects the routing driver's Tier 3 policy.
	RoutingMode kernel.Mode `yaml:"routing_mode"`

	Budget BudgetPolicy `yaml:"budget"`

	// WorkspaceRoot is the filesystem root preflight checks must find
	// writable (spec §4.9 preflight checks).
	WorkspaceRoot string `yaml:"workspace_root"`

	// ShadowBranchPrefix names the prefix vcs.Adapter.CreateShadowBranch uses.
	ShadowBranchPrefix string `yaml:"shadow_branch_prefix"`
}

// BudgetPolicy is the YAML shape of budget.Caps plus the price-table path.
type BudgetPolicy struct {
	SoftWarnUSD    float64 `yaml:"soft_warn_usd"`
	HardAbortUSD   float64 `yaml:"hard_abort_usd"`
	PriceTablePath string  `yaml:"price_table_path"`
}

// Caps converts the YAML policy into a budget.Caps value.
func (b BudgetPolicy) Caps() budget.Caps {
	return budget.Caps{SoftWarnUSD: b.SoftWarnUSD, HardAbortUSD: b.HardAbortUSD}
}

// DefaultRunPolicy returns the documented fallback policy (spec §6: "Any not
// set falls back to documented defaults").
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{
		DefaultMicroloopMaxIterations: 5,
		DefaultStallWindow:            3,
		RoutingMode:                   kernel.ModeAssist,
		Budget: BudgetPolicy{
			SoftWarnUSD:  25,
			HardAbortUSD: 50,
		},
		ShadowBranchPrefix: "kernel/shadow",
	}
}

// LoadRunPolicy decodes a RunPolicy from path, applying DefaultRunPolicy's
// values for any zero field left unset in the file.
func LoadRunPolicy(path string) (RunPolicy, error) {
	policy := DefaultRunPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return RunPolicy{}, fmt.Errorf("config: read run policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &policy); err != nil {
		return RunPolicy{}, fmt.Errorf("config: parse run policy %s: %w", path, err)
	}
	return policy, nil
}

// LoadPriceTable decodes a budget.PriceTable from a YAML file.
func LoadPriceTable(path string) (budget.PriceTable, error) {
	if path == "" {
		return budget.DefaultPriceTable, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read price table %s: %w", path, err)
	}
	var table budget.PriceTable
	if err := yaml.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("config: parse price table %s: %w", path, err)
	}
	return table, nil
}

// yamlFlowGraph is the on-disk shape of a kernel.FlowGraph; the kernel's own
// type uses maps and unexported invariants not convenient to decode
// directly, so config decodes into this shape and converts.
type yamlFlowGraph struct {
	Key     string                   `yaml:"key"`
	Charter string                   `yaml:"charter"`
	Entry   string                   `yaml:"entry"`
	Nodes   map[string]yamlFlowNode  `yaml:"nodes"`
}

type yamlFlowNode struct {
	AgentKey      string         `yaml:"agent_key"`
	Edges         []yamlFlowEdge `yaml:"edges"`
	Terminal      bool           `yaml:"terminal"`
	Microloop     bool           `yaml:"microloop"`
	MaxIterations int            `yaml:"max_iterations"`
}

type yamlFlowEdge struct {
	Target string `yaml:"target"`
	Guard  string `yaml:"guard"`
}

// LoadFlowGraph decodes and validates a single flow graph definition from a
// YAML file.
func LoadFlowGraph(path string) (*kernel.FlowGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read flow graph %s: %w", path, err)
	}
	var y yamlFlowGraph
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("config: parse flow graph %s: %w", path, err)
	}
	graph := &kernel.FlowGraph{
		Key:     kernel.FlowKey(y.Key),
		Charter: y.Charter,
		Entry:   kernel.StepID(y.Entry),
		Nodes:   make(map[kernel.StepID]*kernel.FlowNode, len(y.Nodes)),
	}
	for id, n := range y.Nodes {
		node := &kernel.FlowNode{
			ID:            kernel.StepID(id),
			AgentKey:      kernel.AgentKey(n.AgentKey),
			Terminal:      n.Terminal,
			Microloop:     n.Microloop,
			MaxIterations: n.MaxIterations,
		}
		for _, e := range n.Edges {
			node.Edges = append(node.Edges, kernel.FlowEdge{Target: kernel.StepID(e.Target), Guard: e.Guard})
		}
		graph.Nodes[node.ID] = node
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return graph, nil
}

// LoadFlowGraphDir loads every *.yaml/*.yml file in dir as a flow graph,
// keyed by its declared Key (not its filename).
func LoadFlowGraphDir(dir string) (map[kernel.FlowKey]*kernel.FlowGraph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read flow graph dir %s: %w", dir, err)
	}
	out := make(map[kernel.FlowKey]*kernel.FlowGraph)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		graph, err := LoadFlowGraph(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[graph.Key] = graph
	}
	return out, nil
}

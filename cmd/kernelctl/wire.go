package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/budget"
	"github.com/flowkernel/orchestrator/kernel/config"
	"github.com/flowkernel/orchestrator/kernel/distlock"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/engine/inmem"
	"github.com/flowkernel/orchestrator/kernel/orchestrator"
	"github.com/flowkernel/orchestrator/kernel/routing"
	"github.com/flowkernel/orchestrator/kernel/sidequest"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/storage/fs"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
	"github.com/flowkernel/orchestrator/kernel/transport/anthropic"
	"github.com/flowkernel/orchestrator/kernel/transport/bedrock"
	"github.com/flowkernel/orchestrator/kernel/transport/openai"
	"github.com/flowkernel/orchestrator/kernel/vcs"
)

// deployment bundles everything a kernelctl invocation needs to start,
// resume, or rebuild a run: loaded config, a storage.Store, a registered
// engine, and the orchestrator.Activities wired against it. One deployment
// is built per process invocation from flags and env, the way the corpus's
// CLI entry points build one client bundle per command rather than
// maintaining global mutable state.
type deployment struct {
	log     telemetry.Logger
	store   storage.Store
	engine  engine.Engine
	acts    *orchestrator.Activities
	graphs  map[kernel.FlowKey]*kernel.FlowGraph
	policy  config.RunPolicy
	watcher *config.Watcher
}

// Close releases resources the deployment holds across its lifetime: today
// just the flow graph watcher's fsnotify handle.
func (d *deployment) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func newZapLogger() telemetry.Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return telemetry.NewZapLogger(z)
}

// buildDeployment loads the process's static configuration from configDir
// (expects run_policy.yaml, flows/, and agents/ directly under it; the price
// table comes from the policy's budget.price_table_path, or the built-in
// default when that is empty) and wires every component the orchestrator
// needs.
func buildDeployment(ctx context.Context, configDir, workspaceRoot string) (*deployment, error) {
	log := newZapLogger()

	policy, err := config.LoadRunPolicy(filepath.Join(configDir, "run_policy.yaml"))
	if err != nil {
		return nil, err
	}
	if workspaceRoot != "" {
		policy.WorkspaceRoot = workspaceRoot
	}

	watcher, err := config.NewWatcher(filepath.Join(configDir, "flows"), log)
	if err != nil {
		return nil, err
	}
	graphs := watcher.Flows()
	agents, err := config.LoadAgentDir(filepath.Join(configDir, "agents"))
	if err != nil {
		return nil, err
	}
	priceTable, err := config.LoadPriceTable(policy.Budget.PriceTablePath)
	if err != nil {
		return nil, err
	}

	backends, err := buildBackends(ctx)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, policy.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	var gitAdapter *vcs.Adapter
	if policy.WorkspaceRoot != "" {
		gitAdapter, err = vcs.New(ctx, policy.WorkspaceRoot, 30*time.Second)
		if err != nil {
			log.Warn(ctx, "kernelctl: git adapter unavailable, running without shadow-branch isolation", "error", err.Error())
			gitAdapter = nil
		}
	}

	sources := make(map[kernel.FlowKey]orchestrator.StepSource, len(graphs))
	for key, graph := range graphs {
		sources[key] = newAgentStepSource(graph, agents, backends, 0)
	}

	tracker := budget.NewTracker(store, priceTable, policy.Budget.Caps(), 0)
	breaker := routing.NewGobreaker("kernelctl.navigator", 5, 30*time.Second)

	deps := orchestrator.Deps{
		Store:              store,
		Log:                log,
		Graphs:             graphs,
		Mode:               policy.RoutingMode,
		Sources:            sources,
		Sidequests:         sidequest.Default(),
		Budget:             tracker,
		Breaker:            breaker,
		ShadowBranchPrefix: policy.ShadowBranchPrefix,
	}
	if gitAdapter != nil {
		deps.VCS = gitAdapter
	}

	acts, err := orchestrator.NewActivities(deps)
	if err != nil {
		return nil, err
	}

	eng := inmem.New(inmem.WithTelemetry(log, telemetry.NewOTelMetrics(), telemetry.NewOTelTracer()))
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: orchestrator.WorkflowName, Handler: orchestrator.Run}); err != nil {
		return nil, err
	}
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: orchestrator.WorkflowNameAutopilot, Handler: orchestrator.RunAutopilot}); err != nil {
		return nil, err
	}
	if err := acts.Register(ctx, eng); err != nil {
		return nil, err
	}

	return &deployment{log: log, store: store, engine: eng, acts: acts, graphs: graphs, policy: policy, watcher: watcher}, nil
}

// buildStore opens the filesystem-backed store rooted at root, wrapping it
// with a Redis-backed distlock.Locker when KERNEL_REDIS_ADDR is set so a
// fleet of kernelctl processes can share the single-writer guarantee a lone
// process already gets from fs.Store's in-process mutex.
func buildStore(ctx context.Context, root string) (storage.Store, error) {
	if root == "" {
		root = "."
	}
	base := fs.New(root)

	addr := os.Getenv("KERNEL_REDIS_ADDR")
	if addr == "" {
		return base, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kernelctl: connect to KERNEL_REDIS_ADDR %s: %w", addr, err)
	}
	locker := distlock.New(rdb)
	return distlock.WrapStore(base, locker), nil
}

// buildBackends constructs every transport.Backend this deployment can name
// from an agent's AgentSpec.Backend field. A backend is included only when
// its credentials are present in the environment, so a deployment missing
// AWS credentials still runs flows that only use anthropic/openai agents.
func buildBackends(ctx context.Context) (map[string]transport.Backend, error) {
	backends := make(map[string]transport.Backend)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := envOr("KERNEL_ANTHROPIC_MODEL", "claude-sonnet-4-5")
		backend, err := anthropic.NewFromAPIKey(key, model, 8192)
		if err != nil {
			return nil, fmt.Errorf("kernelctl: build anthropic backend: %w", err)
		}
		backends["anthropic"] = backend
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := envOr("KERNEL_OPENAI_MODEL", "gpt-5")
		backend, err := openai.NewFromAPIKey(key, model)
		if err != nil {
			return nil, fmt.Errorf("kernelctl: build openai backend: %w", err)
		}
		backends["openai"] = backend
	}

	if os.Getenv("KERNEL_BEDROCK_MODEL") != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("kernelctl: load AWS config for bedrock backend: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(cfg)
		backend, err := bedrock.New(runtime, os.Getenv("KERNEL_BEDROCK_MODEL"), 8192)
		if err != nil {
			return nil, fmt.Errorf("kernelctl: build bedrock backend: %w", err)
		}
		backends["bedrock"] = backend
	}

	return backends, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

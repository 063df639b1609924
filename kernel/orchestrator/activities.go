package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/budget"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/forensic"
	"github.com/flowkernel/orchestrator/kernel/routing"
	"github.com/flowkernel/orchestrator/kernel/schema"
	"github.com/flowkernel/orchestrator/kernel/sidequest"
	"github.com/flowkernel/orchestrator/kernel/step"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
	"github.com/flowkernel/orchestrator/kernel/utility"
)

// StepSource supplies everything about a step's execution that the
// orchestrator itself has no opinion on: the agent key bound to the step,
// the prompt and context pack, the backend to run it against, and a VCS
// baseline. The kernel stays agent-agnostic (spec §1 non-goals) by routing
// all of that through this interface instead of owning it.
type StepSource interface {
	Prepare(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, iteration kernel.IterationInfo) (step.Input, error)
}

// ShadowVCS is the subset of vcs.Adapter the RunStep activity uses to
// isolate one step's working-tree changes and feed the forensic diff
// scanner, which consumes the same adapter through step.GitDiff.
type ShadowVCS interface {
	CreateShadowBranch(ctx context.Context, prefix, runID, stepID string) (branch string, baseSHA string, err error)
	Cleanup(ctx context.Context, shadowBranch string) error
	step.GitDiff
}

// Deps bundles everything the orchestrator's activities need across the
// lifetime of a process. One Deps instance is shared by every run's
// activities; per-run state lives in RunStepRequest/Response instead.
type Deps struct {
	Store    storage.Store
	Log      telemetry.Logger
	Graphs   map[kernel.FlowKey]*kernel.FlowGraph
	Mode     kernel.Mode
	Sources  map[kernel.FlowKey]StepSource
	VCS      ShadowVCS
	Sidequests *sidequest.Catalog
	Utilities  *utility.Catalog
	Budget   *budget.Tracker
	Breaker  routing.Breaker
	ShadowBranchPrefix string
}

// Activities wraps Deps with the registered activity handlers.
type Activities struct {
	deps      Deps
	validator *schema.Validator
}

// NewActivities builds an Activities set from deps, defaulting an absent
// sidequest catalog to sidequest.Default(). Returns an error if the
// envelope schema fails to compile, which should never happen for the
// kernel's own built-in schema.
func NewActivities(deps Deps) (*Activities, error) {
	if deps.Sidequests == nil {
		deps.Sidequests = sidequest.Default()
	}
	if deps.Utilities == nil {
		deps.Utilities = utility.Default()
	}
	validator, err := schema.Compile("envelope.json", []byte(schema.EnvelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile envelope schema: %w", err)
	}
	return &Activities{deps: deps, validator: validator}, nil
}

// Register installs the run_step, write_state and append_event activities on eng. Call once at process startup
// before any run starts.
func (a *Activities) Register(ctx context.Context, eng engine.Engine) error {
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityRunStep, Handler: a.runStep}); err != nil {
		return err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityWriteState, Handler: a.writeState}); err != nil {
		return err
	}
	return eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: ActivityAppendEvent, Handler: a.appendEvent})
}

func (a *Activities) appendEvent(ctx context.Context, rawInput any) (any, error) {
	req, ok := rawInput.(AppendEventRequest)
	if !ok {
		return nil, fmt.Errorf("orchestrator: append_event: unexpected input type %T", rawInput)
	}
	return a.deps.Store.AppendEvent(ctx, req.RunID, req.Event)
}

func (a *Activities) writeState(ctx context.Context, rawInput any) (any, error) {
	state, ok := rawInput.(kernel.RunState)
	if !ok {
		return nil, fmt.Errorf("orchestrator: write_state: unexpected input type %T", rawInput)
	}
	return nil, a.deps.Store.WriteState(ctx, state.RunID, state)
}

func (a *Activities) runStep(ctx context.Context, rawInput any) (any, error) {
	req, ok := rawInput.(RunStepRequest)
	if !ok {
		return nil, fmt.Errorf("orchestrator: run_step: unexpected input type %T", rawInput)
	}

	graph, ok := a.deps.Graphs[req.Flow]
	if !ok {
		return nil, fmt.Errorf("orchestrator: run_step: unknown flow %q", req.Flow)
	}
	source, ok := a.deps.Sources[req.Flow]
	if !ok {
		return nil, fmt.Errorf("orchestrator: run_step: no step source registered for flow %q", req.Flow)
	}

	if a.deps.Budget != nil {
		if status := a.deps.Budget.CheckCaps(); status.Abort {
			return RunStepResponse{BudgetAbort: true, CostUSD: status.CumulativeUSD}, nil
		}
	}

	node, err := a.resolveNode(graph, req.StepID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: run_step: %w", err)
	}

	input, err := source.Prepare(ctx, req.RunID, req.Flow, req.StepID, req.Iteration)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: run_step: prepare step %q: %w", req.StepID, err)
	}
	input.RunID, input.Flow, input.StepID, input.AgentKey = req.RunID, req.Flow, req.StepID, node.AgentKey

	var shadowBranch string
	if a.deps.VCS != nil {
		branch, baseSHA, err := a.deps.VCS.CreateShadowBranch(ctx, a.deps.ShadowBranchPrefix, string(req.RunID), string(req.StepID))
		if err != nil {
			a.deps.Log.Warn(ctx, "orchestrator: shadow branch creation failed, proceeding without VCS isolation", "error", err.Error())
		} else {
			shadowBranch = branch
			input.BaseSHA = baseSHA
			input.Git = a.deps.VCS
		}
	}

	engineDeps := step.Deps{
		Store:          a.deps.Store,
		Log:            a.deps.Log,
		EnvelopeSchema: a.validator,
		Comparator:     forensic.NewComparator(),
		Budget:         a.deps.Budget,
		Policy:         step.DefaultDangerousOpPolicy(),
	}
	stepEngine := step.New(engineDeps)

	res, err := stepEngine.Execute(ctx, input)
	if err != nil {
		if shadowBranch != "" {
			_ = a.deps.VCS.Cleanup(ctx, shadowBranch)
		}
		return nil, fmt.Errorf("orchestrator: run_step: execute step %q: %w", req.StepID, err)
	}

	predCtx := kernel.PredicateContext{
		Envelope:          res.Envelope,
		Forensic:          res.Forensic,
		Verdict:           res.Verdict,
		Stall:             forensic.AnalyzeStall(append(append([]kernel.ForensicSummary(nil), req.StallWindow...), res.Forensic)),
		RunID:             req.RunID,
		StepID:            req.StepID,
		PreflightFailures: res.PreflightFailures,
	}
	detours := a.deps.Sidequests.Applicable(predCtx, req.SidequestUses)
	detours = append(detours, a.deps.Utilities.Applicable(predCtx, req.InjectUses)...)

	var nav routing.Navigator
	if res.Session != nil {
		nav = sessionNavigator{res.Session}
	}
	driver := routing.New(graph, a.deps.Mode, a.deps.Log, nav, a.deps.Breaker)
	outcome, err := driver.Decide(ctx, routing.Input{
		RunID:            req.RunID,
		StepID:           req.StepID,
		Envelope:         res.Envelope,
		Forensic:         res.Forensic,
		Iteration:        req.Iteration,
		DetourCandidates: detours,
	})
	stepEngine.CloseSession(ctx, res)
	if err != nil {
		if shadowBranch != "" {
			_ = a.deps.VCS.Cleanup(ctx, shadowBranch)
		}
		return nil, fmt.Errorf("orchestrator: run_step: routing decision for step %q: %w", req.StepID, err)
	}

	decisionLog := routing.NewDecisionLog(a.deps.Store)
	if err := decisionLog.Record(ctx, req.RunID, req.Flow, req.StepID, outcome); err != nil {
		a.deps.Log.Warn(ctx, "orchestrator: failed to record routing decision", "error", err.Error())
	}

	var committedSeq int64
	committed := !res.Blocked || outcome.Chosen.Action == kernel.RoutingEscalate
	if committed {
		seq, err := stepEngine.Commit(ctx, input, res)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: run_step: commit step %q: %w", req.StepID, err)
		}
		committedSeq = seq
	}

	if shadowBranch != "" && outcome.Chosen.Action != kernel.RoutingAdvance && outcome.Chosen.Action != kernel.RoutingTerminate {
		_ = a.deps.VCS.Cleanup(ctx, shadowBranch)
	}

	var chosenSidequest kernel.SidequestID
	var chosenInject string
	switch {
	case strings.HasPrefix(outcome.Chosen.ID, "sidequest:"):
		chosenSidequest = sidequestIDFromCandidateID(outcome.Chosen.ID)
	case strings.HasPrefix(outcome.Chosen.ID, "utility:"):
		chosenInject = strings.TrimPrefix(outcome.Chosen.ID, "utility:")
	}

	switch outcome.Chosen.Action {
	case kernel.RoutingDetour, kernel.RoutingInjectFlow, kernel.RoutingInjectNodes:
		a.writeInjectionSidecar(ctx, req, node.ID, outcome)
	}

	resp := RunStepResponse{
		Envelope:        res.Envelope,
		Forensic:        res.Forensic,
		Verdict:         res.Verdict,
		Outcome:         outcome,
		ChosenSidequest: chosenSidequest,
		ChosenInject:    chosenInject,
		Committed:       committed,
		CommittedSeq:    committedSeq,
	}
	if a.deps.Budget != nil {
		resp.CostUSD = a.deps.Budget.Cumulative()
	}
	return resp, nil
}

// resolveNode returns stepID's node in graph, synthesizing and merging in
// (kernel.FlowGraph.EnsureNode) a one-node sub-flow from the sidequest or
// utility-flow catalog when stepID names a catalog entry instead of an
// author-declared graph node (spec: a routing target "names a node that
// exists in the flow graph OR a sidequest registered in the catalog").
func (a *Activities) resolveNode(graph *kernel.FlowGraph, stepID kernel.StepID) (*kernel.FlowNode, error) {
	if node := graph.Node(stepID); node != nil {
		return node, nil
	}
	if id, ok := strings.CutPrefix(string(stepID), "sidequest:"); ok {
		if sq, ok := a.deps.Sidequests.Lookup(kernel.SidequestID(id)); ok {
			node := &kernel.FlowNode{ID: stepID, AgentKey: sq.TargetAgent, Terminal: true}
			graph.EnsureNode(node)
			return node, nil
		}
	}
	if id, ok := strings.CutPrefix(string(stepID), "utility:"); ok {
		if uf, ok := a.deps.Utilities.Lookup(id); ok {
			node := &kernel.FlowNode{ID: stepID, AgentKey: uf.TargetAgent, Terminal: true}
			graph.EnsureNode(node)
			return node, nil
		}
	}
	return nil, fmt.Errorf("unknown step %q: not a graph node, sidequest, or utility-flow target", stepID)
}

// injectionSidecar is the payload written under <flow>/routing/injections/
// (spec §6) for a DETOUR/INJECT_FLOW/INJECT_NODES decision.
type injectionSidecar struct {
	Timestamp time.Time           `json:"ts"`
	RunID     kernel.RunID        `json:"run_id"`
	Flow      kernel.FlowKey      `json:"flow_key"`
	StepID    kernel.StepID       `json:"step_id"`
	Action    kernel.RoutingAction `json:"action"`
	Target    kernel.StepID       `json:"target"`
	Reason    string              `json:"reason"`
	WhyNow    *kernel.WhyNow      `json:"why_now,omitempty"`
}

// writeInjectionSidecar persists outcome's DETOUR/INJECT_* decision through
// storage.Store.WriteInjectionSidecar. A write failure is logged, not fatal:
// the routing decisions log already recorded the decision itself.
func (a *Activities) writeInjectionSidecar(ctx context.Context, req RunStepRequest, stepID kernel.StepID, outcome kernel.RoutingOutcome) {
	id := strings.TrimPrefix(strings.TrimPrefix(outcome.Chosen.ID, "sidequest:"), "utility:")
	payload := injectionSidecar{
		Timestamp: outcome.Timestamp,
		RunID:     req.RunID,
		Flow:      req.Flow,
		StepID:    stepID,
		Action:    outcome.Chosen.Action,
		Target:    outcome.Chosen.Target,
		Reason:    outcome.Justification,
		WhyNow:    outcome.WhyNow,
	}
	if err := a.deps.Store.WriteInjectionSidecar(ctx, req.RunID, req.Flow, id, payload); err != nil {
		a.deps.Log.Warn(ctx, "orchestrator: failed to write injection sidecar", "error", err.Error())
	}
}

// sessionNavigator adapts a transport.Session's Route method to the
// routing.Navigator interface expected by the driver.
type sessionNavigator struct {
	sess transport.Session
}

func (n sessionNavigator) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	return n.sess.Route(ctx, req)
}

// sidequestIDFromCandidateID strips the "sidequest:" prefix the catalog
// adds when rendering a Sidequest as a RoutingCandidate.
func sidequestIDFromCandidateID(candidateID string) kernel.SidequestID {
	const prefix = "sidequest:"
	if len(candidateID) > len(prefix) && candidateID[:len(prefix)] == prefix {
		return kernel.SidequestID(candidateID[len(prefix):])
	}
	return ""
}

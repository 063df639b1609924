// Package routing implements the five-tier routing cascade spec §4.7
// describes: fast path, deterministic rules, Navigator (LLM-assisted,
// bounded to a pre-generated candidate set), envelope fallback, and
// escalate. The kernel's strongest safety invariant lives here: whichever
// tier produces a decision, the chosen candidate must be a member of the
// candidate set that tier was given — a tier never invents a target.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// Navigator is the subset of transport.Session the Tier 3 cascade step
// needs: a single bounded choice among a candidate set, never an open-ended
// generation.
type Navigator interface {
	Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error)
}

// Driver runs the cascade for one step's routing decision.
type Driver struct {
	graph *kernel.FlowGraph
	mode  kernel.Mode
	log   telemetry.Logger
	nav   Navigator
	cb    Breaker
}

// Breaker is the subset of gobreaker.CircuitBreaker the driver needs,
// narrowed so tests can substitute a no-op breaker.
type Breaker interface {
	Execute(func() (any, error)) (any, error)
}

// New builds a Driver for one flow graph. nav may be nil when mode is
// ModeDeterministicOnly, since Tier 3 is never consulted in that mode.
func New(graph *kernel.FlowGraph, mode kernel.Mode, log telemetry.Logger, nav Navigator, cb Breaker) *Driver {
	return &Driver{graph: graph, mode: mode, log: log, nav: nav, cb: cb}
}

// Input bundles everything one routing decision needs.
type Input struct {
	RunID    kernel.RunID
	StepID   kernel.StepID
	Envelope kernel.HandoffEnvelope
	Forensic kernel.ForensicSummary
	Iteration kernel.IterationInfo

	// DetourCandidates are sidequest-catalog candidates applicable at this
	// point, supplied by the caller since sidequest applicability depends on
	// run-level trigger state the routing package does not own.
	DetourCandidates []kernel.RoutingCandidate
}

// Decide runs the cascade and returns the chosen RoutingOutcome. It never
// returns a Chosen candidate that was not present in the candidate set the
// deciding tier considered.
func (d *Driver) Decide(ctx context.Context, in Input) (kernel.RoutingOutcome, error) {
	candidates := alignmentFilter(d.graph.Charter, d.buildCandidateSet(in))
	if len(candidates) == 0 {
		return d.escalate(in, "no routing candidates available from any tier"), nil
	}

	if outcome, ok := d.tierFastPath(in, candidates); ok {
		return outcome, nil
	}
	if d.mode == kernel.ModeAuthoritative {
		if outcome, ok := d.tierNavigator(ctx, in, candidates); ok {
			return outcome, nil
		}
	}
	if outcome, ok := d.tierDeterministic(in, candidates); ok {
		return outcome, nil
	}
	if d.mode != kernel.ModeDeterministicOnly && d.mode != kernel.ModeAuthoritative {
		if outcome, ok := d.tierNavigator(ctx, in, candidates); ok {
			return outcome, nil
		}
	}
	if outcome, ok := d.tierEnvelopeFallback(in, candidates); ok {
		return outcome, nil
	}
	return d.escalate(in, "no tier produced a confident decision"), nil
}

// buildCandidateSet assembles the full candidate set from the flow graph's
// static edges plus any applicable detour candidates, the pool every tier
// below Tier 3 (Navigator) chooses from without ever inventing a target.
func (d *Driver) buildCandidateSet(in Input) []kernel.RoutingCandidate {
	var candidates []kernel.RoutingCandidate
	node := d.graph.Node(in.StepID)
	if node == nil {
		return in.DetourCandidates
	}

	edges := d.graph.OutEdges(in.StepID)
	for i, e := range edges {
		candidates = append(candidates, kernel.RoutingCandidate{
			ID:       fmt.Sprintf("graph_edge_%d", i),
			Action:   kernel.RoutingAdvance,
			Target:   e.Target,
			Reason:   "graph edge",
			Priority: 100,
			Source:   kernel.SourceGraphEdge,
			Default:  len(edges) == 1,
		})
	}
	if node.Microloop && len(node.Edges) > 0 {
		for _, e := range node.Edges {
			if e.Target == in.StepID {
				candidates = append(candidates, kernel.RoutingCandidate{
					ID:       "microloop_self",
					Action:   kernel.RoutingLoop,
					Target:   in.StepID,
					Reason:   "microloop self-edge",
					Priority: 90,
					Source:   kernel.SourceGraphEdge,
				})
			}
		}
	}
	if node.Terminal {
		candidates = append(candidates, kernel.RoutingCandidate{
			ID:       "terminate",
			Action:   kernel.RoutingTerminate,
			Reason:   "terminal node",
			Priority: 100,
			Source:   kernel.SourceGraphEdge,
			Default:  true,
		})
	}
	candidates = append(candidates, in.DetourCandidates...)
	return candidates
}

func (d *Driver) escalate(in Input, reason string) kernel.RoutingOutcome {
	chosen := kernel.RoutingCandidate{
		ID:     "escalate",
		Action: kernel.RoutingEscalate,
		Reason: reason,
		Source: SourceEscalate,
	}
	d.log.Warn(context.Background(), "routing: escalating", "run_id", string(in.RunID), "step_id", string(in.StepID), "reason", reason)
	return kernel.RoutingOutcome{
		Chosen:        chosen,
		Justification: reason,
		Tier:          kernel.TierEscalateTier,
		Forensic:      in.Forensic,
		Timestamp:     stamp(),
		Iteration:     in.Iteration,
		Confidence:    kernel.ConfidenceLow,
	}
}

// SourceEscalate is the candidate source used for the synthetic candidate
// the escalate tier fabricates; it is not a spec-defined CandidateSource
// since escalation is outside the normal candidate-set invariant (there is
// nothing left to choose among).
const SourceEscalate = kernel.CandidateSource("escalate")

func stamp() time.Time { return time.Now().UTC() }

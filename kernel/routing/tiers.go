package routing

import (
	"github.com/flowkernel/orchestrator/kernel"
)

// tierFastPath implements Tier 1: the step has exactly one outgoing
// candidate with Default set, so no judgment is required at all. It is
// skipped when the envelope is BLOCKED, leaving that case to Tier 2.
func (d *Driver) tierFastPath(in Input, candidates []kernel.RoutingCandidate) (kernel.RoutingOutcome, bool) {
	if in.Envelope.Status == kernel.EnvelopeBlocked {
		return kernel.RoutingOutcome{}, false
	}
	var only *kernel.RoutingCandidate
	count := 0
	for i := range candidates {
		if candidates[i].Default {
			count++
			only = &candidates[i]
		}
	}
	if count != 1 {
		return kernel.RoutingOutcome{}, false
	}
	return d.outcome(in, *only, kernel.TierFastPath, "exactly one default candidate", kernel.ConfidenceHigh), true
}

// tierDeterministic implements Tier 2: rule-based selection from the
// envelope's own advisory recommendation and forensic verdict, still
// constrained to candidates already in the set.
func (d *Driver) tierDeterministic(in Input, candidates []kernel.RoutingCandidate) (kernel.RoutingOutcome, bool) {
	hint := in.Envelope.Routing

	if in.Envelope.Status == kernel.EnvelopeBlocked {
		if c, ok := findBySource(candidates, kernel.SourceDetourCatalog); ok {
			return d.outcome(in, c, kernel.TierDeterministic, "envelope status BLOCKED routes to a detour", kernel.ConfidenceHigh), true
		}
	}

	switch hint.Recommendation {
	case kernel.RecommendLoop:
		if node := d.graph.Node(in.StepID); node != nil && node.MaxIterations > 0 && in.Iteration.Current >= node.MaxIterations {
			break
		}
		if c, ok := findByAction(candidates, kernel.RoutingLoop); ok {
			return d.outcome(in, c, kernel.TierDeterministic, "envelope recommends LOOP and iteration budget remains", kernel.ConfidenceHigh), true
		}
	case kernel.RecommendAdvance:
		if hint.NextStepID != "" {
			if c, ok := findByTarget(candidates, hint.NextStepID); ok {
				return d.outcome(in, c, kernel.TierDeterministic, "envelope recommends ADVANCE to a valid candidate target", kernel.ConfidenceMedium), true
			}
		}
	case kernel.RecommendDetour:
		if c, ok := findBySource(candidates, kernel.SourceDetourCatalog); ok {
			return d.outcome(in, c, kernel.TierDeterministic, "envelope recommends DETOUR and a matching detour candidate exists", kernel.ConfidenceMedium), true
		}
	case kernel.RecommendEscalate:
		return kernel.RoutingOutcome{}, false // defer to escalate tier proper
	}
	return kernel.RoutingOutcome{}, false
}

func (d *Driver) outcome(in Input, chosen kernel.RoutingCandidate, tier kernel.DecisionTier, justification string, confidence kernel.Confidence) kernel.RoutingOutcome {
	out := kernel.RoutingOutcome{
		Chosen:        chosen,
		Justification: justification,
		Tier:          tier,
		Forensic:      in.Forensic,
		Timestamp:     stamp(),
		Iteration:     in.Iteration,
		Confidence:    confidence,
	}
	// DETOUR/INJECT_* decisions require a WhyNow justification (spec §4.7):
	// why this intervention is needed now rather than later or not at all.
	switch chosen.Action {
	case kernel.RoutingDetour, kernel.RoutingInjectFlow, kernel.RoutingInjectNodes:
		out.WhyNow = &kernel.WhyNow{Trigger: chosen.Reason, Explanation: justification}
	}
	return out
}

func findBySource(cs []kernel.RoutingCandidate, source kernel.CandidateSource) (kernel.RoutingCandidate, bool) {
	for _, c := range cs {
		if c.Source == source {
			return c, true
		}
	}
	return kernel.RoutingCandidate{}, false
}

func findByAction(cs []kernel.RoutingCandidate, action kernel.RoutingAction) (kernel.RoutingCandidate, bool) {
	for _, c := range cs {
		if c.Action == action {
			return c, true
		}
	}
	return kernel.RoutingCandidate{}, false
}

func findByTarget(cs []kernel.RoutingCandidate, target kernel.StepID) (kernel.RoutingCandidate, bool) {
	for _, c := range cs {
		if c.Target == target {
			return c, true
		}
	}
	return kernel.RoutingCandidate{}, false
}

func findByID(cs []kernel.RoutingCandidate, id string) (kernel.RoutingCandidate, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
	}
	return kernel.RoutingCandidate{}, false
}

// tierEnvelopeFallback implements Tier 4: when neither Tier 1/2 nor (if
// enabled) Tier 3 produced a decision, fall back to the highest-priority
// candidate in the set, biased toward the step's own advisory hint when it
// names a valid target.
func (d *Driver) tierEnvelopeFallback(in Input, candidates []kernel.RoutingCandidate) (kernel.RoutingOutcome, bool) {
	if in.Envelope.Routing.NextStepID != "" {
		if c, ok := findByTarget(candidates, in.Envelope.Routing.NextStepID); ok {
			return d.outcome(in, c, kernel.TierEnvelopeFallback, "falling back to envelope's advisory next-step hint", kernel.ConfidenceLow), true
		}
	}
	best, ok := highestPriority(candidates)
	if !ok {
		return kernel.RoutingOutcome{}, false
	}
	return d.outcome(in, best, kernel.TierEnvelopeFallback, "falling back to the highest-priority candidate", kernel.ConfidenceLow), true
}

func highestPriority(cs []kernel.RoutingCandidate) (kernel.RoutingCandidate, bool) {
	if len(cs) == 0 {
		return kernel.RoutingCandidate{}, false
	}
	best := cs[0]
	for _, c := range cs[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return best, true
}

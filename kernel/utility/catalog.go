// Package utility implements the catalog of utility-flow injections spec
// §4.7 requires the routing driver's candidate set to include ("applicable
// utility-flow injections"), alongside the sidequest catalog's recovery
// detours. Where a sidequest targets a named agent to fix something a step
// got wrong, a utility-flow entry targets a structural concern the routing
// cascade itself can detect from forensic evidence alone — most centrally,
// a reward-hacking signal the forensic comparator already raised.
//
// Shaped identically to kernel/sidequest: a predicate decides applicability,
// Applicable renders matches as bounded-use routing candidates, and the
// orchestrator resolves a chosen candidate's target back to a synthesized
// kernel.FlowNode merged into the running graph (kernel.FlowGraph.EnsureNode)
// the same way it resolves a sidequest's target.
package utility

import (
	"github.com/flowkernel/orchestrator/kernel"
)

// entry pairs a catalog definition with the predicate that decides whether
// it fires for a given PredicateContext.
type entry struct {
	def       kernel.UtilityFlow
	predicate kernel.Predicate
}

// Catalog holds the registered utility-flow injections in priority order.
type Catalog struct {
	entries []entry
}

// Default builds the catalog's built-in utility-flow injections.
//
// forced-reverify fires when the forensic comparator has already flagged a
// step's claims as reward-hacking (spec §4.5's CLAIMED_VERIFIED_WITH_FAILURES
// / CLAIMED_PASS_BUT_FAILED flags, or an outright REJECT verdict): instead of
// trusting the routing hint a step that just got caught misreporting its own
// results would supply, it forces one bounded re-verification pass before
// the cascade is allowed to advance past it.
func Default() *Catalog {
	c := &Catalog{}
	c.register(kernel.UtilityFlow{
		ID:          "forced-reverify",
		TargetAgent: "forced-reverify",
		Action:      kernel.RoutingInjectNodes,
		Priority:    97,
		MaxUsesPerRun: 1,
		Description: "forces an independent re-verification pass after the forensic comparator flagged the step's own claims as unreliable",
	}, func(ctx kernel.PredicateContext) bool {
		if ctx.Verdict.Recommendation == kernel.RecommendationReject {
			return true
		}
		return hasRewardHackFlag(ctx.Verdict, kernel.FlagClaimedVerifiedWithFailures, kernel.FlagClaimedPassButFailed)
	})
	return c
}

func (c *Catalog) register(def kernel.UtilityFlow, pred kernel.Predicate) {
	c.entries = append(c.entries, entry{def: def, predicate: pred})
}

// Applicable evaluates every registered predicate against ctx and returns
// the matching entries that have not exceeded their per-run use cap,
// rendered as routing candidates (Source: kernel.SourceDetourCatalog, the
// same source tag a sidequest detour carries — both are catalog-originated
// augmentations of the candidate set spec §4.7 describes together) ready
// for the routing driver's Input.DetourCandidates.
func (c *Catalog) Applicable(ctx kernel.PredicateContext, uses map[string]int) []kernel.RoutingCandidate {
	var out []kernel.RoutingCandidate
	for _, e := range c.entries {
		if uses[e.def.ID] >= e.def.MaxUsesPerRun {
			continue
		}
		if !e.predicate(ctx) {
			continue
		}
		out = append(out, kernel.RoutingCandidate{
			ID:       "utility:" + e.def.ID,
			Action:   e.def.Action,
			Target:   kernel.StepID("utility:" + e.def.ID),
			Reason:   e.def.Description,
			Priority: e.def.Priority,
			Source:   kernel.SourceDetourCatalog,
		})
	}
	return out
}

// Lookup returns the catalog definition for id, if registered.
func (c *Catalog) Lookup(id string) (kernel.UtilityFlow, bool) {
	for _, e := range c.entries {
		if e.def.ID == id {
			return e.def, true
		}
	}
	return kernel.UtilityFlow{}, false
}

func hasRewardHackFlag(v kernel.ForensicVerdict, flags ...kernel.RewardHackFlag) bool {
	for _, have := range v.RewardHackFlags {
		for _, want := range flags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Package sidequest implements the catalog of injectable recovery sub-flows
// (spec §4.6): each entry pairs a Sidequest definition with a trigger
// predicate, and Applicable evaluates the whole catalog against one run's
// current evidence to produce routing candidates the driver's deterministic
// tier (or the driver's escalate fallback) may choose among.
//
// The catalog never tracks usage counts itself — the caller keeps the run's
// per-sidequest use counts (the orchestrator's run loop counts each chosen
// sidequest) and passes them in, keeping Applicable a pure function.
package sidequest

import (
	"sort"
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
)

// entry pairs a catalog definition with the predicate that decides whether
// it fires for a given PredicateContext.
type entry struct {
	def       kernel.Sidequest
	predicate kernel.Predicate
}

// Catalog holds the registered sidequests in priority order.
type Catalog struct {
	entries []entry
}

// Default builds the catalog spec §4.6 requires at minimum: clarifier,
// environment-doctor, test-triage, security-audit, contract-check,
// context-refresh, lint-fix, import-fix, type-fix, fixture-fix,
// dependency-fix, conflict-fix.
//
// Each entry's TargetStep follows the "sidequest:<id>" convention: the
// orchestrator's runStep activity resolves any step id under that prefix
// straight back to the catalog entry and synthesizes a one-node sub-flow
// bound to TargetAgent, so a flow author never has to predeclare a node for
// it (kernel/orchestrator.Activities.resolveNode).
func Default() *Catalog {
	c := &Catalog{}
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestEnvironmentDoctor,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestEnvironmentDoctor)),
		TargetAgent:      "env-doctor",
		Priority:         100,
		MaxUsesPerRun:    2,
		TriggerSignature: "preflight_failure",
		Description:      "diagnoses and repairs a broken workspace, VCS, or transport before any step runs",
	}, func(ctx kernel.PredicateContext) bool {
		return len(ctx.PreflightFailures) > 0
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestTestTriage,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestTestTriage)),
		TargetAgent:      "test-triage",
		Priority:         90,
		MaxUsesPerRun:    3,
		TriggerSignature: "repeated_failure_signature",
		Description:      "investigates a test failure that has repeated across microloop iterations without progress",
	}, func(ctx kernel.PredicateContext) bool {
		return containsStall(ctx.Stall, kernel.StallSameTestFailures)
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestConflictFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestConflictFix)),
		TargetAgent:      "conflict-fix",
		Priority:         85,
		MaxUsesPerRun:    2,
		TriggerSignature: "merge_conflict_markers",
		Description:      "resolves leftover merge-conflict markers found in the working tree",
	}, func(ctx kernel.PredicateContext) bool {
		return anyFailureMessageContains(ctx.Forensic, "<<<<<<<", "merge conflict") ||
			strings.Contains(strings.ToLower(ctx.Forensic.Diff.ScanError), "conflict")
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestImportFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestImportFix)),
		TargetAgent:      "import-fix",
		Priority:         80,
		MaxUsesPerRun:    3,
		TriggerSignature: "import_error",
		Description:      "repairs broken or missing imports surfaced by a setup-class test failure",
	}, func(ctx kernel.PredicateContext) bool {
		return anyFailureClassContains(ctx.Forensic, kernel.FailureSetup, "import", "cannot find package", "undefined:")
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestTypeFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestTypeFix)),
		TargetAgent:      "type-fix",
		Priority:         80,
		MaxUsesPerRun:    3,
		TriggerSignature: "type_error",
		Description:      "repairs a type mismatch surfaced by a compile-class test failure",
	}, func(ctx kernel.PredicateContext) bool {
		return anyFailureClassContains(ctx.Forensic, kernel.FailureSetup, "type", "cannot use", "mismatched types")
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestFixtureFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestFixtureFix)),
		TargetAgent:      "fixture-fix",
		Priority:         75,
		MaxUsesPerRun:    3,
		TriggerSignature: "fixture_error",
		Description:      "repairs a broken test fixture or golden file surfaced by repeated assertion failures",
	}, func(ctx kernel.PredicateContext) bool {
		return anyFailureClassContains(ctx.Forensic, kernel.FailureAssertion, "fixture", "golden", "testdata")
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestDependencyFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestDependencyFix)),
		TargetAgent:      "dependency-fix",
		Priority:         75,
		MaxUsesPerRun:    2,
		TriggerSignature: "dependency_error",
		Description:      "repairs a missing or mismatched module dependency surfaced by a setup-class failure",
	}, func(ctx kernel.PredicateContext) bool {
		return anyFailureClassContains(ctx.Forensic, kernel.FailureSetup, "module", "go.sum", "go.mod", "no required module")
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestLintFix,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestLintFix)),
		TargetAgent:      "lint-fix",
		Priority:         60,
		MaxUsesPerRun:    3,
		TriggerSignature: "lint_findings",
		Description:      "cleans up lint findings that would otherwise block verification",
	}, func(ctx kernel.PredicateContext) bool {
		return ctx.Forensic.LintCount > 0
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestSecurityAudit,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestSecurityAudit)),
		TargetAgent:      "security-audit",
		Priority:         95,
		MaxUsesPerRun:    2,
		TriggerSignature: "security_findings",
		Description:      "investigates security scanner findings before the change can be verified",
	}, func(ctx kernel.PredicateContext) bool {
		return ctx.Forensic.SecurityCount > 0
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestContractCheck,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestContractCheck)),
		TargetAgent:      "contract-check",
		Priority:         85,
		MaxUsesPerRun:    2,
		TriggerSignature: "high_severity_concern",
		Description:      "re-verifies a high-severity concern against the envelope's claimed interface or contract",
	}, func(ctx kernel.PredicateContext) bool {
		return anyConcernSeverity(ctx.Envelope, kernel.SeverityHigh)
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestContextRefresh,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestContextRefresh)),
		TargetAgent:      "context-refresh",
		Priority:         50,
		MaxUsesPerRun:    2,
		TriggerSignature: "stale_context",
		Description:      "re-hydrates step context after a long-running microloop may have drifted from the current workspace state",
	}, func(ctx kernel.PredicateContext) bool {
		return containsStall(ctx.Stall, kernel.StallHighChurnLowProgress)
	})
	c.register(kernel.Sidequest{
		ID:               kernel.SidequestClarifier,
		TargetStep:       kernel.StepID("sidequest:" + string(kernel.SidequestClarifier)),
		TargetAgent:      "clarifier",
		Priority:         40,
		MaxUsesPerRun:    3,
		TriggerSignature: "unresolved_assumption",
		Description:      "asks a clarifying question when the envelope reports assumptions whose impact if wrong is not acceptable to proceed on",
	}, func(ctx kernel.PredicateContext) bool {
		return ctx.Envelope.Status == kernel.EnvelopeBlocked && len(ctx.Envelope.Assumptions) > 0
	})
	return c
}

func (c *Catalog) register(def kernel.Sidequest, pred kernel.Predicate) {
	c.entries = append(c.entries, entry{def: def, predicate: pred})
	sort.SliceStable(c.entries, func(i, j int) bool { return c.entries[i].def.Priority > c.entries[j].def.Priority })
}

// Applicable evaluates every registered predicate against ctx and returns
// the matching sidequests that have not exceeded their per-run use cap,
// rendered as routing candidates (Source: kernel.SourceDetourCatalog) ready
// for the routing driver's Input.DetourCandidates.
func (c *Catalog) Applicable(ctx kernel.PredicateContext, uses map[kernel.SidequestID]int) []kernel.RoutingCandidate {
	var out []kernel.RoutingCandidate
	for _, e := range c.entries {
		if uses[e.def.ID] >= e.def.MaxUsesPerRun {
			continue
		}
		if !e.predicate(ctx) {
			continue
		}
		out = append(out, kernel.RoutingCandidate{
			ID:       "sidequest:" + string(e.def.ID),
			Action:   kernel.RoutingDetour,
			Target:   e.def.TargetStep,
			Reason:   e.def.Description,
			Priority: e.def.Priority,
			Source:   kernel.SourceDetourCatalog,
		})
	}
	return out
}

// Lookup returns the catalog definition for id, if registered.
func (c *Catalog) Lookup(id kernel.SidequestID) (kernel.Sidequest, bool) {
	for _, e := range c.entries {
		if e.def.ID == id {
			return e.def, true
		}
	}
	return kernel.Sidequest{}, false
}

func containsStall(analysis kernel.StallAnalysis, kind kernel.StallKind) bool {
	for _, f := range analysis.Flags {
		if f == kind {
			return true
		}
	}
	return false
}

func anyFailureClassContains(f kernel.ForensicSummary, class kernel.FailureClass, needles ...string) bool {
	for _, failure := range f.Tests.Failures {
		if failure.Classification != class {
			continue
		}
		msg := strings.ToLower(failure.Message)
		for _, n := range needles {
			if strings.Contains(msg, strings.ToLower(n)) {
				return true
			}
		}
	}
	return false
}

func anyConcernSeverity(e kernel.HandoffEnvelope, sev kernel.Severity) bool {
	for _, c := range e.Concerns {
		if c.Severity == sev {
			return true
		}
	}
	return false
}

func anyFailureMessageContains(f kernel.ForensicSummary, needles ...string) bool {
	for _, failure := range f.Tests.Failures {
		msg := strings.ToLower(failure.Message)
		for _, n := range needles {
			if strings.Contains(msg, strings.ToLower(n)) {
				return true
			}
		}
	}
	return false
}

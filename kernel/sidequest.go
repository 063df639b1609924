package kernel

// SidequestID identifies one entry in the sidequest catalog (spec §4.6).
type SidequestID string

const (
	SidequestClarifier        SidequestID = "clarifier"
	SidequestEnvironmentDoctor SidequestID = "environment-doctor"
	SidequestTestTriage       SidequestID = "test-triage"
	SidequestSecurityAudit    SidequestID = "security-audit"
	SidequestContractCheck    SidequestID = "contract-check"
	SidequestContextRefresh   SidequestID = "context-refresh"
	SidequestLintFix          SidequestID = "lint-fix"
	SidequestImportFix        SidequestID = "import-fix"
	SidequestTypeFix          SidequestID = "type-fix"
	SidequestFixtureFix       SidequestID = "fixture-fix"
	SidequestDependencyFix    SidequestID = "dependency-fix"
	SidequestConflictFix      SidequestID = "conflict-fix"
)

type (
	// Sidequest is one catalog entry: a small recovery sub-flow with a
	// trigger predicate and a per-run use cap (spec §4.6).
	Sidequest struct {
		ID          SidequestID
		TargetAgent AgentKey
		TargetStep  StepID
		Priority    int
		MaxUsesPerRun int
		TriggerSignature string
		Description string
	}

	// UtilityFlow is one catalog entry in kernel/utility: a structural
	// injection the routing cascade itself triggers from forensic evidence
	// (spec §4.7: "applicable utility-flow injections"), rather than a named
	// agent recovering from a problem a step reported. Its Action is always
	// RoutingInjectFlow or RoutingInjectNodes.
	UtilityFlow struct {
		ID          string
		TargetAgent AgentKey
		Action      RoutingAction
		Priority    int
		MaxUsesPerRun int
		Description string
	}

	// PredicateContext is everything a sidequest's trigger predicate may
	// consult (spec §4.6: "predicate over (envelope, forensics, run
	// context)").
	PredicateContext struct {
		Envelope HandoffEnvelope
		Forensic ForensicSummary
		Verdict  ForensicVerdict
		Stall    StallAnalysis

		RunID  RunID
		StepID StepID

		// PreflightFailures is non-empty only at run start, before any step
		// has executed (spec §4.6: preflight failure injects env-doctor).
		PreflightFailures []string
	}

	// Predicate decides whether a Sidequest applies given ctx.
	Predicate func(ctx PredicateContext) bool
)

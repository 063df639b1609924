package kernel

import "time"

// EnvelopeStatus is the closed enum of HandoffEnvelope outcomes.
type EnvelopeStatus string

const (
	EnvelopeVerified   EnvelopeStatus = "VERIFIED"
	EnvelopeUnverified EnvelopeStatus = "UNVERIFIED"
	EnvelopeBlocked    EnvelopeStatus = "BLOCKED"
)

// Severity is the closed enum of concern severities.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// RoutingRecommendation is the closed enum of what a step's finalize phase
// may recommend to the routing driver. The driver treats these as advisory
// except where Tier 1/Tier 4 explicitly consult them (spec §4.7).
type RoutingRecommendation string

const (
	RecommendAdvance  RoutingRecommendation = "ADVANCE"
	RecommendLoop     RoutingRecommendation = "LOOP"
	RecommendDetour   RoutingRecommendation = "DETOUR"
	RecommendEscalate RoutingRecommendation = "ESCALATE"
)

type (
	// HandoffEnvelope is the structured output of one step: the canonical
	// artifact the kernel trusts over an agent's free-form prose (spec §1,
	// §3). Exactly one envelope exists per completed step; it is written via
	// temp-file-rename and never mutated (spec §4.1).
	HandoffEnvelope struct {
		SchemaVersion string `json:"schema_version"`

		Meta EnvelopeMeta `json:"meta"`

		Status EnvelopeStatus `json:"status"`

		Summary string `json:"summary"`

		Concerns []Concern `json:"concerns,omitempty"`

		Assumptions []Assumption `json:"assumptions,omitempty"`

		Evidence []EvidencePointer `json:"evidence,omitempty"`

		FileChanges FileChangeSnapshot `json:"file_changes"`

		// Routing is the step's own (advisory) routing recommendation. The
		// routing driver's Tier 1 and Tier 4 may act on Routing.NextStepID;
		// all other tiers treat this purely as input evidence.
		Routing RoutingHint `json:"routing"`

		// CanFurtherIterationHelp is the microloop exit hint (spec §3): when
		// false, a microloop-edge step should exit the loop even if Status
		// is not yet VERIFIED.
		CanFurtherIterationHelp bool `json:"can_further_iteration_help"`
	}

	// EnvelopeMeta identifies the step, flow, run, and agent that produced an
	// envelope, plus the timestamps bracketing its execution.
	EnvelopeMeta struct {
		StepID    StepID   `json:"step_id"`
		Flow      FlowKey  `json:"flow_key"`
		RunID     RunID    `json:"run_id"`
		AgentKey  AgentKey `json:"agent_key"`
		StartedAt time.Time `json:"started_at"`
		EndedAt   time.Time `json:"ended_at"`
	}

	// Concern is one item in an envelope's ordered concerns list.
	Concern struct {
		Severity       Severity `json:"severity"`
		Description    string   `json:"description"`
		Location       string   `json:"location,omitempty"`
		Recommendation string   `json:"recommendation,omitempty"`
	}

	// Assumption is one explicit assumption a step's agent made while
	// executing, carried forward so later steps (or human reviewers) do not
	// silently inherit unstated premises.
	Assumption struct {
		Assumption    string `json:"assumption"`
		Why           string `json:"why,omitempty"`
		ImpactIfWrong string `json:"impact_if_wrong,omitempty"`
	}

	// EvidencePointer references an artifact and the kind of measurement it
	// supports (e.g. "test_output", "coverage_report", "diff").
	EvidencePointer struct {
		ArtifactPath    string `json:"artifact_path"`
		MeasurementKind string `json:"measurement_kind"`
	}

	// FileChangeSnapshot is the step's own claim about what it changed. The
	// forensic comparator (spec §4.5) checks this against DiffScanner output
	// and attaches a file_changes_mismatch concern on disagreement.
	FileChangeSnapshot struct {
		Files  []FileChangeClaim `json:"files"`
		Totals FileChangeTotals  `json:"totals"`
	}

	// FileChangeClaim is one file the step's agent claims to have touched.
	FileChangeClaim struct {
		Path       string `json:"path"`
		ChangeKind string `json:"change_kind"` // added | modified | deleted | renamed
	}

	// FileChangeTotals aggregates claimed insertions/deletions across a step.
	FileChangeTotals struct {
		Insertions int `json:"insertions"`
		Deletions  int `json:"deletions"`
	}

	// RoutingHint is the step's advisory recommendation to the routing
	// driver, captured in the envelope's "routing" block (spec §6).
	RoutingHint struct {
		Recommendation RoutingRecommendation `json:"recommendation"`
		Reason         string                `json:"reason,omitempty"`
		NextStepID     StepID                `json:"next_step_suggestion,omitempty"`
	}
)

// EnvelopeCanonicalPath returns the path an envelope for (flow, stepID) is persisted
// at, relative to a run directory (spec §6: "<flow_key>/handoffs/<step_id>.json").
func EnvelopeCanonicalPath(flow FlowKey, stepID StepID) string {
	return string(flow) + "/handoffs/" + string(stepID) + ".json"
}

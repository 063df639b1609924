package kernel

import "time"

// RoutingAction is the closed enum of actions a RoutingCandidate (and the
// RoutingOutcome chosen from a candidate set) may take (spec §3).
type RoutingAction string

const (
	RoutingAdvance     RoutingAction = "advance"
	RoutingLoop        RoutingAction = "loop"
	RoutingDetour      RoutingAction = "detour"
	RoutingInjectFlow  RoutingAction = "inject_flow"
	RoutingInjectNodes RoutingAction = "inject_nodes"
	RoutingTerminate   RoutingAction = "terminate"
	RoutingEscalate    RoutingAction = "escalate"
)

// CandidateSource identifies which part of the routing driver produced a
// RoutingCandidate, carried through to RoutingOutcome for audit (spec §3,
// §6).
type CandidateSource string

const (
	SourceGraphEdge      CandidateSource = "graph_edge"
	SourceFastPath       CandidateSource = "fast_path"
	SourceDeterministic  CandidateSource = "deterministic"
	SourceNavigator      CandidateSource = "navigator"
	SourceDetourCatalog  CandidateSource = "detour_catalog"
	SourceEnvelopeFallback CandidateSource = "envelope_fallback"
)

// DecisionTier identifies which of the five cascade tiers produced a
// RoutingOutcome (spec §4.7, §6: "decision provenance").
type DecisionTier string

const (
	TierFastPath        DecisionTier = "fast_path"
	TierDeterministic   DecisionTier = "deterministic"
	TierNavigator       DecisionTier = "navigator"
	TierEnvelopeFallback DecisionTier = "envelope_fallback"
	TierEscalateTier    DecisionTier = "escalate"
)

// Confidence is the closed enum recorded alongside a routing-decision log
// entry (spec §6).
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

type (
	// RoutingCandidate is one possible next-step choice presented to (or
	// produced by) a tier of the routing driver (spec §3).
	RoutingCandidate struct {
		ID       string
		Action   RoutingAction
		Target   StepID
		Reason   string
		Priority int
		Source   CandidateSource
		Evidence []EvidencePointer
		Default  bool
	}

	// WhyNow justifies a DETOUR or INJECT_* decision: why this intervention
	// is needed at this point in the run, rather than later or not at all
	// (spec §4.7).
	WhyNow struct {
		Trigger     string
		Explanation string
	}

	// SkipJustification accompanies a decision that skips the graph's
	// natural next step.
	SkipJustification struct {
		SkippedStep StepID
		Reason      string
	}

	// RoutingOutcome is the validated, chosen decision for one routing step
	// (spec §3). The kernel's strongest safety invariant (spec §4.7, §8) is
	// that Chosen is always a member of the candidate set the tier that
	// produced it was given.
	RoutingOutcome struct {
		Chosen        RoutingCandidate
		Justification string
		Tier          DecisionTier
		Forensic      ForensicSummary
		Timestamp     time.Time

		WhyNow             *WhyNow
		SkipJustification  *SkipJustification

		Iteration    IterationInfo
		Signature    string
		Confidence   Confidence
	}

	// IterationInfo tracks microloop bookkeeping carried on a RoutingOutcome
	// for audit (spec §6: "iteration {current, max}").
	IterationInfo struct {
		Current int
		Max     int
	}

	// RoutingDecisionLogEntry is one line of <flow>/routing/decisions.jsonl
	// (spec §6). It is derived from a RoutingOutcome plus the step that
	// produced it.
	RoutingDecisionLogEntry struct {
		Timestamp        time.Time       `json:"ts"`
		RunID            RunID           `json:"run_id"`
		Flow             FlowKey         `json:"flow_key"`
		StepID           StepID          `json:"step_id"`
		Decision         RoutingAction   `json:"decision"`
		Target           StepID          `json:"target,omitempty"`
		Reason           string          `json:"reason"`
		ForensicDigest   string          `json:"forensic_digest"`
		Iteration        IterationInfo   `json:"iteration"`
		SignatureMatched string          `json:"signature_matched,omitempty"`
		Confidence       Confidence      `json:"confidence"`
		Source           CandidateSource `json:"source"`
	}
)

// NewRoutingDecisionLogEntry builds the audit log entry for outcome produced while routing
// stepID in flow/run (spec §6 schema).
func NewRoutingDecisionLogEntry(runID RunID, flow FlowKey, stepID StepID, outcome RoutingOutcome) RoutingDecisionLogEntry {
	return RoutingDecisionLogEntry{
		Timestamp:        outcome.Timestamp,
		RunID:            runID,
		Flow:             flow,
		StepID:           stepID,
		Decision:         outcome.Chosen.Action,
		Target:           outcome.Chosen.Target,
		Reason:           outcome.Justification,
		ForensicDigest:   outcome.Forensic.Digest(),
		Iteration:        outcome.Iteration,
		SignatureMatched: outcome.Signature,
		Confidence:       outcome.Confidence,
		Source:           outcome.Chosen.Source,
	}
}

// Mode selects how permissively the routing driver may use Tier 3 (spec
// §4.7).
type Mode string

const (
	// ModeDeterministicOnly skips Tier 3 entirely.
	ModeDeterministicOnly Mode = "DETERMINISTIC_ONLY"
	// ModeAssist uses Tier 3 only when Tiers 1-2 yield nothing.
	ModeAssist Mode = "ASSIST"
	// ModeAuthoritative lets Tier 3 override Tier 2 recommendations, still
	// bounded by the candidate set.
	ModeAuthoritative Mode = "AUTHORITATIVE"
)

package kernel

// ScentTrail carries decision provenance across steps so later steps do not
// re-litigate settled choices (spec §3). It is bounded in size; steps that
// record architecturally significant choices append to it, and Append
// truncates from the oldest entries when the bound is exceeded.
type ScentTrail struct {
	Decisions []ScentDecision

	AssumptionsInEffect []string
	OpenQuestions       []string
}

// ScentDecision is one recorded decision breadcrumb.
type ScentDecision struct {
	StepID             StepID
	Decision           string
	Rationale          string
	AlternativesRejected []string
	Confidence         float64
}

// MaxScentDecisions bounds ScentTrail.Decisions; Append drops the oldest
// entry once the bound is reached rather than growing unboundedly across a
// long-running flow.
const MaxScentDecisions = 50

// Append records a new decision, truncating the oldest entry if the trail is
// at capacity.
func (t *ScentTrail) Append(d ScentDecision) {
	t.Decisions = append(t.Decisions, d)
	if len(t.Decisions) > MaxScentDecisions {
		t.Decisions = t.Decisions[len(t.Decisions)-MaxScentDecisions:]
	}
}

package kernel

// BudgetTier is the closed enum of ContextPack priority tiers (spec §3).
// CRITICAL items are never dropped; LOW items are truncated first when the
// step engine's context hydration must fit a backend's context window.
type BudgetTier int

const (
	BudgetCritical BudgetTier = iota
	BudgetHigh
	BudgetMedium
	BudgetLow
)

func (t BudgetTier) String() string {
	switch t {
	case BudgetCritical:
		return "CRITICAL"
	case BudgetHigh:
		return "HIGH"
	case BudgetMedium:
		return "MEDIUM"
	case BudgetLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

type (
	// ContextPack is the curated input given to one step (spec §3). The step
	// engine's context hydration phase assembles one per step, dropping LOW
	// items first and never dropping CRITICAL items, recording what it
	// dropped.
	ContextPack struct {
		// TeachingNotes is required: the flow-specific guidance for this
		// step. Always CRITICAL tier.
		TeachingNotes string

		// PreviousEnvelope is the prior step's envelope, when the current
		// step consumes one (e.g. a critic consuming an author's output).
		PreviousEnvelope *HandoffEnvelope

		// Artifacts references artifacts lazily: the content is fetched only
		// if the step's prompt actually needs it, to avoid paying hydration
		// cost for unused context.
		Artifacts []ArtifactRef

		ScentTrail ScentTrail

		// Items is the full budget-tiered item list considered during
		// hydration; Dropped records which ones were removed to fit the
		// backend's window.
		Items   []ContextItem
		Dropped []ContextItem
	}

	// ContextItem is one candidate piece of context material, tagged with
	// its budget tier.
	ContextItem struct {
		Label string
		Tier  BudgetTier
		Text  string
	}

	// ArtifactRef is a lazy pointer to an agent-produced artifact (spec §3).
	ArtifactRef struct {
		Path string
		Kind string
	}
)

// Hydrate assembles the final prompt-ready text from items, dropping LOW
// tier first, then MEDIUM, then HIGH, until the result fits maxChars.
// CRITICAL items are never dropped, even if the result then exceeds
// maxChars — spec §4.8 requires the engine to "never drop CRITICAL; truncate
// LOW first" and to record what was dropped, not to silently violate the
// budget by dropping required material.
func Hydrate(items []ContextItem, maxChars int) (kept []ContextItem, dropped []ContextItem) {
	kept = append([]ContextItem(nil), items...)
	size := func(xs []ContextItem) int {
		n := 0
		for _, x := range xs {
			n += len(x.Text)
		}
		return n
	}
	total := size(kept)
	for _, tier := range []BudgetTier{BudgetLow, BudgetMedium, BudgetHigh} {
		if total <= maxChars {
			break
		}
		remaining := kept[:0:0]
		for _, item := range kept {
			if item.Tier == tier && total > maxChars {
				dropped = append(dropped, item)
				total -= len(item.Text)
				continue
			}
			remaining = append(remaining, item)
		}
		kept = remaining
	}
	return kept, dropped
}

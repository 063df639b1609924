package routing

import (
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
)

// alignmentFilter drops detour-catalog candidates (Source ==
// kernel.SourceDetourCatalog: sidequests and utilities) whose Reason reads
// as unrelated to the flow's charter before the cascade ever sees them. It
// is deliberately conservative: a catalog candidate with an empty Reason is
// kept, and graph edges and the terminal candidate always stay eligible
// regardless of charter text.
//
// This is a cheap keyword-overlap heuristic, not a judgment call — a true
// goal-alignment judgment belongs to the Navigator tier, which sees the full
// charter and the candidate's reasoning. The filter exists to keep the
// sidequest catalog from offering an obviously off-charter detour to every
// tier, including the deterministic ones that never get to reason about it.
func alignmentFilter(charter string, candidates []kernel.RoutingCandidate) []kernel.RoutingCandidate {
	if charter == "" {
		return candidates
	}
	keywords := keywordSet(charter)
	if len(keywords) == 0 {
		return candidates
	}

	out := make([]kernel.RoutingCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Source != kernel.SourceDetourCatalog {
			out = append(out, c)
			continue
		}
		if candidateAligned(c, keywords) {
			out = append(out, c)
		}
	}
	return out
}

func candidateAligned(c kernel.RoutingCandidate, charterWords map[string]bool) bool {
	text := strings.ToLower(c.Reason)
	if text == "" {
		return true // nothing to disqualify it on
	}
	for _, w := range strings.Fields(text) {
		if charterWords[w] {
			return true
		}
	}
	// A detour candidate naming none of the charter's own vocabulary is not
	// necessarily wrong, but a total vocabulary miss on an otherwise terse
	// reason string is the cheap signal available without an LLM call.
	return len(strings.Fields(text)) > 6
}

func keywordSet(charter string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(charter)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 4 || stopword[w] {
			continue
		}
		out[w] = true
	}
	return out
}

var stopword = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "into": true,
	"will": true, "have": true, "been": true, "then": true, "than": true,
	"must": true, "should": true, "which": true, "when": true, "while": true,
}

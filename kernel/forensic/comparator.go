package forensic

import (
	"fmt"

	"github.com/flowkernel/orchestrator/kernel"
)

// Comparator implements spec §4.5's ForensicComparator: it rules on whether
// a step's claimed envelope matches what DiffScanner and TestParser actually
// measured, applying the decision rule "any critical discrepancy forces
// REJECT; any reward-hacking flag caps the verdict at VERIFY; otherwise
// TRUST."
type Comparator struct{}

// NewComparator builds a Comparator.
func NewComparator() *Comparator { return &Comparator{} }

// Compare rules on envelope given the measured summary and, when available,
// the previous iteration's summary for progress comparison.
func (c *Comparator) Compare(envelope kernel.HandoffEnvelope, summary kernel.ForensicSummary, previous *kernel.ForensicSummary) kernel.ForensicVerdict {
	var discrepancies []string
	var flags []kernel.RewardHackFlag
	critical := false

	claimsTestsPassed := envelopeClaimsTestsPassed(envelope)
	if claimsTestsPassed && summary.Tests.Failed > 0 {
		discrepancies = append(discrepancies, fmt.Sprintf("envelope claims tests passed but %d test(s) failed", summary.Tests.Failed))
		flags = append(flags, kernel.FlagClaimedPassButFailed)
		critical = true
	}

	if envelope.Status == kernel.EnvelopeVerified && summary.Tests.Failed > 0 {
		discrepancies = append(discrepancies, "envelope status VERIFIED but measured test failures exist")
		flags = append(flags, kernel.FlagClaimedVerifiedWithFailures)
		critical = true
	}

	if claimsFileChanges(envelope) && len(summary.Diff.Files) == 0 && len(summary.Diff.Untracked) == 0 {
		discrepancies = append(discrepancies, "envelope claims progress but no file changes were measured")
		flags = append(flags, kernel.FlagClaimedProgressNoDiff)
	}

	if mismatch, detail := fileChangesMismatch(envelope, summary); mismatch {
		discrepancies = append(discrepancies, detail)
		flags = append(flags, kernel.FlagFileChangesMismatch)
	}

	if previous != nil {
		if summary.Tests.Passed+summary.Tests.Failed < previous.Tests.Passed+previous.Tests.Failed {
			discrepancies = append(discrepancies, "total test count decreased since the previous iteration")
			flags = append(flags, kernel.FlagTestCountDecreased)
		}
		if coverageDropped(previous.CoveragePercent, summary.CoveragePercent) {
			discrepancies = append(discrepancies, "coverage percentage dropped since the previous iteration")
			flags = append(flags, kernel.FlagCoverageDropped)
		}
		if testsDeleted(previous.Tests, summary.Tests) {
			discrepancies = append(discrepancies, "one or more previously-present tests are no longer present")
			flags = append(flags, kernel.FlagTestsDeleted)
		}
	}

	if summary.Diff.ScanError != "" {
		discrepancies = append(discrepancies, "diff scan could not complete: "+summary.Diff.ScanError)
	}

	if len(highConfidenceUnverifiedClaims(envelope)) > 0 {
		discrepancies = append(discrepancies, "one or more high-confidence claims lack supporting evidence pointers")
		flags = append(flags, kernel.FlagUnverifiedClaimsHighConfidence)
	}

	verdict := kernel.ForensicVerdict{
		ClaimVerified:   len(discrepancies) == 0,
		Discrepancies:   discrepancies,
		RewardHackFlags: dedupFlags(flags),
	}

	switch {
	case critical:
		verdict.Recommendation = kernel.RecommendationReject
		verdict.Confidence = 0.95
	case len(verdict.RewardHackFlags) > 0:
		verdict.Recommendation = kernel.RecommendationVerify
		verdict.Confidence = 0.6
	default:
		verdict.Recommendation = kernel.RecommendationTrust
		verdict.Confidence = 0.9
	}
	verdict.Summary = summarizeVerdict(verdict)
	verdict.EvidenceHashes = []string{summary.Digest()}
	return verdict
}

func envelopeClaimsTestsPassed(e kernel.HandoffEnvelope) bool {
	return e.Status == kernel.EnvelopeVerified
}

func claimsFileChanges(e kernel.HandoffEnvelope) bool {
	return len(e.FileChanges.Files) > 0
}

func fileChangesMismatch(e kernel.HandoffEnvelope, s kernel.ForensicSummary) (bool, string) {
	claimed := make(map[string]bool, len(e.FileChanges.Files))
	for _, c := range e.FileChanges.Files {
		claimed[c.Path] = true
	}
	measured := make(map[string]bool, len(s.Diff.Files))
	for _, f := range s.Diff.Files {
		measured[f.Path] = true
	}
	for path := range claimed {
		if !measured[path] {
			return true, fmt.Sprintf("envelope claims a change to %q that was not measured in the diff", path)
		}
	}
	return false, ""
}

func coverageDropped(prev, curr *float64) bool {
	if prev == nil || curr == nil {
		return false
	}
	return *curr < *prev-0.01
}

// testsDeleted reports a coarse signal: the previous iteration had tests and
// this one reports none at all, which a legitimate fix never does (tests
// only disappear across iterations when removed from the suite).
func testsDeleted(prev, curr kernel.TestParseResult) bool {
	return prev.Passed+prev.Failed+prev.Skipped > 0 && curr.Passed+curr.Failed+curr.Skipped == 0
}

// highConfidenceUnverifiedClaims returns HIGH-severity concerns raised when
// the envelope carries no supporting evidence pointers at all: a high
// severity claim with nothing measurable behind it anywhere in the envelope.
func highConfidenceUnverifiedClaims(e kernel.HandoffEnvelope) []kernel.Concern {
	if len(e.Evidence) > 0 {
		return nil
	}
	var out []kernel.Concern
	for _, c := range e.Concerns {
		if c.Severity == kernel.SeverityHigh {
			out = append(out, c)
		}
	}
	return out
}

func dedupFlags(flags []kernel.RewardHackFlag) []kernel.RewardHackFlag {
	seen := make(map[kernel.RewardHackFlag]bool, len(flags))
	out := make([]kernel.RewardHackFlag, 0, len(flags))
	for _, f := range flags {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func summarizeVerdict(v kernel.ForensicVerdict) string {
	if len(v.Discrepancies) == 0 {
		return "measured evidence matches the envelope's claims"
	}
	return fmt.Sprintf("%d discrepanc(y/ies) found: %v", len(v.Discrepancies), v.Discrepancies)
}

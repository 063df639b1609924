package forensic

import "github.com/flowkernel/orchestrator/kernel"

// Delta computes the ProgressDelta between two consecutive ForensicSummary
// measurements of the same microloop.
func Delta(prev, curr kernel.ForensicSummary) kernel.ProgressDelta {
	d := kernel.ProgressDelta{
		LinesAdded:    curr.Diff.Insertions - prev.Diff.Insertions,
		LinesRemoved:  curr.Diff.Deletions - prev.Diff.Deletions,
		TestPassDelta: curr.Tests.Passed - prev.Tests.Passed,
		TestFailDelta: curr.Tests.Failed - prev.Tests.Failed,
	}
	prevPaths := make(map[string]bool, len(prev.Diff.Files))
	for _, f := range prev.Diff.Files {
		prevPaths[f.Path] = true
	}
	for _, f := range curr.Diff.Files {
		if !prevPaths[f.Path] {
			d.FilesAdded++
		} else {
			d.FilesModified++
		}
	}
	if prev.CoveragePercent != nil && curr.CoveragePercent != nil {
		d.CoverageDelta = *curr.CoveragePercent - *prev.CoveragePercent
	}
	return d
}

// AnalyzeStall examines a window of consecutive iteration summaries (oldest
// first) for the no-progress patterns spec §4.9's stall fuse consumes. At
// least two summaries are required to detect any stall kind; fewer returns
// no flags.
func AnalyzeStall(window []kernel.ForensicSummary) kernel.StallAnalysis {
	var analysis kernel.StallAnalysis
	if len(window) < 2 {
		return analysis
	}

	if noFileChangesAcross(window) {
		analysis.Flags = append(analysis.Flags, kernel.StallNoFileChanges)
	}
	if sameFailureSignaturesAcross(window) {
		analysis.Flags = append(analysis.Flags, kernel.StallSameTestFailures)
	}
	if zeroProgressAcross(window) {
		analysis.Flags = append(analysis.Flags, kernel.StallZeroProgress)
	}
	if highChurnLowProgress(window) {
		analysis.Flags = append(analysis.Flags, kernel.StallHighChurnLowProgress)
	}
	return analysis
}

func noFileChangesAcross(window []kernel.ForensicSummary) bool {
	for i := 1; i < len(window); i++ {
		d := Delta(window[i-1], window[i])
		if d.FilesAdded != 0 || d.FilesModified != 0 {
			return false
		}
	}
	return true
}

func sameFailureSignaturesAcross(window []kernel.ForensicSummary) bool {
	first := signatureSet(window[0])
	if len(first) == 0 {
		return false
	}
	for i := 1; i < len(window); i++ {
		if !setsEqual(first, signatureSet(window[i])) {
			return false
		}
	}
	return true
}

func signatureSet(s kernel.ForensicSummary) map[string]bool {
	out := make(map[string]bool, len(s.Tests.Failures))
	for _, f := range s.Tests.Failures {
		out[f.ErrorSignature] = true
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func zeroProgressAcross(window []kernel.ForensicSummary) bool {
	for i := 1; i < len(window); i++ {
		d := Delta(window[i-1], window[i])
		if d.LinesAdded != 0 || d.LinesRemoved != 0 || d.TestPassDelta != 0 || d.TestFailDelta != 0 {
			return false
		}
	}
	return true
}

// highChurnLowProgress flags heavy line churn with no corresponding test
// pass improvement: a common reward-hacking pattern where an agent rewrites
// large sections repeatedly without making the failing tests pass.
func highChurnLowProgress(window []kernel.ForensicSummary) bool {
	const highChurnThreshold = 200
	totalChurn := 0
	totalPassDelta := 0
	for i := 1; i < len(window); i++ {
		d := Delta(window[i-1], window[i])
		totalChurn += abs(d.LinesAdded) + abs(d.LinesRemoved)
		totalPassDelta += d.TestPassDelta
	}
	return totalChurn >= highChurnThreshold && totalPassDelta <= 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

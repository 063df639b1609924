package sidequest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
)

func TestApplicable_PreflightFailureTriggersEnvironmentDoctor(t *testing.T) {
	c := Default()
	ctx := kernel.PredicateContext{PreflightFailures: []string{"workspace not writable"}}

	candidates := c.Applicable(ctx, nil)

	require.NotEmpty(t, candidates)
	ids := candidateIDs(candidates)
	assert.Contains(t, ids, "sidequest:"+string(kernel.SidequestEnvironmentDoctor))
}

func TestApplicable_RespectsMaxUsesPerRun(t *testing.T) {
	c := Default()
	ctx := kernel.PredicateContext{PreflightFailures: []string{"vcs unavailable"}}
	def, ok := c.Lookup(kernel.SidequestEnvironmentDoctor)
	require.True(t, ok)

	uses := map[kernel.SidequestID]int{kernel.SidequestEnvironmentDoctor: def.MaxUsesPerRun}
	candidates := c.Applicable(ctx, uses)

	assert.NotContains(t, candidateIDs(candidates), "sidequest:"+string(kernel.SidequestEnvironmentDoctor))
}

func TestApplicable_RepeatedFailureSignatureTriggersTestTriage(t *testing.T) {
	c := Default()
	ctx := kernel.PredicateContext{
		Stall: kernel.StallAnalysis{Flags: []kernel.StallKind{kernel.StallSameTestFailures}},
	}

	candidates := c.Applicable(ctx, nil)

	assert.Contains(t, candidateIDs(candidates), "sidequest:"+string(kernel.SidequestTestTriage))
}

func TestApplicable_NoTriggersYieldsNoCandidates(t *testing.T) {
	c := Default()
	candidates := c.Applicable(kernel.PredicateContext{}, nil)
	assert.Empty(t, candidates)
}

func TestApplicable_ImportErrorTriggersImportFix(t *testing.T) {
	c := Default()
	ctx := kernel.PredicateContext{
		Forensic: kernel.ForensicSummary{
			Tests: kernel.TestParseResult{
				Failures: []kernel.TestFailure{
					{Classification: kernel.FailureSetup, Message: "cannot find package \"example.com/foo\""},
				},
			},
		},
	}

	candidates := c.Applicable(ctx, nil)

	assert.Contains(t, candidateIDs(candidates), "sidequest:"+string(kernel.SidequestImportFix))
}

func candidateIDs(cs []kernel.RoutingCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

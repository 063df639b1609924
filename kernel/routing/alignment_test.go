package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowkernel/orchestrator/kernel"
)

func TestAlignmentFilter_KeepsGraphEdgesRegardless(t *testing.T) {
	candidates := []kernel.RoutingCandidate{
		{ID: "graph_edge_0", Source: kernel.SourceGraphEdge},
	}
	out := alignmentFilter("migrate the billing service to the new schema", candidates)
	assert.Len(t, out, 1)
}

func TestAlignmentFilter_DropsOffCharterDetour(t *testing.T) {
	candidates := []kernel.RoutingCandidate{
		{ID: "sidequest:lint-fix", Source: kernel.SourceDetourCatalog, Reason: "cleans up lint findings"},
	}
	out := alignmentFilter("migrate the billing export pipeline to parquet", candidates)
	assert.Empty(t, out)
}

func TestAlignmentFilter_KeepsOnCharterDetour(t *testing.T) {
	candidates := []kernel.RoutingCandidate{
		{ID: "sidequest:contract-check", Source: kernel.SourceDetourCatalog, Reason: "re-verifies the billing export contract"},
	}
	out := alignmentFilter("migrate the billing export pipeline to parquet", candidates)
	assert.Len(t, out, 1)
}

func TestAlignmentFilter_NoCharterKeepsEverything(t *testing.T) {
	candidates := []kernel.RoutingCandidate{
		{ID: "sidequest:lint-fix", Source: kernel.SourceDetourCatalog, Reason: "cleans up lint findings"},
	}
	out := alignmentFilter("", candidates)
	assert.Len(t, out, 1)
}

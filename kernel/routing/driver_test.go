package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

func simpleGraph() *kernel.FlowGraph {
	return &kernel.FlowGraph{
		Key:   "flow1",
		Entry: "a",
		Nodes: map[kernel.StepID]*kernel.FlowNode{
			"a": {ID: "a", Edges: []kernel.FlowEdge{{Target: "b"}}},
			"b": {ID: "b", Terminal: true},
		},
	}
}

func TestDecide_FastPathSingleDefaultEdge(t *testing.T) {
	d := New(simpleGraph(), kernel.ModeDeterministicOnly, telemetry.NoopLogger{}, nil, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TierFastPath, out.Tier)
	assert.Equal(t, kernel.StepID("b"), out.Chosen.Target)
}

func TestDecide_DeterministicBlockedRoutesToDetour(t *testing.T) {
	d := New(simpleGraph(), kernel.ModeDeterministicOnly, telemetry.NoopLogger{}, nil, nil)

	in := Input{
		StepID:   "a",
		Envelope: kernel.HandoffEnvelope{Status: kernel.EnvelopeBlocked},
		DetourCandidates: []kernel.RoutingCandidate{
			{ID: "sidequest:clarifier", Action: kernel.RoutingDetour, Source: kernel.SourceDetourCatalog, Priority: 50},
		},
	}

	out, err := d.Decide(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, kernel.TierDeterministic, out.Tier)
	assert.Equal(t, kernel.SourceDetourCatalog, out.Chosen.Source)
}

type fakeNavigator struct {
	resp transport.RouteResponse
	err  error
}

func (f fakeNavigator) Route(context.Context, transport.RouteRequest) (transport.RouteResponse, error) {
	return f.resp, f.err
}

func branchGraph() *kernel.FlowGraph {
	return &kernel.FlowGraph{
		Key:   "flow1",
		Entry: "a",
		Nodes: map[kernel.StepID]*kernel.FlowNode{
			"a": {ID: "a", Edges: []kernel.FlowEdge{{Target: "b"}, {Target: "c"}}},
			"b": {ID: "b", Terminal: true},
			"c": {ID: "c", Terminal: true},
		},
	}
}

func TestDecide_NavigatorChoosesValidCandidate(t *testing.T) {
	d := New(branchGraph(), kernel.ModeAssist, telemetry.NoopLogger{}, fakeNavigator{
		resp: transport.RouteResponse{ChosenCandidateID: "graph_edge_1", Reasoning: "picked c"},
	}, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TierNavigator, out.Tier)
	assert.Equal(t, kernel.StepID("c"), out.Chosen.Target)
}

func TestDecide_NavigatorInventedIDFallsThroughToFallback(t *testing.T) {
	d := New(branchGraph(), kernel.ModeAssist, telemetry.NoopLogger{}, fakeNavigator{
		resp: transport.RouteResponse{ChosenCandidateID: "not_a_real_candidate"},
	}, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.NotEqual(t, kernel.TierNavigator, out.Tier)
	assert.Equal(t, kernel.TierEnvelopeFallback, out.Tier)
}

func TestDecide_NavigatorErrorFallsThrough(t *testing.T) {
	d := New(branchGraph(), kernel.ModeAssist, telemetry.NoopLogger{}, fakeNavigator{
		err: errors.New("backend unavailable"),
	}, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TierEnvelopeFallback, out.Tier)
}

func TestDecide_EscalatesWhenNoCandidates(t *testing.T) {
	d := New(&kernel.FlowGraph{Key: "flow1", Entry: "a", Nodes: map[kernel.StepID]*kernel.FlowNode{"a": {ID: "a"}}}, kernel.ModeDeterministicOnly, telemetry.NoopLogger{}, nil, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TierEscalateTier, out.Tier)
	assert.Equal(t, kernel.RoutingEscalate, out.Chosen.Action)
}

func TestDecide_DeterministicOnlyModeSkipsNavigator(t *testing.T) {
	d := New(branchGraph(), kernel.ModeDeterministicOnly, telemetry.NoopLogger{}, fakeNavigator{
		resp: transport.RouteResponse{ChosenCandidateID: "graph_edge_1"},
	}, nil)

	out, err := d.Decide(context.Background(), Input{StepID: "a"})

	require.NoError(t, err)
	assert.Equal(t, kernel.TierEnvelopeFallback, out.Tier)
}

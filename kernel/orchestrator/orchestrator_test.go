package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/engine/inmem"
	"github.com/flowkernel/orchestrator/kernel/sidequest"
	"github.com/flowkernel/orchestrator/kernel/step"
	inmemstore "github.com/flowkernel/orchestrator/kernel/storage/inmem"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

func twoStepGraph() *kernel.FlowGraph {
	g := &kernel.FlowGraph{
		Key:     "flow-1",
		Charter: "build and verify",
		Entry:   "build",
		Nodes: map[kernel.StepID]*kernel.FlowNode{
			"build": {ID: "build", AgentKey: "builder", Edges: []kernel.FlowEdge{{Target: "review"}}},
			"review": {ID: "review", AgentKey: "reviewer", Terminal: true},
		},
	}
	return g
}

type fakeSession struct{}

func (fakeSession) Capabilities() transport.CapabilityMatrix { return transport.CapabilityMatrix{transport.CapHooks: true} }
func (fakeSession) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	return transport.WorkResponse{StopReason: transport.StopReasonEndTurn}, nil
}
func (fakeSession) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	return transport.FinalizeResponse{RawJSON: []byte(`{
		"schema_version":"1","status":"VERIFIED","summary":"done",
		"file_changes":{"files":[],"totals":{}},
		"routing":{"recommendation":"ADVANCE"},
		"meta":{"step_id":"s","flow_key":"f","run_id":"r","agent_key":"a"}
	}`)}, nil
}
func (fakeSession) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	return transport.RouteResponse{}, nil
}
func (fakeSession) Close(ctx context.Context) error { return nil }

type fakeBackend struct{}

func (fakeBackend) Name() string { return "fake" }
func (fakeBackend) Open(ctx context.Context, req transport.WorkRequest) (transport.Session, error) {
	return fakeSession{}, nil
}

type fakeSource struct{}

func (fakeSource) Prepare(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, iteration kernel.IterationInfo) (step.Input, error) {
	return step.Input{
		Backend:         fakeBackend{},
		SystemPrompt:    "be helpful",
		Context:         kernel.ContextPack{TeachingNotes: "do the thing"},
		MaxContextChars: 10000,
	}, nil
}

func TestRun_TwoStepFlowCompletes(t *testing.T) {
	graph := twoStepGraph()
	deps := Deps{
		Store:      inmemstore.New(),
		Log:        telemetry.NewNoopLogger(),
		Graphs:     map[kernel.FlowKey]*kernel.FlowGraph{graph.Key: graph},
		Mode:       kernel.ModeDeterministicOnly,
		Sources:    map[kernel.FlowKey]StepSource{graph.Key: fakeSource{}},
		Sidequests: sidequest.Default(),
	}
	activities, err := NewActivities(deps)
	require.NoError(t, err)

	eng := inmem.New()
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: WorkflowName, Handler: Run}))
	require.NoError(t, activities.Register(ctx, eng))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: WorkflowName,
		Input:    RunInput{RunID: "run-1", Flow: graph.Key, EntryStep: graph.Entry},
	})
	require.NoError(t, err)

	var final kernel.RunState
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(waitCtx, &final))

	assert.Equal(t, kernel.StatusCompleted, final.Status)
	assert.True(t, final.IsCompleted("build"))
	assert.True(t, final.IsCompleted("review"))
}

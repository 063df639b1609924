package step

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/forensic"
	"github.com/flowkernel/orchestrator/kernel/schema"
	"github.com/flowkernel/orchestrator/kernel/storage/inmem"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

type fakeSession struct {
	caps         transport.CapabilityMatrix
	workResps    []transport.WorkResponse
	finalizeJSON []byte
	routeResp    transport.RouteResponse
	workCalls    int
	closed       bool
}

func (s *fakeSession) Capabilities() transport.CapabilityMatrix { return s.caps }

func (s *fakeSession) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	resp := s.workResps[s.workCalls]
	s.workCalls++
	return resp, nil
}

func (s *fakeSession) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	return transport.FinalizeResponse{RawJSON: s.finalizeJSON}, nil
}

func (s *fakeSession) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	return s.routeResp, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	sess *fakeSession
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(ctx context.Context, req transport.WorkRequest) (transport.Session, error) {
	return b.sess, nil
}

func validEnvelopeJSON(t *testing.T) []byte {
	t.Helper()
	env := kernel.HandoffEnvelope{
		SchemaVersion: "1",
		Status:        kernel.EnvelopeVerified,
		Summary:       "did the thing",
		FileChanges:   kernel.FileChangeSnapshot{Files: []kernel.FileChangeClaim{}, Totals: kernel.FileChangeTotals{}},
		Routing:       kernel.RoutingHint{Recommendation: kernel.RecommendAdvance},
		Meta:          kernel.EnvelopeMeta{StepID: "s", Flow: "f", RunID: "r", AgentKey: "a"},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func baseInput(backend transport.Backend) Input {
	return Input{
		RunID: "run-1", Flow: "flow-1", StepID: "step-1", AgentKey: "agent-1",
		Backend:         backend,
		ModelTier:       "anthropic:default",
		SystemPrompt:    "be helpful",
		Context:         kernel.ContextPack{TeachingNotes: "do the thing"},
		MaxContextChars: 10000,
	}
}

func newEngine(t *testing.T) (*Engine, *fakeSession) {
	t.Helper()
	sess := &fakeSession{
		caps: transport.CapabilityMatrix{transport.CapHooks: true},
		workResps: []transport.WorkResponse{
			{StopReason: transport.StopReasonEndTurn, Usage: transport.Usage{PromptTokens: 100, CompletionTokens: 50}},
		},
		finalizeJSON: validEnvelopeJSON(t),
	}
	validator, err := schema.Compile("envelope.json", []byte(schema.EnvelopeSchemaJSON))
	require.NoError(t, err)
	deps := Deps{
		Store:          inmem.New(),
		Log:            telemetry.NewNoopLogger(),
		EnvelopeSchema: validator,
		Comparator:     forensic.NewComparator(),
		Policy:         DefaultDangerousOpPolicy(),
	}
	return New(deps), sess
}

func TestExecute_HappyPathProducesVerifiedEnvelope(t *testing.T) {
	engine, sess := newEngine(t)
	backend := &fakeBackend{sess: sess}

	res, err := engine.Execute(context.Background(), baseInput(backend))

	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, kernel.EnvelopeVerified, res.Envelope.Status)
	assert.NotNil(t, res.Session)
	engine.CloseSession(context.Background(), res)
	assert.True(t, sess.closed)
}

func TestExecute_PreflightFailureBlocksWithoutCallingBackend(t *testing.T) {
	engine, sess := newEngine(t)
	backend := &fakeBackend{sess: sess}
	in := baseInput(backend)
	in.PreflightChecks = []PreflightCheck{
		{Name: "always_fails", Run: func(context.Context) error { return assertErr }},
	}

	res, err := engine.Execute(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.PreflightFailures[0], "always_fails")
	assert.Equal(t, 0, sess.workCalls)
}

func TestExecute_ToolCallRunsThroughExecutorAndDangerousPolicy(t *testing.T) {
	engine, sess := newEngine(t)
	sess.workResps = []transport.WorkResponse{
		{
			StopReason: transport.StopReasonToolUse,
			Message:    transport.Message{Role: transport.RoleAssistant},
			ToolsPending: []transport.ToolUsePart{
				{ID: "t1", Name: "shell", Input: map[string]any{"cmd": "git push --force origin main"}},
				{ID: "t2", Name: "read_file", Input: map[string]any{"path": "main.go"}},
			},
		},
		{StopReason: transport.StopReasonEndTurn},
	}
	engine.deps.Tools = FuncToolExecutor(func(ctx context.Context, call transport.ToolUsePart) transport.ToolResultPart {
		return transport.ToolResultPart{ToolUseID: call.ID, Content: "ok"}
	})
	backend := &fakeBackend{sess: sess}

	res, err := engine.Execute(context.Background(), baseInput(backend))

	require.NoError(t, err)
	assert.Equal(t, kernel.EnvelopeVerified, res.Envelope.Status)
}

func TestExecute_PostHocScanHaltsRunWhenHooksUnavailable(t *testing.T) {
	engine, sess := newEngine(t)
	sess.caps = transport.CapabilityMatrix{transport.CapHooks: false}
	sess.workResps = []transport.WorkResponse{
		{
			StopReason: transport.StopReasonToolUse,
			Message:    transport.Message{Role: transport.RoleAssistant},
			ToolsPending: []transport.ToolUsePart{
				{ID: "t1", Name: "shell", Input: map[string]any{"cmd": "cat ~/.aws/credentials"}},
			},
		},
		{StopReason: transport.StopReasonEndTurn},
	}
	backend := &fakeBackend{sess: sess}

	_, err := engine.Execute(context.Background(), baseInput(backend))

	require.Error(t, err)
	var fault *kernel.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, kernel.FaultFatal, fault.Kind)
}

func TestCommit_PersistsEnvelopeAndEvent(t *testing.T) {
	engine, sess := newEngine(t)
	backend := &fakeBackend{sess: sess}
	in := baseInput(backend)

	res, err := engine.Execute(context.Background(), in)
	require.NoError(t, err)

	seq, err := engine.Commit(context.Background(), in, res)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	stored, ok, err := engine.deps.Store.ReadEnvelope(context.Background(), in.RunID, in.Flow, in.StepID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kernel.EnvelopeVerified, stored.Status)
}

var assertErr = &testPreflightError{}

type testPreflightError struct{}

func (*testPreflightError) Error() string { return "simulated preflight failure" }

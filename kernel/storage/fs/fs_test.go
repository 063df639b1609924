package fs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/storage/fs"
)

func TestAppendEventRecoversSeqAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runID := kernel.NewRunID("run")

	s1 := fs.New(dir)
	seq0, err := s1.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventRunStarted})
	require.NoError(t, err)
	require.Equal(t, int64(0), seq0)

	// A fresh Store simulates a process restart; it must recompute nextSeq
	// by reading the last line of events.jsonl rather than starting at 0.
	s2 := fs.New(dir)
	seq1, err := s2.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)
}

func TestWriteStateThenReadStateRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")

	state := kernel.EmptyRunState(runID, "flow1")
	state.Status = kernel.StatusRunning
	require.NoError(t, s.WriteState(ctx, runID, state))

	got, ok, err := s.ReadState(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kernel.StatusRunning, got.Status)
}

func TestReadStateMissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	_, ok, err := s.ReadState(ctx, kernel.NewRunID("run"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteEnvelopeIsIdempotentOnIdenticalContent(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")
	env := kernel.HandoffEnvelope{SchemaVersion: "1", Status: kernel.EnvelopeVerified, Summary: "done"}

	require.NoError(t, s.WriteEnvelope(ctx, runID, "flow1", "step1", env))
	require.NoError(t, s.WriteEnvelope(ctx, runID, "flow1", "step1", env))

	got, ok, err := s.ReadEnvelope(ctx, runID, "flow1", "step1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.Summary, got.Summary)
}

func TestReadEventsStreamsContiguousSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runID := kernel.NewRunID("run")
	s := fs.New(dir)

	_, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventRunStarted})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted})
	require.NoError(t, err)

	it, err := s.ReadEvents(ctx, runID, 0)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next(ctx))
	require.True(t, it.Next(ctx))
	require.False(t, it.Next(ctx))
	require.NoError(t, it.Err())
}

func TestLockRejectsSecondHolder(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")

	release, err := s.Lock(ctx, runID)
	require.NoError(t, err)

	_, err = s.Lock(ctx, runID)
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)

	release()
}

func TestCreateCheckpointThenResumeRebuildsState(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")

	_, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventRunStarted, Flow: "flow1"})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted, Flow: "flow1", StepID: "step1"})
	require.NoError(t, err)

	id, err := s.CreateCheckpoint(ctx, runID, "flow1", "mid-run")
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted, Flow: "flow1", StepID: "step2"})
	require.NoError(t, err)

	state, err := s.ResumeFromCheckpoint(ctx, runID, id)
	require.NoError(t, err)
	require.Equal(t, kernel.StepID("step1"), state.CurrentStep)
}

func TestCommitStepCompletionWritesEnvelopeAndEvent(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")
	env := kernel.HandoffEnvelope{SchemaVersion: "1", Status: kernel.EnvelopeVerified}

	_, err := s.CommitStepCompletion(ctx, runID, "flow1", "step1", env, kernel.RunEvent{Kind: kernel.EventStepCompleted, StepID: "step1"})
	require.NoError(t, err)

	_, ok, err := s.ReadEnvelope(ctx, runID, "flow1", "step1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAppendCostAndRoutingDecisionDoNotError(t *testing.T) {
	ctx := context.Background()
	s := fs.New(t.TempDir())
	runID := kernel.NewRunID("run")

	require.NoError(t, s.AppendCost(ctx, runID, storage.CostEntry{StepID: "step1", CostUSD: 0.5}))
	require.NoError(t, s.AppendRoutingDecision(ctx, runID, "flow1", kernel.RoutingDecisionLogEntry{}))
}

package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/storage/inmem"
)

func TestLockRejectsSecondHolder(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	runID := kernel.NewRunID("run")

	release, err := s.Lock(ctx, runID)
	require.NoError(t, err)

	_, err = s.Lock(ctx, runID)
	require.ErrorIs(t, err, storage.ErrAlreadyLocked)

	release()
	release2, err := s.Lock(ctx, runID)
	require.NoError(t, err)
	release2()
}

func TestAppendEventAssignsSequentialSeq(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	runID := kernel.NewRunID("run")

	seq0, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventRunStarted})
	require.NoError(t, err)
	require.Equal(t, int64(0), seq0)

	seq1, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)
}

func TestReadEventsStreamsContiguousSequence(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	runID := kernel.NewRunID("run")

	_, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventRunStarted})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventStepStarted})
	require.NoError(t, err)

	it, err := s.ReadEvents(ctx, runID, 0)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next(ctx))
	require.Equal(t, kernel.EventRunStarted, it.Event().Kind)
	require.True(t, it.Next(ctx))
	require.Equal(t, kernel.EventStepStarted, it.Event().Kind)
	require.False(t, it.Next(ctx))
	require.NoError(t, it.Err())
}

func TestWriteEnvelopeIsIdempotentOnIdenticalContent(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	runID := kernel.NewRunID("run")
	env := kernel.HandoffEnvelope{SchemaVersion: "1", Status: kernel.EnvelopeVerified, Summary: "done"}

	require.NoError(t, s.WriteEnvelope(ctx, runID, "flow1", "step1", env))
	require.NoError(t, s.WriteEnvelope(ctx, runID, "flow1", "step1", env))

	got, ok, err := s.ReadEnvelope(ctx, runID, "flow1", "step1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.Summary, got.Summary)
}

func TestCommitStepCompletionWritesEnvelopeAndEvent(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	runID := kernel.NewRunID("run")
	env := kernel.HandoffEnvelope{SchemaVersion: "1", Status: kernel.EnvelopeVerified}

	seq, err := s.CommitStepCompletion(ctx, runID, "flow1", "step1", env, kernel.RunEvent{Kind: kernel.EventStepCompleted, StepID: "step1"})
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	_, ok, err := s.ReadEnvelope(ctx, runID, "flow1", "step1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResumeFromCheckpointRebuildsState(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
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

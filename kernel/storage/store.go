// Package storage defines the kernel's durable persistence contract: atomic
// JSON state writes, a monotonic append-only event log, per-run envelope
// persistence, and checkpoint/resume support (spec §4.1).
//
// Package fs provides the production filesystem-backed implementation;
// package inmem provides an in-memory implementation for tests.
package storage

import (
	"context"
	"errors"

	"github.com/flowkernel/orchestrator/kernel"
)

// ErrSequenceGap indicates the event log has a gap or duplicate sequence
// number — data corruption per spec §4.1 ("detects sequence gaps and fails
// loudly").
var ErrSequenceGap = errors.New("storage: event sequence gap detected")

// ErrAlreadyLocked indicates another in-process execution already holds the
// run's single-writer lock (spec §4.1, §5).
var ErrAlreadyLocked = errors.New("storage: run is already locked by another execution")

type (
	// Store is the durable persistence contract one run's orchestrator and
	// step engine use. All methods are safe to call concurrently across
	// different run IDs; per-run operations are serialized internally via
	// the per-run lock obtained from Lock.
	Store interface {
		// Lock acquires the single-writer lock for runID, returning a
		// release function. It returns ErrAlreadyLocked if another
		// in-process execution already holds it (spec §4.1: "per-run
		// single-writer: only one in-process execution may hold the run
		// lock").
		Lock(ctx context.Context, runID kernel.RunID) (release func(), err error)

		// AppendEvent assigns the next monotonic sequence number for runID,
		// appends the event, and flushes it durably before returning (spec
		// §4.1). The caller must already hold runID's lock.
		AppendEvent(ctx context.Context, runID kernel.RunID, e kernel.RunEvent) (seq int64, err error)

		// WriteState atomically persists state's run_state.json (spec
		// §4.1): write temp file in the same directory, fsync, rename,
		// fsync directory. Never leaves a partial file visible to readers.
		WriteState(ctx context.Context, runID kernel.RunID, state kernel.RunState) error

		// ReadState loads the last-written run_state.json for runID.
		// Returns (kernel.RunState{}, false, nil) if none has been written
		// yet.
		ReadState(ctx context.Context, runID kernel.RunID) (kernel.RunState, bool, error)

		// WriteEnvelope atomically persists an envelope at its canonical
		// path (spec §4.1, §6). Writing is idempotent on identical content:
		// writing the same bytes twice is a no-op, not an error.
		WriteEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope) error

		// ReadEnvelope loads a previously written envelope. Returns
		// (kernel.HandoffEnvelope{}, false, nil) if none exists yet.
		ReadEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID) (kernel.HandoffEnvelope, bool, error)

		// CommitStepCompletion atomically performs WriteEnvelope then
		// AppendEvent(step_completed) (spec §4.1, §8: "neither without the
		// other"). If either half fails, the function fails. A crash
		// between the two halves leaves an orphan envelope with no
		// step_completed event; no code detects it or appends the missing
		// event on restart.
		CommitStepCompletion(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope, completedEvent kernel.RunEvent) (seq int64, err error)

		// ReadEvents streams events for runID starting at fromSeq (0 means
		// from the beginning), in sequence order. It detects sequence gaps
		// and returns ErrSequenceGap rather than silently skipping.
		ReadEvents(ctx context.Context, runID kernel.RunID, fromSeq int64) (EventIterator, error)

		// CreateCheckpoint appends a checkpoint event naming label as the
		// resumption point and returns its opaque checkpoint ID.
		CreateCheckpoint(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, label string) (checkpointID string, err error)

		// ResumeFromCheckpoint rebuilds state by replaying events up to and
		// including the named checkpoint.
		ResumeFromCheckpoint(ctx context.Context, runID kernel.RunID, checkpointID string) (kernel.RunState, error)

		// AppendCost appends one line to the run's cost.jsonl ledger (spec
		// §4.11, §6).
		AppendCost(ctx context.Context, runID kernel.RunID, entry CostEntry) error

		// AppendRoutingDecision appends one line to
		// <flow>/routing/decisions.jsonl (spec §4.7, §6).
		AppendRoutingDecision(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, entry kernel.RoutingDecisionLogEntry) error

		// WriteInjectionSidecar persists an INJECT_FLOW/INJECT_NODES sidecar
		// under <flow>/routing/injections/<id>.json (spec §4.7, §6).
		WriteInjectionSidecar(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error

		// WriteProposal persists a rare EXTEND_GRAPH proposal under
		// <flow>/routing/proposals/<id>.json (spec §4.7, §6).
		WriteProposal(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error

		// WriteForensicArtifact persists a forensic scan artifact under
		// <flow>/forensics/<step_id>-<suffix>.json (spec §6).
		WriteForensicArtifact(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, suffix string, payload any) error
	}

	// EventIterator streams events in sequence order. Callers must check Err
	// after Next returns false to distinguish end-of-stream from failure.
	EventIterator interface {
		Next(ctx context.Context) bool
		Event() kernel.RunEvent
		Err() error
		Close() error
	}

	// CostEntry is one line of <run>/cost.jsonl (spec §4.11, §6).
	CostEntry struct {
		StepID        kernel.StepID `json:"step_id"`
		ModelTier     string        `json:"model_tier"`
		TokensIn      int64         `json:"tokens_in"`
		TokensOut     int64         `json:"tokens_out"`
		CostUSD       float64       `json:"cost_usd"`
		CumulativeUSD float64       `json:"cumulative_usd"`
	}
)

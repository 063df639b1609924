// Package fs implements storage.Store on the local filesystem, following the
// run directory layout of spec §6.
package fs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

// Store is the filesystem-backed storage.Store. The zero value is not usable;
// construct with New.
type Store struct {
	layout layout

	mu    sync.Mutex
	locks map[kernel.RunID]*runLock
}

// runLock is the in-process single-writer lock for one run, plus a cached
// next-sequence counter so AppendEvent doesn't re-scan events.jsonl on every
// call.
type runLock struct {
	mu      sync.Mutex
	held    bool
	nextSeq int64
	seqInit bool
}

// New returns a Store rooted at root. root is created lazily as runs are
// written; New does not touch the filesystem.
func New(root string) *Store {
	return &Store{
		layout: layout{root: root},
		locks:  make(map[kernel.RunID]*runLock),
	}
}

func (s *Store) runLockFor(runID kernel.RunID) *runLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.locks[runID]
	if !ok {
		rl = &runLock{}
		s.locks[runID] = rl
	}
	return rl
}

// Lock acquires runID's single-writer lock (spec §4.1, §5). Only one
// in-process caller may hold it at a time; a second Lock call while it is
// held returns storage.ErrAlreadyLocked. The run's mutex is taken only long
// enough to test and set the held flag, so AppendEvent and the other per-run
// operations keep working while the lock is held.
func (s *Store) Lock(ctx context.Context, runID kernel.RunID) (func(), error) {
	rl := s.runLockFor(runID)

	locked := make(chan struct{})
	go func() {
		rl.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			rl.mu.Unlock()
		}()
		return nil, ctx.Err()
	}

	if rl.held {
		rl.mu.Unlock()
		return nil, storage.ErrAlreadyLocked
	}
	rl.held = true
	rl.mu.Unlock()

	release := func() {
		rl.mu.Lock()
		rl.held = false
		rl.mu.Unlock()
	}
	return release, nil
}

// AppendEvent assigns the next sequence number for runID and appends e.
//
// On first use after a process restart the next sequence number is unknown,
// so the last line of events.jsonl is read once to recompute it (spec §4.1:
// "On restart, seq is recomputed by reading the last line"); subsequent calls
// reuse the cached counter.
func (s *Store) AppendEvent(ctx context.Context, runID kernel.RunID, e kernel.RunEvent) (int64, error) {
	rl := s.runLockFor(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.seqInit {
		last, err := s.lastEventSeq(runID)
		if err != nil {
			return 0, err
		}
		rl.nextSeq = last + 1
		rl.seqInit = true
	}

	e.Seq = rl.nextSeq
	if err := appendJSONLine(s.layout.eventsFile(runID), e); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	rl.nextSeq++
	return e.Seq, nil
}

// lastEventSeq returns the sequence number of the last line in events.jsonl,
// or -1 if the file does not exist or is empty (so the first event gets seq
// 0).
func (s *Store) lastEventSeq(runID kernel.RunID) (int64, error) {
	f, err := os.Open(s.layout.eventsFile(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	last := int64(-1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e kernel.RunEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return 0, fmt.Errorf("decode events log: %w", err)
		}
		last = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events log: %w", err)
	}
	return last, nil
}

// WriteState atomically persists state.
func (s *Store) WriteState(ctx context.Context, runID kernel.RunID, state kernel.RunState) error {
	return writeJSONAtomic(s.layout.stateFile(runID), state)
}

// ReadState loads the last-written state for runID.
func (s *Store) ReadState(ctx context.Context, runID kernel.RunID) (kernel.RunState, bool, error) {
	var state kernel.RunState
	ok, err := readJSON(s.layout.stateFile(runID), &state)
	return state, ok, err
}

// WriteEnvelope atomically persists env at its canonical path. It is a no-op
// if the existing file's bytes are already identical (spec §4.1: "idempotent
// on identical content").
func (s *Store) WriteEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope) error {
	path := s.layout.envelopeFile(runID, flow, stepID)

	next, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, next) {
		return nil
	}
	return writeJSONAtomic(path, env)
}

// ReadEnvelope loads a previously written envelope for stepID.
func (s *Store) ReadEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID) (kernel.HandoffEnvelope, bool, error) {
	var env kernel.HandoffEnvelope
	ok, err := readJSON(s.layout.envelopeFile(runID, flow, stepID), &env)
	return env, ok, err
}

// CommitStepCompletion writes env then appends completedEvent. A crash
// between the two leaves an orphan envelope with no matching step_completed
// event. Nothing detects such an orphan on restart or appends the missing
// event: the step is simply absent from the replayed state's Completed set.
func (s *Store) CommitStepCompletion(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope, completedEvent kernel.RunEvent) (int64, error) {
	if err := s.WriteEnvelope(ctx, runID, flow, stepID, env); err != nil {
		return 0, fmt.Errorf("commit step completion: write envelope: %w", err)
	}
	seq, err := s.AppendEvent(ctx, runID, completedEvent)
	if err != nil {
		return 0, fmt.Errorf("commit step completion: append event: %w", err)
	}
	return seq, nil
}

// ReadEvents returns an iterator over runID's events starting at fromSeq.
func (s *Store) ReadEvents(ctx context.Context, runID kernel.RunID, fromSeq int64) (storage.EventIterator, error) {
	f, err := os.Open(s.layout.eventsFile(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return &eventIterator{}, nil
		}
		return nil, fmt.Errorf("open events log: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &eventIterator{f: f, scanner: scanner, fromSeq: fromSeq, wantSeq: fromSeq}, nil
}

type eventIterator struct {
	f       *os.File
	scanner *bufio.Scanner
	fromSeq int64
	wantSeq int64
	cur     kernel.RunEvent
	err     error
}

func (it *eventIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.scanner == nil {
		return false
	}
	for it.scanner.Scan() {
		line := it.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e kernel.RunEvent
		if err := json.Unmarshal(line, &e); err != nil {
			it.err = fmt.Errorf("decode event: %w", err)
			return false
		}
		if e.Seq < it.fromSeq {
			continue
		}
		if e.Seq != it.wantSeq {
			it.err = fmt.Errorf("%w: want seq %d, got %d", storage.ErrSequenceGap, it.wantSeq, e.Seq)
			return false
		}
		it.wantSeq++
		it.cur = e
		return true
	}
	if err := it.scanner.Err(); err != nil {
		it.err = fmt.Errorf("scan events log: %w", err)
	}
	return false
}

func (it *eventIterator) Event() kernel.RunEvent { return it.cur }
func (it *eventIterator) Err() error             { return it.err }
func (it *eventIterator) Close() error {
	if it.f == nil {
		return nil
	}
	return it.f.Close()
}

// CreateCheckpoint appends a checkpoint event and writes a small pointer file
// under checkpoints/ so ResumeFromCheckpoint can locate its sequence number
// without rescanning the full event log.
func (s *Store) CreateCheckpoint(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, label string) (string, error) {
	id := kernel.NewRunID("ckpt")
	payload, err := json.Marshal(kernel.CheckpointPayload{Label: label})
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	e := kernel.RunEvent{
		Kind:    kernel.EventCheckpoint,
		Flow:    flow,
		Payload: payload,
	}
	seq, err := s.AppendEvent(ctx, runID, e)
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	if err := writeJSONAtomic(s.layout.checkpointFile(runID, string(id)), checkpointPointer{Seq: seq, Label: label}); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	return string(id), nil
}

type checkpointPointer struct {
	Seq   int64  `json:"seq"`
	Label string `json:"label"`
}

// ResumeFromCheckpoint rebuilds state by replaying events up to and including
// the checkpoint's sequence number.
func (s *Store) ResumeFromCheckpoint(ctx context.Context, runID kernel.RunID, checkpointID string) (kernel.RunState, error) {
	var ptr checkpointPointer
	ok, err := readJSON(s.layout.checkpointFile(runID, checkpointID), &ptr)
	if err != nil {
		return kernel.RunState{}, fmt.Errorf("resume from checkpoint: %w", err)
	}
	if !ok {
		return kernel.RunState{}, fmt.Errorf("resume from checkpoint: unknown checkpoint %q", checkpointID)
	}

	it, err := s.ReadEvents(ctx, runID, 0)
	if err != nil {
		return kernel.RunState{}, fmt.Errorf("resume from checkpoint: %w", err)
	}
	defer it.Close()

	var events []kernel.RunEvent
	var flow kernel.FlowKey
	for it.Next(ctx) {
		e := it.Event()
		if flow == "" {
			flow = e.Flow
		}
		events = append(events, e)
		if e.Seq == ptr.Seq {
			break
		}
	}
	if err := it.Err(); err != nil {
		return kernel.RunState{}, fmt.Errorf("resume from checkpoint: %w", err)
	}

	return kernel.RebuildState(runID, flow, events)
}

// AppendCost appends one cost.jsonl line.
func (s *Store) AppendCost(ctx context.Context, runID kernel.RunID, entry storage.CostEntry) error {
	return appendJSONLine(s.layout.costFile(runID), entry)
}

// AppendRoutingDecision appends one routing decision log line.
func (s *Store) AppendRoutingDecision(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, entry kernel.RoutingDecisionLogEntry) error {
	return appendJSONLine(s.layout.routingDecisionsFile(runID, flow), entry)
}

// WriteInjectionSidecar persists a routing injection sidecar.
func (s *Store) WriteInjectionSidecar(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error {
	return writeJSONAtomic(s.layout.routingInjectionFile(runID, flow, id), payload)
}

// WriteProposal persists an EXTEND_GRAPH proposal.
func (s *Store) WriteProposal(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error {
	return writeJSONAtomic(s.layout.routingProposalFile(runID, flow, id), payload)
}

// WriteForensicArtifact persists a forensic scan artifact.
func (s *Store) WriteForensicArtifact(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, suffix string, payload any) error {
	return writeJSONAtomic(s.layout.forensicFile(runID, flow, stepID, suffix), payload)
}

var _ storage.Store = (*Store)(nil)

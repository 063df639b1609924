// Package inmem provides an in-memory storage.Store for tests, mirroring the
// production fs.Store's semantics (sequencing, idempotent envelope writes,
// sequence-gap detection) without touching the filesystem.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

type runData struct {
	mu sync.Mutex

	held    bool
	nextSeq int64

	events    []kernel.RunEvent
	state     kernel.RunState
	hasState  bool
	envelopes map[string][]byte // flow/step -> canonical JSON bytes

	checkpoints map[string]int64 // checkpoint id -> seq
}

// Store is an in-memory storage.Store.
type Store struct {
	mu   sync.Mutex
	runs map[kernel.RunID]*runData
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{runs: make(map[kernel.RunID]*runData)}
}

func (s *Store) runFor(runID kernel.RunID) *runData {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.runs[runID]
	if !ok {
		rd = &runData{envelopes: make(map[string][]byte), checkpoints: make(map[string]int64)}
		s.runs[runID] = rd
	}
	return rd
}

func (s *Store) Lock(ctx context.Context, runID kernel.RunID) (func(), error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	if rd.held {
		rd.mu.Unlock()
		return nil, storage.ErrAlreadyLocked
	}
	rd.held = true
	rd.mu.Unlock()
	return func() {
		rd.mu.Lock()
		rd.held = false
		rd.mu.Unlock()
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, runID kernel.RunID, e kernel.RunEvent) (int64, error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	defer rd.mu.Unlock()

	e.Seq = rd.nextSeq
	rd.events = append(rd.events, e)
	rd.nextSeq++
	return e.Seq, nil
}

func (s *Store) WriteState(ctx context.Context, runID kernel.RunID, state kernel.RunState) error {
	rd := s.runFor(runID)
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.state = state.Clone()
	rd.hasState = true
	return nil
}

func (s *Store) ReadState(ctx context.Context, runID kernel.RunID) (kernel.RunState, bool, error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if !rd.hasState {
		return kernel.RunState{}, false, nil
	}
	return rd.state.Clone(), true, nil
}

func envelopeKey(flow kernel.FlowKey, stepID kernel.StepID) string {
	return string(flow) + "/" + string(stepID)
}

func (s *Store) WriteEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope) error {
	rd := s.runFor(runID)
	rd.mu.Lock()
	defer rd.mu.Unlock()

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := envelopeKey(flow, stepID)
	if existing, ok := rd.envelopes[key]; ok && string(existing) == string(b) {
		return nil
	}
	rd.envelopes[key] = b
	return nil
}

func (s *Store) ReadEnvelope(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID) (kernel.HandoffEnvelope, bool, error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	defer rd.mu.Unlock()

	b, ok := rd.envelopes[envelopeKey(flow, stepID)]
	if !ok {
		return kernel.HandoffEnvelope{}, false, nil
	}
	var env kernel.HandoffEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return kernel.HandoffEnvelope{}, false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, true, nil
}

func (s *Store) CommitStepCompletion(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, env kernel.HandoffEnvelope, completedEvent kernel.RunEvent) (int64, error) {
	if err := s.WriteEnvelope(ctx, runID, flow, stepID, env); err != nil {
		return 0, err
	}
	return s.AppendEvent(ctx, runID, completedEvent)
}

func (s *Store) ReadEvents(ctx context.Context, runID kernel.RunID, fromSeq int64) (storage.EventIterator, error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	events := make([]kernel.RunEvent, len(rd.events))
	copy(events, rd.events)
	rd.mu.Unlock()

	return &eventIterator{events: events, fromSeq: fromSeq, wantSeq: fromSeq, idx: -1}, nil
}

type eventIterator struct {
	events  []kernel.RunEvent
	fromSeq int64
	wantSeq int64
	idx     int
	cur     kernel.RunEvent
	err     error
}

func (it *eventIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		it.idx++
		if it.idx >= len(it.events) {
			return false
		}
		e := it.events[it.idx]
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
}

func (it *eventIterator) Event() kernel.RunEvent { return it.cur }
func (it *eventIterator) Err() error             { return it.err }
func (it *eventIterator) Close() error           { return nil }

func (s *Store) CreateCheckpoint(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, label string) (string, error) {
	rd := s.runFor(runID)

	payload, err := json.Marshal(kernel.CheckpointPayload{Label: label})
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	seq, err := s.AppendEvent(ctx, runID, kernel.RunEvent{Kind: kernel.EventCheckpoint, Flow: flow, Payload: payload})
	if err != nil {
		return "", err
	}

	id := string(kernel.NewRunID("ckpt"))
	rd.mu.Lock()
	rd.checkpoints[id] = seq
	rd.mu.Unlock()
	return id, nil
}

func (s *Store) ResumeFromCheckpoint(ctx context.Context, runID kernel.RunID, checkpointID string) (kernel.RunState, error) {
	rd := s.runFor(runID)
	rd.mu.Lock()
	seq, ok := rd.checkpoints[checkpointID]
	events := make([]kernel.RunEvent, len(rd.events))
	copy(events, rd.events)
	rd.mu.Unlock()

	if !ok {
		return kernel.RunState{}, fmt.Errorf("resume from checkpoint: unknown checkpoint %q", checkpointID)
	}

	var flow kernel.FlowKey
	var cut []kernel.RunEvent
	for _, e := range events {
		if flow == "" {
			flow = e.Flow
		}
		cut = append(cut, e)
		if e.Seq == seq {
			break
		}
	}
	return kernel.RebuildState(runID, flow, cut)
}

func (s *Store) AppendCost(ctx context.Context, runID kernel.RunID, entry storage.CostEntry) error {
	// Cost entries are consumed via kernel.CostCheckpointPayload events by
	// tests; inmem does not keep a separate ledger since no test reads it
	// back out-of-band from events.
	return nil
}

func (s *Store) AppendRoutingDecision(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, entry kernel.RoutingDecisionLogEntry) error {
	return nil
}

func (s *Store) WriteInjectionSidecar(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error {
	return nil
}

func (s *Store) WriteProposal(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, id string, payload any) error {
	return nil
}

func (s *Store) WriteForensicArtifact(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, suffix string, payload any) error {
	return nil
}

var _ storage.Store = (*Store)(nil)

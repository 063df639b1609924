package kernel

import "time"

// Status is the coarse-grained lifecycle state of a run. Status transitions
// are monotonic except paused <-> running (spec §3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// terminal reports whether the status is a terminal state that no further
// event may transition out of.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunState is the mutable program counter for a run. It must be fully
// rebuildable by replaying the run's event log alone (spec §3, §4.2): if the
// state file is lost, RebuildState reconstructs it from events.jsonl.
type RunState struct {
	RunID RunID   `json:"run_id"`
	Flow  FlowKey `json:"flow_key"`

	Status Status `json:"status"`

	// CurrentStep is the step the run is executing or about to execute. Empty
	// once the run reaches a terminal status with no further routing.
	CurrentStep StepID `json:"current_step,omitempty"`

	// StepIndex is a monotonically increasing counter of steps attempted,
	// used for stall-window and microloop bookkeeping. It only decreases on
	// an explicit checkpoint rewind (resume_from_checkpoint).
	StepIndex int `json:"step_index"`

	// Completed is the set of step IDs that have produced a step_completed
	// event. It only grows.
	Completed map[StepID]struct{} `json:"completed"`

	// EventSeq is the next sequence number to be assigned by the storage
	// layer's event log. It always equals 1 + the sequence number of the
	// last appended event.
	EventSeq int64 `json:"event_seq"`

	// FailureReason carries the stable reason string when Status is
	// StatusFailed (e.g. "budget_exceeded", "invariant_violation").
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// EmptyRunState returns the zero-value RunState used as the fold seed for
// RebuildState (spec §4.2: "rebuild_state(events) -> state: fold apply_event over
// the event stream starting from RunState.empty").
func EmptyRunState(runID RunID, flow FlowKey) RunState {
	return RunState{
		RunID:     runID,
		Flow:      flow,
		Status:    StatusPending,
		Completed: make(map[StepID]struct{}),
	}
}

// Clone returns a deep copy so callers can mutate the result without
// affecting storage-layer caches.
func (s RunState) Clone() RunState {
	out := s
	out.Completed = make(map[StepID]struct{}, len(s.Completed))
	for id := range s.Completed {
		out.Completed[id] = struct{}{}
	}
	return out
}

// IsCompleted reports whether stepID has a recorded step_completed event.
func (s RunState) IsCompleted(stepID StepID) bool {
	_, ok := s.Completed[stepID]
	return ok
}

// RunSummary is the run_flow/run_autopilot contract's return value (spec
// §4.9: "run_flow(flow_key, inputs) -> RunSummary"): the terminal projection
// of a RunState a caller actually needs, without exposing the full mutable
// program-counter shape.
type RunSummary struct {
	RunID  RunID   `json:"run_id"`
	Flow   FlowKey `json:"flow_key"`
	Status Status  `json:"status"`

	StepsExecuted int    `json:"steps_executed"`
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Summarize projects a RunState down to its RunSummary.
func (s RunState) Summarize() RunSummary {
	return RunSummary{
		RunID:         s.RunID,
		Flow:          s.Flow,
		Status:        s.Status,
		StepsExecuted: s.StepIndex,
		FailureReason: s.FailureReason,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
	}
}

package kernel

import "fmt"

// ApplyEvent folds one event into state, returning the next state. It is
// total over knownEventKinds; an unrecognized kind is an error (spec §4.2,
// §9 "closed enums... validation... rejects anything outside them").
//
// ApplyEvent never mutates state in place; it returns a new value built from
// a clone, so callers (and RebuildState) can treat it as a pure function.
func ApplyEvent(state RunState, e RunEvent) (RunState, error) {
	if _, ok := knownEventKinds[e.Kind]; !ok {
		return state, fmt.Errorf("kernel: unknown event kind %q at seq %d", e.Kind, e.Seq)
	}
	if e.Seq != state.EventSeq {
		return state, fmt.Errorf("kernel: sequence gap: expected seq %d, got %d", state.EventSeq, e.Seq)
	}

	next := state.Clone()
	next.EventSeq = e.Seq + 1
	next.UpdatedAt = e.Timestamp

	switch e.Kind {
	case EventRunStarted:
		next.Status = StatusRunning
		next.StartedAt = e.Timestamp
		next.Flow = e.Flow

	case EventStepStarted:
		next.CurrentStep = e.StepID
		next.StepIndex++

	case EventStepCompleted:
		if e.StepID != "" {
			next.Completed[e.StepID] = struct{}{}
		}

	case EventRouteDecision:
		var payload RouteDecisionPayload
		if err := decodePayload(e, &payload); err != nil {
			return state, fmt.Errorf("kernel: decode route_decision payload: %w", err)
		}
		if payload.Decision == RoutingAdvance || payload.Decision == RoutingLoop || payload.Decision == RoutingDetour || payload.Decision == RoutingInjectFlow || payload.Decision == RoutingInjectNodes {
			next.CurrentStep = payload.Target
		}

	case EventCheckpoint:
		// Checkpoints are markers for resume_from_checkpoint; they do not
		// themselves mutate the program counter.

	case EventFlowPaused:
		next.Status = StatusPaused

	case EventRunCompleted:
		next.Status = StatusCompleted
		next.CurrentStep = ""
		next.CompletedAt = e.Timestamp

	case EventRunFailed, EventRunStopped:
		var payload RunFailedPayload
		if err := decodePayload(e, &payload); err != nil {
			return state, fmt.Errorf("kernel: decode run_failed payload: %w", err)
		}
		next.Status = StatusFailed
		next.FailureReason = payload.Reason
		next.CompletedAt = e.Timestamp

	case EventForensicScan, EventCostCheckpoint:
		// Informational events: they feed the forensic/budget subsystems via
		// side-channel reads of the log but do not change the run's program
		// counter.
	}

	return next, nil
}

// RebuildState folds ApplyEvent over events starting from RunState.empty
// (spec §4.2). Events must be supplied in strictly increasing sequence order
// starting at 0; RebuildState returns an error on the first gap, exactly as
// Storage.ReadEvents does when streaming from disk.
//
// Property under test (spec §8): for any run R, RebuildState(read all events
// of R) must equal the final persisted run_state.json of R, modulo
// in-flight timestamps.
func RebuildState(runID RunID, flow FlowKey, events []RunEvent) (RunState, error) {
	state := EmptyRunState(runID, flow)
	for _, e := range events {
		var err error
		state, err = ApplyEvent(state, e)
		if err != nil {
			return RunState{}, err
		}
	}
	return state, nil
}

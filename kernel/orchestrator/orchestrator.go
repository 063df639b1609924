// Package orchestrator implements the run loop (spec §4.9): the
// engine.WorkflowFunc that drives a run from its entry step to a terminal
// routing decision, applying the stall fuse and budget fuse, and relaying
// stop/pause signals into the run's lifecycle.
//
// All side effects — opening transport sessions, scanning forensics,
// deciding routing, writing state — live in the RunStep, WriteState and
// AppendEvent activities (kernel/orchestrator.Activities); the workflow function itself
// only folds their results into local bookkeeping, keeping it safe to
// replay under a durable engine like Temporal.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
)

// WorkflowName is the name the run workflow is registered under.
const WorkflowName = "kernel.run"

// ActivityRunStep, ActivityWriteState, and ActivityAppendEvent are the
// activity names Activities registers and Run schedules by name.
const (
	ActivityRunStep    = "kernel.run_step"
	ActivityWriteState = "kernel.write_state"
	ActivityAppendEvent = "kernel.append_event"
)

// RunInput starts one run's workflow execution.
type RunInput struct {
	RunID kernel.RunID
	Flow  kernel.FlowKey

	// EntryStep seeds a fresh run's CurrentStep. Ignored when Resume is set.
	EntryStep kernel.StepID

	// Resume carries a previously checkpointed state to continue from,
	// instead of starting a fresh run at EntryStep.
	Resume *kernel.RunState

	StallWindow int
	MaxSteps    int

	// MaxDetourDepth bounds the interruption stack's depth (spec §4.9:
	// "Bounded depth (default 3) to prevent detour-of-detour-of-detour
	// storms"). Zero means DefaultMaxDetourDepth.
	MaxDetourDepth int
}

// DefaultMaxDetourDepth is the interruption stack's default bound (spec
// §4.9).
const DefaultMaxDetourDepth = 3

// RunStepRequest is the RunStep activity's input: everything about one
// step's execution that depends on accumulated run-level state the
// workflow function tracks (sidequest use counts, the forensic window for
// the stall fuse).
type RunStepRequest struct {
	RunID     kernel.RunID
	Flow      kernel.FlowKey
	StepID    kernel.StepID
	Iteration kernel.IterationInfo

	SidequestUses map[kernel.SidequestID]int
	InjectUses    map[string]int
	StallWindow   []kernel.ForensicSummary
}

// RunStepResponse is everything the workflow function needs back from one
// step's execution to update its local bookkeeping and decide what to do
// next.
type RunStepResponse struct {
	Envelope kernel.HandoffEnvelope
	Forensic kernel.ForensicSummary
	Verdict  kernel.ForensicVerdict
	Outcome  kernel.RoutingOutcome

	// ChosenSidequest is set when the routing outcome chose a sidequest
	// detour candidate, so the workflow function can increment its local
	// use counter.
	ChosenSidequest kernel.SidequestID

	// ChosenInject is set when the routing outcome chose a utility-flow
	// injection candidate, so the workflow function can increment its local
	// use counter.
	ChosenInject string

	Committed    bool
	CommittedSeq int64
	CostUSD      float64
	BudgetAbort  bool
}

// Run is the engine.WorkflowFunc the orchestrator registers as WorkflowName.
// It must be deterministic: every side effect goes through wctx.ExecuteActivity.
func Run(wctx engine.WorkflowContext, rawInput any) (any, error) {
	input, ok := rawInput.(RunInput)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unexpected workflow input type %T", rawInput)
	}
	if input.StallWindow <= 0 {
		input.StallWindow = 3
	}
	if input.MaxSteps <= 0 {
		input.MaxSteps = 500
	}
	if input.MaxDetourDepth <= 0 {
		input.MaxDetourDepth = DefaultMaxDetourDepth
	}

	var state kernel.RunState
	if input.Resume != nil {
		state = input.Resume.Clone()
	} else {
		state = kernel.EmptyRunState(input.RunID, input.Flow)
		state.CurrentStep = input.EntryStep
		state.StartedAt = wctx.Now()
	}
	state.Status = kernel.StatusRunning

	uses := make(map[kernel.SidequestID]int)
	injectUses := make(map[string]int)
	windows := make(map[kernel.StepID][]kernel.ForensicSummary)
	iterations := make(map[kernel.StepID]int)

	// detourStack is the LIFO interruption stack (spec §4.9): each DETOUR or
	// INJECT_* decision pushes the step it interrupted, so the run returns
	// there when the detour/injection itself reaches a terminal decision
	// instead of ending the whole run. Local to this execution, like uses/
	// windows/iterations above: a resumed run starts with an empty stack.
	var detourStack []kernel.StepID

	log := wctx.Logger()

	if input.Resume == nil {
		appendRunEvent(wctx, log, input.RunID, input.Flow, kernel.EventRunStarted, nil, &state)
	}

	for steps := 0; steps < input.MaxSteps; steps++ {
		if sig, ok := receiveStop(wctx); ok {
			state.Status = kernel.StatusFailed
			state.FailureReason = "stopped_by_signal: " + sig
			break
		}

		stepID := state.CurrentStep
		if stepID == "" {
			break
		}
		iterations[stepID]++

		req := RunStepRequest{
			RunID:  input.RunID,
			Flow:   input.Flow,
			StepID: stepID,
			Iteration: kernel.IterationInfo{
				Current: iterations[stepID],
			},
			SidequestUses: cloneUses(uses),
			InjectUses:    cloneStringUses(injectUses),
			StallWindow:   windows[stepID],
		}

		var resp RunStepResponse
		err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: ActivityRunStep, Input: req}, &resp)
		if err != nil {
			state.Status = kernel.StatusFailed
			state.FailureReason = "run_step activity failed: " + err.Error()
			break
		}

		state.StepIndex++
		if resp.BudgetAbort {
			state.Status = kernel.StatusFailed
			state.FailureReason = "budget_exceeded"
			break
		}
		if resp.Committed {
			state.Completed[stepID] = struct{}{}
			state.EventSeq = resp.CommittedSeq + 1
		}
		if resp.ChosenSidequest != "" {
			uses[resp.ChosenSidequest]++
		}
		if resp.ChosenInject != "" {
			injectUses[resp.ChosenInject]++
		}

		window := append(append([]kernel.ForensicSummary(nil), windows[stepID]...), resp.Forensic)
		if len(window) > input.StallWindow {
			window = window[len(window)-input.StallWindow:]
		}
		windows[stepID] = window

		state.UpdatedAt = wctx.Now()

		switch resp.Outcome.Chosen.Action {
		case kernel.RoutingTerminate:
			if n := len(detourStack); n > 0 {
				// This terminal decision ends a detour/injection sub-step,
				// not the run itself: pop the interruption stack and return
				// to the step it interrupted (spec §4.9: "LIFO return to the
				// pre-detour step on completion").
				returnStep := detourStack[n-1]
				detourStack = detourStack[:n-1]
				state.CurrentStep = returnStep
			} else {
				state.Status = kernel.StatusCompleted
				state.CompletedAt = wctx.Now()
				state.CurrentStep = ""
			}
		case kernel.RoutingEscalate:
			state.Status = kernel.StatusPaused
			state.FailureReason = "escalated: " + resp.Outcome.Justification
			state.CurrentStep = stepID
		case kernel.RoutingLoop:
			state.CurrentStep = stepID
		case kernel.RoutingDetour, kernel.RoutingInjectFlow, kernel.RoutingInjectNodes:
			if len(detourStack) >= input.MaxDetourDepth {
				state.Status = kernel.StatusPaused
				state.FailureReason = fmt.Sprintf("escalated: interruption stack depth exceeded (max %d)", input.MaxDetourDepth)
				state.CurrentStep = stepID
				break
			}
			detourStack = append(detourStack, stepID)
			state.CurrentStep = resp.Outcome.Chosen.Target
			iterations[resp.Outcome.Chosen.Target] = 0
		case kernel.RoutingAdvance:
			state.CurrentStep = resp.Outcome.Chosen.Target
			iterations[resp.Outcome.Chosen.Target] = 0
		default:
			log.Warn(wctx.Context(), "orchestrator: unhandled routing action, pausing for review", "action", string(resp.Outcome.Chosen.Action))
			state.Status = kernel.StatusPaused
			state.FailureReason = "unhandled routing action: " + string(resp.Outcome.Chosen.Action)
		}

		if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: ActivityWriteState, Input: state}, nil); err != nil {
			log.Warn(wctx.Context(), "orchestrator: checkpoint write failed", "error", err.Error())
		}

		if state.Status != kernel.StatusRunning {
			break
		}
	}

	switch state.Status {
	case kernel.StatusCompleted:
		appendRunEvent(wctx, log, input.RunID, input.Flow, kernel.EventRunCompleted, nil, &state)
	case kernel.StatusFailed:
		payload, _ := json.Marshal(kernel.RunFailedPayload{Reason: state.FailureReason})
		kind := kernel.EventRunFailed
		if strings.HasPrefix(state.FailureReason, "stopped_by_signal") {
			kind = kernel.EventRunStopped
		}
		appendRunEvent(wctx, log, input.RunID, input.Flow, kind, payload, &state)
	}

	return state, nil
}

// WorkflowNameAutopilot is the name the autopilot workflow is registered
// under.
const WorkflowNameAutopilot = "kernel.run_autopilot"

// AutopilotInput starts a sequenced run across multiple flows (spec §4.9:
// "run_autopilot(flow_sequence) -> RunSummary"). Each flow in FlowSequence
// runs to a terminal decision before the next one starts.
type AutopilotInput struct {
	RunID        kernel.RunID
	FlowSequence []kernel.FlowKey

	StallWindow    int
	MaxSteps       int
	MaxDetourDepth int
}

// AutopilotSummary reports the outcome of every flow attempted and the
// sequence's overall terminal status: completed only if every flow
// completed, otherwise the status of the first flow that did not.
type AutopilotSummary struct {
	RunID   kernel.RunID        `json:"run_id"`
	Status  kernel.Status       `json:"status"`
	Results []kernel.RunSummary `json:"results"`
}

// RunAutopilot is the engine.WorkflowFunc the orchestrator registers as
// WorkflowNameAutopilot. It composes Run directly, flow by flow, rather than
// scheduling a child workflow per flow: Run already does nothing but
// schedule activities against the wctx it is given, so sequencing it in
// process keeps the whole sequence deterministic and replayable under the
// same rules as a single flow run.
//
// This is distinct from a RoutingInjectFlow decision mid-run, which pushes
// onto the same-flow interruption stack (detourStack above) and resumes the
// interrupting flow's own graph; run_autopilot instead switches the active
// flow graph entirely between whole runs.
func RunAutopilot(wctx engine.WorkflowContext, rawInput any) (any, error) {
	input, ok := rawInput.(AutopilotInput)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unexpected workflow input type %T", rawInput)
	}
	log := wctx.Logger()

	summary := AutopilotSummary{RunID: input.RunID, Status: kernel.StatusCompleted}

	for i, flow := range input.FlowSequence {
		subRunID := kernel.RunID(fmt.Sprintf("%s-%d-%s", input.RunID, i, flow))
		runInput := RunInput{
			RunID:          subRunID,
			Flow:           flow,
			StallWindow:    input.StallWindow,
			MaxSteps:       input.MaxSteps,
			MaxDetourDepth: input.MaxDetourDepth,
		}

		raw, err := Run(wctx, runInput)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: run_autopilot: flow %q: %w", flow, err)
		}
		state, ok := raw.(kernel.RunState)
		if !ok {
			return nil, fmt.Errorf("orchestrator: run_autopilot: flow %q returned unexpected result type %T", flow, raw)
		}

		summary.Results = append(summary.Results, state.Summarize())

		if state.Status != kernel.StatusCompleted {
			log.Warn(wctx.Context(), "orchestrator: autopilot sequence stopping short", "flow", string(flow), "status", string(state.Status))
			summary.Status = state.Status
			break
		}
	}

	return summary, nil
}

// appendRunEvent schedules the append_event activity for a run-level
// lifecycle event and folds the returned sequence number into state. Errors
// are logged, not fatal: the run's terminal status is already decided, and
// a lost lifecycle event does not corrupt step-level history.
func appendRunEvent(wctx engine.WorkflowContext, log telemetry.Logger, runID kernel.RunID, flow kernel.FlowKey, kind kernel.EventKind, payload []byte, state *kernel.RunState) {
	event := kernel.RunEvent{Kind: kind, Flow: flow, Timestamp: wctx.Now(), Payload: payload}
	var seq int64
	if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: ActivityAppendEvent, Input: AppendEventRequest{RunID: runID, Event: event}}, &seq); err != nil {
		log.Warn(wctx.Context(), "orchestrator: append run event failed", "kind", string(kind), "error", err.Error())
		return
	}
	state.EventSeq = seq + 1
}

// AppendEventRequest is the append_event activity's input.
type AppendEventRequest struct {
	RunID kernel.RunID
	Event kernel.RunEvent
}

func cloneUses(m map[kernel.SidequestID]int) map[kernel.SidequestID]int {
	out := make(map[kernel.SidequestID]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringUses(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// receiveStop drains a non-blocking "stop" signal, returning its payload
// string and whether one was present.
func receiveStop(wctx engine.WorkflowContext) (string, bool) {
	ch := wctx.SignalChannel("stop")
	var payload string
	if ch.ReceiveAsync(&payload) {
		return payload, true
	}
	return "", false
}

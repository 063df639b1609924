package fs

import (
	"path/filepath"

	"github.com/flowkernel/orchestrator/kernel"
)

// layout centralizes the run directory conventions of spec §6 so every
// accessor constructs paths the same way.
type layout struct {
	root string
}

func (l layout) runDir(runID kernel.RunID) string {
	return filepath.Join(l.root, string(runID))
}

func (l layout) stateFile(runID kernel.RunID) string {
	return filepath.Join(l.runDir(runID), "run_state.json")
}

func (l layout) eventsFile(runID kernel.RunID) string {
	return filepath.Join(l.runDir(runID), "events.jsonl")
}

func (l layout) costFile(runID kernel.RunID) string {
	return filepath.Join(l.runDir(runID), "cost.jsonl")
}

func (l layout) flowDir(runID kernel.RunID, flow kernel.FlowKey) string {
	return filepath.Join(l.runDir(runID), string(flow))
}

func (l layout) envelopeFile(runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID) string {
	return filepath.Join(l.flowDir(runID, flow), "handoffs", string(stepID)+".json")
}

func (l layout) receiptFile(runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, agentKey kernel.AgentKey) string {
	return filepath.Join(l.flowDir(runID, flow), "receipts", string(stepID)+"-"+string(agentKey)+".json")
}

func (l layout) routingDecisionsFile(runID kernel.RunID, flow kernel.FlowKey) string {
	return filepath.Join(l.flowDir(runID, flow), "routing", "decisions.jsonl")
}

func (l layout) routingInjectionFile(runID kernel.RunID, flow kernel.FlowKey, id string) string {
	return filepath.Join(l.flowDir(runID, flow), "routing", "injections", id+".json")
}

func (l layout) routingProposalFile(runID kernel.RunID, flow kernel.FlowKey, id string) string {
	return filepath.Join(l.flowDir(runID, flow), "routing", "proposals", id+".json")
}

func (l layout) forensicFile(runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, suffix string) string {
	return filepath.Join(l.flowDir(runID, flow), "forensics", string(stepID)+"-"+suffix+".json")
}

func (l layout) checkpointFile(runID kernel.RunID, checkpointID string) string {
	return filepath.Join(l.runDir(runID), "checkpoints", checkpointID+".json")
}

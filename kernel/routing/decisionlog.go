package routing

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

// DecisionLog persists a RoutingOutcome to <flow>/routing/decisions.jsonl
// (spec §6) through the storage port, independent of the cascade itself so
// the driver stays testable without a store.
type DecisionLog struct {
	store storage.Store
}

// NewDecisionLog builds a DecisionLog writing through store.
func NewDecisionLog(store storage.Store) *DecisionLog {
	return &DecisionLog{store: store}
}

// Record appends the audit entry derived from outcome.
func (l *DecisionLog) Record(ctx context.Context, runID kernel.RunID, flow kernel.FlowKey, stepID kernel.StepID, outcome kernel.RoutingOutcome) error {
	entry := kernel.NewRoutingDecisionLogEntry(runID, flow, stepID, outcome)
	return l.store.AppendRoutingDecision(ctx, runID, flow, entry)
}

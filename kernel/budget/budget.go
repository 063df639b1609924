// Package budget implements the per-run cost tracker (spec §4.11): a price
// table keyed by model tier, a cumulative ledger appended through the
// storage port, and the soft-warn/hard-abort cap check the orchestrator
// consults after every step.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage"
)

// Price is the per-million-token rate for one model tier.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PriceTable maps a model tier label (deployment-defined, e.g.
// "anthropic:claude-opus", "openai:gpt-5-mini") to its Price. The exact
// tiers and rates are configuration, not kernel logic (spec §8: "exact
// pricing table and model-tier policy are configuration").
type PriceTable map[string]Price

// Caps are the soft-warn and hard-abort thresholds for one run's cumulative
// cost (spec §4.9, §4.11).
type Caps struct {
	SoftWarnUSD  float64
	HardAbortUSD float64
}

// CapStatus is Tracker.CheckCaps's verdict.
type CapStatus struct {
	OK   bool
	Warn bool
	// Abort is true once cumulative cost has crossed HardAbortUSD; the
	// orchestrator must fail the run with reason "budget_exceeded" when this
	// is true (spec §4.9: "Budget fuse: hard abort at configured USD cap").
	Abort bool
	CumulativeUSD float64
}

// Tracker accumulates cost for one run and enforces its caps.
type Tracker struct {
	store storage.Store
	table PriceTable
	caps  Caps

	mu         sync.Mutex
	cumulative float64
}

// NewTracker builds a Tracker writing through store, pricing via table, and
// enforcing caps. startingCumulative seeds the ledger on resume, so a
// resumed run's cap check is correct without replaying cost.jsonl itself.
func NewTracker(store storage.Store, table PriceTable, caps Caps, startingCumulative float64) *Tracker {
	return &Tracker{store: store, table: table, caps: caps, cumulative: startingCumulative}
}

// Record computes cost for tokensIn/tokensOut at modelTier, appends it to
// the run's cost ledger, and updates the cumulative total (spec §4.11:
// "record(step_id, tokens_in, tokens_out, model_tier)").
func (t *Tracker) Record(ctx context.Context, runID kernel.RunID, stepID kernel.StepID, modelTier string, tokensIn, tokensOut int64) (storage.CostEntry, error) {
	price, ok := t.table[modelTier]
	if !ok {
		return storage.CostEntry{}, fmt.Errorf("budget: unknown model tier %q", modelTier)
	}
	cost := float64(tokensIn)/1_000_000*price.InputPerMillion + float64(tokensOut)/1_000_000*price.OutputPerMillion

	t.mu.Lock()
	t.cumulative += cost
	cumulative := t.cumulative
	t.mu.Unlock()

	entry := storage.CostEntry{
		StepID:        stepID,
		ModelTier:     modelTier,
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,
		CostUSD:       cost,
		CumulativeUSD: cumulative,
	}
	if err := t.store.AppendCost(ctx, runID, entry); err != nil {
		return entry, fmt.Errorf("budget: append cost entry: %w", err)
	}
	return entry, nil
}

// CheckCaps reports the current cumulative cost's standing against caps
// (spec §4.11: "check_caps() -> {ok, warn, abort}").
func (t *Tracker) CheckCaps() CapStatus {
	t.mu.Lock()
	cumulative := t.cumulative
	t.mu.Unlock()

	status := CapStatus{CumulativeUSD: cumulative}
	if t.caps.HardAbortUSD > 0 && cumulative >= t.caps.HardAbortUSD {
		status.Abort = true
		return status
	}
	status.OK = true
	if t.caps.SoftWarnUSD > 0 && cumulative >= t.caps.SoftWarnUSD {
		status.Warn = true
	}
	return status
}

// Cumulative returns the current cumulative cost without mutating anything.
func (t *Tracker) Cumulative() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulative
}

// DefaultPriceTable is a minimal starting table for the backends the kernel
// ships transports for; deployments are expected to override it via
// kernel/config (spec §8).
var DefaultPriceTable = PriceTable{
	"anthropic:default": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	"openai:default":    {InputPerMillion: 2.5, OutputPerMillion: 10.0},
	"bedrock:default":   {InputPerMillion: 3.0, OutputPerMillion: 15.0},
}

package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel/storage/inmem"
)

func TestRecord_AccumulatesCost(t *testing.T) {
	tr := NewTracker(inmem.New(), DefaultPriceTable, Caps{HardAbortUSD: 100}, 0)

	entry, err := tr.Record(context.Background(), "run1", "step1", "anthropic:default", 1_000_000, 1_000_000)

	require.NoError(t, err)
	assert.InDelta(t, 18.0, entry.CostUSD, 0.0001)
	assert.InDelta(t, 18.0, tr.Cumulative(), 0.0001)
}

func TestRecord_UnknownTierErrors(t *testing.T) {
	tr := NewTracker(inmem.New(), DefaultPriceTable, Caps{}, 0)
	_, err := tr.Record(context.Background(), "run1", "step1", "unknown", 100, 100)
	assert.Error(t, err)
}

func TestCheckCaps_AbortsOverHardCap(t *testing.T) {
	tr := NewTracker(inmem.New(), DefaultPriceTable, Caps{HardAbortUSD: 10}, 0)
	_, err := tr.Record(context.Background(), "run1", "step1", "anthropic:default", 4_000_000, 0)
	require.NoError(t, err)

	status := tr.CheckCaps()

	assert.True(t, status.Abort)
	assert.False(t, status.OK)
}

func TestCheckCaps_WarnsOverSoftCap(t *testing.T) {
	tr := NewTracker(inmem.New(), DefaultPriceTable, Caps{SoftWarnUSD: 5, HardAbortUSD: 100}, 0)
	_, err := tr.Record(context.Background(), "run1", "step1", "anthropic:default", 2_000_000, 0)
	require.NoError(t, err)

	status := tr.CheckCaps()

	assert.True(t, status.OK)
	assert.True(t, status.Warn)
}

func TestCheckCaps_SeedsFromStartingCumulative(t *testing.T) {
	tr := NewTracker(inmem.New(), DefaultPriceTable, Caps{HardAbortUSD: 10}, 9.5)
	status := tr.CheckCaps()
	assert.True(t, status.OK)
	assert.False(t, status.Warn)
}

package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/storage/inmem"
)

func TestDecisionLog_RecordWritesThroughStoreWithoutError(t *testing.T) {
	store := inmem.New()
	log := NewDecisionLog(store)

	outcome := kernel.RoutingOutcome{
		Chosen:    kernel.RoutingCandidate{Action: kernel.RoutingAdvance, Target: "b", Source: kernel.SourceGraphEdge},
		Tier:      kernel.TierFastPath,
		Timestamp: time.Now().UTC(),
	}

	err := log.Record(context.Background(), "run1", "flow1", "a", outcome)

	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Chosen.Target)
}

package subsumption

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// DefaultMicroloopBudget is the number of history messages the microloop
// strategy keeps (the first message plus the most recent ones) once a
// work-phase transcript grows longer than that.
const DefaultMicroloopBudget = 3

// microloop compensates for a missing CapHotContext by re-sending a
// compacted history once the work-phase transcript grows past a threshold,
// emulating a backend-held context window with repeated plain turns.
type microloop struct {
	transport.Session
	log    telemetry.Logger
	budget int
}

// NewMicroloop wraps sess so Work keeps the backend within its effective
// context window by compacting history after budget turns.
func NewMicroloop(sess transport.Session, log telemetry.Logger, budget int) transport.Session {
	if budget <= 0 {
		budget = DefaultMicroloopBudget
	}
	return &microloop{Session: sess, log: log, budget: budget}
}

func (s *microloop) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapHotContext)
}

func (s *microloop) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	if s.Session.Capabilities().Has(transport.CapHotContext) {
		return s.Session.Work(ctx, req)
	}
	if len(req.History) > s.budget {
		compacted := compactHistory(req.History, s.budget)
		s.log.Debug(ctx, "subsumption: microloop compacting history",
			"step_id", string(req.StepID), "original_turns", len(req.History), "compacted_turns", len(compacted))
		req.History = compacted
	}
	return s.Session.Work(ctx, req)
}

func (s *microloop) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

// compactHistory keeps the first message (carrying the original task framing)
// and the most recent keep-1 messages, dropping the middle of the
// conversation the way a bounded context window would evict it.
func compactHistory(history []transport.Message, keep int) []transport.Message {
	if keep < 1 {
		keep = 1
	}
	if len(history) <= keep {
		return history
	}
	out := make([]transport.Message, 0, keep+1)
	out = append(out, history[0])
	out = append(out, history[len(history)-keep+1:]...)
	return out
}

package subsumption

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// buffer compensates for a missing CapStreaming. The Session interface
// itself only exposes whole-turn Work/Finalize/Route calls, so a backend
// lacking native streaming already satisfies the contract; this strategy
// exists to make that explicit in the capability matrix and to give callers
// a single log line confirming no partial output will ever be observed for
// this step, rather than silently degrading.
type buffer struct {
	transport.Session
	log telemetry.Logger
}

// NewBuffer wraps sess to record that streaming output is being buffered
// into complete turns.
func NewBuffer(sess transport.Session, log telemetry.Logger) transport.Session {
	return &buffer{Session: sess, log: log}
}

func (s *buffer) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapStreaming)
}

func (s *buffer) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	s.log.Debug(ctx, "subsumption: buffering non-streaming backend turn", "step_id", string(req.StepID))
	return s.Session.Work(ctx, req)
}

func (s *buffer) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

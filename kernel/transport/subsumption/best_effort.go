package subsumption

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// bestEffort compensates for a missing CapNativeTools by degrading rather
// than failing: tool specs are dropped from the request (a backend with no
// native tool-call support would otherwise reject or ignore them
// unpredictably) and a warning is logged on every work turn that drops them so the step engine's
// forensic scan can account for the step having run without tool access.
type bestEffort struct {
	transport.Session
	log telemetry.Logger
}

// NewBestEffort wraps sess so steps requiring tools degrade to a plain
// text-only turn against a backend with no native tool-call support.
func NewBestEffort(sess transport.Session, log telemetry.Logger) transport.Session {
	return &bestEffort{Session: sess, log: log}
}

func (s *bestEffort) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapNativeTools)
}

func (s *bestEffort) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	if s.Session.Capabilities().Has(transport.CapNativeTools) || len(req.Tools) == 0 {
		return s.Session.Work(ctx, req)
	}
	s.log.Warn(ctx, "subsumption: best_effort strategy dropping tool specs, backend has no native tool support",
		"step_id", string(req.StepID), "tool_count", len(req.Tools))
	req.Tools = nil
	return s.Session.Work(ctx, req)
}

func (s *bestEffort) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

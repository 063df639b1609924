package subsumption

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// logging compensates for a missing CapHooks by emitting structured log
// records at the points a native hook dispatch would have fired (work turn
// issued, tool calls pending, finalize, route), so downstream observers that
// depend on hook events still get an equivalent signal via the log stream.
type logging struct {
	transport.Session
	log telemetry.Logger
}

// NewLogging wraps sess so each phase transition is recorded through log
// even though the backend cannot dispatch native hook events.
func NewLogging(sess transport.Session, log telemetry.Logger) transport.Session {
	return &logging{Session: sess, log: log}
}

func (s *logging) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapHooks)
}

func (s *logging) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	s.log.Debug(ctx, "subsumption: hook{work_started}", "step_id", string(req.StepID), "agent_key", string(req.AgentKey))
	resp, err := s.Session.Work(ctx, req)
	if err != nil {
		s.log.Debug(ctx, "subsumption: hook{work_failed}", "step_id", string(req.StepID), "error", err.Error())
		return resp, err
	}
	if len(resp.ToolsPending) > 0 {
		s.log.Debug(ctx, "subsumption: hook{tools_pending}", "step_id", string(req.StepID), "count", len(resp.ToolsPending))
	}
	s.log.Debug(ctx, "subsumption: hook{work_turn_complete}", "step_id", string(req.StepID), "stop_reason", string(resp.StopReason))
	return resp, nil
}

func (s *logging) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	s.log.Debug(ctx, "subsumption: hook{finalize_started}", "step_id", string(req.StepID))
	resp, err := s.Session.Finalize(ctx, req)
	if err != nil {
		s.log.Debug(ctx, "subsumption: hook{finalize_failed}", "step_id", string(req.StepID), "error", err.Error())
		return resp, err
	}
	s.log.Debug(ctx, "subsumption: hook{finalize_complete}", "step_id", string(req.StepID))
	return resp, nil
}

func (s *logging) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	s.log.Debug(ctx, "subsumption: hook{route_started}", "step_id", string(req.StepID), "candidate_count", len(req.Candidates))
	resp, err := s.Session.Route(ctx, req)
	if err != nil {
		s.log.Debug(ctx, "subsumption: hook{route_failed}", "step_id", string(req.StepID), "error", err.Error())
		return resp, err
	}
	s.log.Debug(ctx, "subsumption: hook{route_complete}", "step_id", string(req.StepID), "chosen", resp.ChosenCandidateID)
	return resp, nil
}

func (s *logging) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

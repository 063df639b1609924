package subsumption

import (
	"context"
	"time"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// DefaultInterruptPollInterval is how often the timeout strategy checks ctx
// for cancellation while a backend call without native interrupt support is
// in flight.
const DefaultInterruptPollInterval = 500 * time.Millisecond

// timeoutStrategy compensates for a missing CapInterrupts by racing each
// Work and Finalize call against ctx cancellation, polled at a fixed
// interval; Route calls pass straight through to the wrapped session. It
// cannot stop work already dispatched to the backend; it can only stop
// waiting for it and return ctx.Err() to the caller promptly so the step
// engine's own stop-signal handling is not blocked on a backend that never
// checks ctx internally.
type timeoutStrategy struct {
	transport.Session
	log  telemetry.Logger
	poll time.Duration
}

// NewTimeout wraps sess so the caller observes ctx cancellation within poll
// of it firing, even against a backend that ignores ctx mid-call.
func NewTimeout(sess transport.Session, log telemetry.Logger, poll time.Duration) transport.Session {
	if poll <= 0 {
		poll = DefaultInterruptPollInterval
	}
	return &timeoutStrategy{Session: sess, log: log, poll: poll}
}

func (s *timeoutStrategy) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapInterrupts)
}

func (s *timeoutStrategy) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	return raceWork(ctx, s.log, s.poll, func() (transport.WorkResponse, error) {
		return s.Session.Work(ctx, req)
	})
}

func (s *timeoutStrategy) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	type result struct {
		resp transport.FinalizeResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.Session.Finalize(ctx, req)
		done <- result{resp, err}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			s.log.Warn(ctx, "subsumption: timeout strategy observed ctx cancellation while backend call still in flight",
				"step_id", string(req.StepID))
			return transport.FinalizeResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *timeoutStrategy) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

func raceWork(ctx context.Context, log telemetry.Logger, poll time.Duration, call func() (transport.WorkResponse, error)) (transport.WorkResponse, error) {
	type result struct {
		resp transport.WorkResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := call()
		done <- result{resp, err}
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			log.Warn(ctx, "subsumption: timeout strategy observed ctx cancellation while backend call still in flight")
			return transport.WorkResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

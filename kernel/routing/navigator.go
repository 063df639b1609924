package routing

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// navigatorMaxAttempts bounds the retry spec §4.7 asks for on Tier-3
// transport errors ("exponential backoff up to three times") before the
// circuit breaker counts the call as one failure.
const navigatorMaxAttempts = 3

// tierNavigator implements Tier 3: an LLM-assisted choice among candidates,
// wrapped in a circuit breaker so a flapping backend degrades to Tier 4
// rather than stalling every step behind retries. The chosen candidate ID
// returned by the backend is validated against the candidate set before
// being trusted — the cascade's hard invariant (spec §4.7, §8) that the
// Navigator may only choose, never invent, a candidate.
func (d *Driver) tierNavigator(ctx context.Context, in Input, candidates []kernel.RoutingCandidate) (kernel.RoutingOutcome, bool) {
	if d.nav == nil || len(candidates) < 2 {
		return kernel.RoutingOutcome{}, false
	}

	req := transport.RouteRequest{
		RunID:      in.RunID,
		StepID:     in.StepID,
		Envelope:   in.Envelope,
		Candidates: candidates,
	}

	resp, err := d.callNavigator(ctx, req)
	if err != nil {
		d.log.Warn(ctx, "routing: navigator tier unavailable, deferring to envelope fallback",
			"run_id", string(in.RunID), "step_id", string(in.StepID), "error", err.Error())
		return kernel.RoutingOutcome{}, false
	}

	chosen, ok := findByID(candidates, resp.ChosenCandidateID)
	if !ok {
		d.log.Error(ctx, "routing: navigator chose a candidate id outside the candidate set, rejecting its decision",
			"run_id", string(in.RunID), "step_id", string(in.StepID), "chosen_id", resp.ChosenCandidateID)
		return kernel.RoutingOutcome{}, false
	}

	justification := resp.Reasoning
	if justification == "" {
		justification = "navigator tier selection"
	}
	confidence := kernel.ConfidenceMedium
	if d.mode == kernel.ModeAuthoritative {
		confidence = kernel.ConfidenceHigh
	}
	return d.outcome(in, chosen, kernel.TierNavigator, justification, confidence), true
}

func (d *Driver) callNavigator(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	call := func() (transport.RouteResponse, error) { return d.retryRoute(ctx, req) }
	if d.cb == nil {
		return call()
	}
	out, err := d.cb.Execute(func() (any, error) { return call() })
	if err != nil {
		return transport.RouteResponse{}, err
	}
	resp, ok := out.(transport.RouteResponse)
	if !ok {
		return transport.RouteResponse{}, fmt.Errorf("routing: navigator breaker returned unexpected type %T", out)
	}
	return resp, nil
}

// retryRoute retries a transient Navigator transport error with exponential
// backoff, up to navigatorMaxAttempts total attempts, before giving up and
// letting the breaker (if any) count it as one failure. This runs inside the
// breaker's guarded call, not around it: a backend that eventually succeeds
// after one or two retries never trips the circuit at all.
func (d *Driver) retryRoute(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), navigatorMaxAttempts-1), ctx)
	return backoff.RetryWithData(func() (transport.RouteResponse, error) {
		return d.nav.Route(ctx, req)
	}, bo)
}

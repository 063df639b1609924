// Package subsumption compensates for backend capabilities the transport
// layer's CapabilityMatrix reports as missing (spec §4.4). Each strategy
// wraps a transport.Session and emulates one capability using only the
// primitives every backend must support (plain text turns, tool calls).
package subsumption

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// Strategy names the compensation technique applied for one missing
// capability (spec §4.4's named strategies).
type Strategy string

const (
	StrategyBestEffort Strategy = "best_effort"
	StrategyMicroloop  Strategy = "microloop"
	StrategyInjection  Strategy = "injection"
	StrategyTimeout    Strategy = "timeout"
	StrategyBuffer     Strategy = "buffer"
	StrategyLogging    Strategy = "logging"
)

// defaultStrategy maps each capability to the strategy used when a backend
// does not implement it natively.
var defaultStrategy = map[transport.Capability]Strategy{
	transport.CapStructuredOutput: StrategyInjection,
	transport.CapHotContext:       StrategyMicroloop,
	transport.CapInterrupts:       StrategyTimeout,
	transport.CapHooks:            StrategyLogging,
	transport.CapStreaming:        StrategyBuffer,
	transport.CapNativeTools:      StrategyBestEffort,
}

// Wrap layers a compensating strategy around sess for every capability it
// does not natively support, returning a Session whose Capabilities() always
// reports every capability as available (natively or subsumed). log is handed
// to each applied strategy, which records its compensation activity there.
func Wrap(sess transport.Session, log telemetry.Logger) transport.Session {
	caps := sess.Capabilities()
	wrapped := sess

	if !caps.Has(transport.CapStructuredOutput) {
		wrapped = NewInjection(wrapped, log)
	}
	if !caps.Has(transport.CapHotContext) {
		wrapped = NewMicroloop(wrapped, log, DefaultMicroloopBudget)
	}
	if !caps.Has(transport.CapInterrupts) {
		wrapped = NewTimeout(wrapped, log, DefaultInterruptPollInterval)
	}
	if !caps.Has(transport.CapHooks) {
		wrapped = NewLogging(wrapped, log)
	}
	if !caps.Has(transport.CapStreaming) {
		wrapped = NewBuffer(wrapped, log)
	}
	if !caps.Has(transport.CapNativeTools) {
		wrapped = NewBestEffort(wrapped, log)
	}
	return wrapped
}

// subsumedMatrix returns a copy of base with granted forced true, used by
// strategy wrappers so callers no longer see the gap they compensate for.
func subsumedMatrix(base transport.CapabilityMatrix, granted transport.Capability) transport.CapabilityMatrix {
	out := make(transport.CapabilityMatrix, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[granted] = true
	return out
}

// passthroughClose closes the wrapped session; every strategy's Close
// delegates here since none hold resources of their own.
func passthroughClose(ctx context.Context, sess transport.Session) error {
	return sess.Close(ctx)
}

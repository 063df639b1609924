package kernel

import (
	"errors"
	"fmt"
)

// FaultKind is the closed enum of error categories the kernel aggregates
// when deciding propagation (spec §7). Aggregation rule when multiple errors
// coexist: fatal > permanent > retriable > transient.
type FaultKind string

const (
	// FaultTransient covers backend timeouts, 5xx, rate-limits, and single
	// fsync EIO: retried locally with backoff.
	FaultTransient FaultKind = "transient"
	// FaultPermanent covers invalid input, missing required artifacts, auth
	// failures, and exhausted structured-output microloops: the step fails
	// to UNVERIFIED/BLOCKED and routing decides.
	FaultPermanent FaultKind = "permanent"
	// FaultRetriable covers flaky reruns (tests, lint races): retried up to
	// three times with no backoff.
	FaultRetriable FaultKind = "retriable"
	// FaultFatal covers data corruption, secret exfiltration, budget
	// exceeded, and invariant violations: the run terminates immediately.
	FaultFatal FaultKind = "fatal"
)

// severityRank orders FaultKind for Aggregate's "fatal > permanent >
// retriable > transient" rule.
var severityRank = map[FaultKind]int{
	FaultFatal:     3,
	FaultPermanent: 2,
	FaultRetriable: 1,
	FaultTransient: 0,
}

// Fault is a kernel-classified error. Component errors that need retry/fail
// semantics should wrap a Fault via fmt.Errorf("...: %w", fault) so callers
// can recover it with AsFault.
type Fault struct {
	Kind    FaultKind
	Reason  string
	cause   error
}

// NewFault constructs a Fault of the given kind. cause may be nil.
func NewFault(kind FaultKind, reason string, cause error) *Fault {
	return &Fault{Kind: kind, Reason: reason, cause: cause}
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// Unwrap preserves the original error chain.
func (f *Fault) Unwrap() error { return f.cause }

// AsFault returns the first Fault in err's chain, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Aggregate reduces a set of errors to the single Fault with the highest
// severity (fatal > permanent > retriable > transient), per spec §7.
// Non-Fault errors are treated as FaultPermanent, since an unclassified
// error should not be silently retried forever. Aggregate returns nil for
// an empty or all-nil input.
func Aggregate(errs ...error) error {
	var worst *Fault
	for _, err := range errs {
		if err == nil {
			continue
		}
		f, ok := AsFault(err)
		if !ok {
			f = NewFault(FaultPermanent, "unclassified error", err)
		}
		if worst == nil || severityRank[f.Kind] > severityRank[worst.Kind] {
			worst = f
		}
	}
	if worst == nil {
		return nil
	}
	return worst
}

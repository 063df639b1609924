// Package transport defines the Transport Port (spec §4.3): the interface the
// step engine uses to drive one step's three phases — work, finalize, route —
// against a heterogeneous LM backend, plus the capability matrix backends
// advertise so the subsumption package can compensate for what a given
// backend cannot do natively.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowkernel/orchestrator/kernel"
)

type (
	// Part is a marker interface implemented by every message content block
	// exchanged with a backend: plain text, tool calls, tool results, and
	// backend-native "thinking" blocks.
	Part interface{ isPart() }

	// TextPart is a plain text content block.
	TextPart struct{ Text string }

	// ToolUsePart is a backend-issued tool invocation.
	ToolUsePart struct {
		ID    string
		Name  string
		Input map[string]any
	}

	// ToolResultPart carries the result of a tool invocation back to the
	// backend.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// ThinkingPart carries a backend's extended-thinking/reasoning block when
	// the backend exposes one. Not all backends emit this part.
	ThinkingPart struct {
		Text      string
		Signature string
	}

	// Role is the speaker of a Message.
	Role string

	// Message is one turn of a step's conversation with the backend.
	Message struct {
		Role  Role
		Parts []Part
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ThinkingPart) isPart()   {}

type (
	// Capability is a closed enum of backend feature points the subsumption
	// layer may need to compensate for (spec §4.4).
	Capability string

	// CapabilityMatrix declares which capabilities a backend implements
	// natively. A false value means the subsumption layer must apply a
	// compensating strategy rather than assume the behavior.
	CapabilityMatrix map[Capability]bool
)

const (
	CapStructuredOutput Capability = "structured_output"
	CapHotContext       Capability = "hot_context"
	CapInterrupts       Capability = "interrupts"
	CapHooks            Capability = "hooks"
	CapStreaming        Capability = "streaming"
	CapNativeTools      Capability = "native_tools"
)

// Has reports whether the matrix declares cap as natively supported.
func (m CapabilityMatrix) Has(cap Capability) bool { return m[cap] }

type (
	// WorkRequest starts or continues a step's work phase.
	WorkRequest struct {
		RunID    kernel.RunID
		Flow     kernel.FlowKey
		StepID   kernel.StepID
		AgentKey kernel.AgentKey

		SystemPrompt string
		History      []Message
		Tools        []ToolSpec

		// JSONSchema constrains the step's final structured output when the
		// backend supports CapStructuredOutput natively; subsumption
		// injects an equivalent instruction otherwise.
		JSONSchema map[string]any
	}

	// ToolSpec describes a tool the backend may invoke during the work
	// phase.
	ToolSpec struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// WorkResponse is one turn of backend output during the work phase.
	WorkResponse struct {
		Message      Message
		StopReason   StopReason
		Usage        Usage
		ToolsPending []ToolUsePart
	}

	// StopReason is why the backend stopped generating.
	StopReason string

	// Usage records token accounting for one backend turn.
	Usage struct {
		PromptTokens     int64
		CompletionTokens int64
	}

	// FinalizeRequest asks the backend to emit the step's structured
	// handoff envelope given the completed work-phase transcript.
	FinalizeRequest struct {
		RunID      kernel.RunID
		Flow       kernel.FlowKey
		StepID     kernel.StepID
		History    []Message
		JSONSchema map[string]any
	}

	// FinalizeResponse carries the raw structured output the backend
	// produced; the step engine unmarshals and validates it against
	// kernel.HandoffEnvelope separately.
	FinalizeResponse struct {
		RawJSON []byte
		Usage   Usage
	}

	// RouteRequest asks a Navigator-capable backend to choose among a
	// pre-generated candidate set (spec §4.7: the kernel invariant that the
	// Navigator may only choose, never invent, a candidate).
	RouteRequest struct {
		RunID      kernel.RunID
		Flow       kernel.FlowKey
		StepID     kernel.StepID
		Envelope   kernel.HandoffEnvelope
		Candidates []kernel.RoutingCandidate
	}

	// RouteResponse names the chosen candidate by ID.
	RouteResponse struct {
		ChosenCandidateID string
		Reasoning         string
		Usage             Usage
	}
)

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Session is one backend-held conversation spanning a step's work, finalize,
// and route phases (spec §4.3). The step engine opens exactly one Session per
// step and closes it once the step's route decision is recorded.
type Session interface {
	// Capabilities reports what this backend (or subsumption-wrapped
	// backend) natively implements.
	Capabilities() CapabilityMatrix

	// Work sends one work-phase turn and returns the backend's response.
	// The step engine calls Work repeatedly, appending tool results to
	// req.History, until StopReason is not StopReasonToolUse.
	Work(ctx context.Context, req WorkRequest) (WorkResponse, error)

	// Finalize asks the backend to emit the step's handoff envelope.
	Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error)

	// Route asks the backend to choose among req.Candidates. Only called
	// for steps routed through Tier 3 (Navigator) of the routing cascade.
	Route(ctx context.Context, req RouteRequest) (RouteResponse, error)

	// Close releases backend-side resources (an open hot-context window, a
	// streaming connection). Idempotent.
	Close(ctx context.Context) error
}

// Backend constructs Sessions for one LM provider. The step engine asks a
// Backend to Open a Session per step rather than holding a long-lived
// Session itself, so provider credentials/rate limits stay backend-local.
type Backend interface {
	Name() string
	Open(ctx context.Context, req WorkRequest) (Session, error)
}

// ErrorKind classifies a transport failure for retry and escalation
// decisions (spec §4.3, §7).
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// Error describes a failure returned by a backend, carrying enough structure
// for the fault classifier (kernel.FaultKind) and circuit breaker to make a
// decision without parsing provider-specific error strings.
type Error struct {
	Backend   string
	Operation string
	HTTP      int
	Kind      ErrorKind
	Code      string
	Message   string
	RequestID string
	Retryable bool
	cause     error
}

// NewError constructs a transport Error. backend and kind are required.
func NewError(backend, operation string, httpStatus int, kind ErrorKind, code, message, requestID string, retryable bool, cause error) *Error {
	if backend == "" {
		panic("transport: backend is required")
	}
	if kind == "" {
		panic("transport: error kind is required")
	}
	return &Error{
		Backend: backend, Operation: operation, HTTP: httpStatus, Kind: kind,
		Code: code, Message: message, RequestID: requestID, Retryable: retryable, cause: cause,
	}
}

func (e *Error) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "transport error"
	}
	if e.HTTP > 0 {
		return fmt.Sprintf("%s %s %d(%s): %s", e.Backend, e.Kind, e.HTTP, op, msg)
	}
	return fmt.Sprintf("%s %s(%s): %s", e.Backend, e.Kind, op, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first transport Error in err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

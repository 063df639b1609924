// Package engine defines the workflow engine abstraction the orchestrator
// drives a run through. Package inmem provides a single-process
// implementation; package temporal durably executes runs on a Temporal
// cluster. Neither the orchestrator nor the step engine depend on either
// adapter directly.
package engine

import (
	"context"
	"time"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so the run loop
	// can target Temporal or an in-memory engine without modification.
	Engine interface {
		// RegisterWorkflow registers the run workflow definition. Called once
		// during process startup before any run is started.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity (a step phase: work,
		// finalize, route, a forensic scan, a VCS operation). Must be called
		// during startup before StartWorkflow.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow starts a run's workflow execution. req.ID is the
		// run's RunID; it must be unique within the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds the run workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the run workflow entry point. It receives a
	// WorkflowContext and the run's start input, returning the run's final
	// state or an error. It must be deterministic: given the same input and
	// activity results it must produce the same sequence of engine calls, so
	// it must never read wall-clock time, randomness, or the filesystem
	// directly — those go through activities.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to the run workflow within
	// its deterministic execution environment.
	//
	// Thread-safety: bound to a single run execution, must not be shared
	// across goroutines. Lifecycle: valid from run start until the run
	// reaches a terminal status.
	WorkflowContext interface {
		// Context returns the Go context for the run. On Temporal this is a
		// replay-aware context; use it for activity execution and
		// cancellation propagation.
		Context() context.Context

		// WorkflowID returns the engine's identifier for this execution,
		// typically the RunID.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier used for
		// observability correlation. This is distinct from the kernel's own
		// RunID, which is carried in the workflow input.
		RunID() string

		// ExecuteActivity schedules an activity (a step phase) and blocks
		// for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future. Used to run a forensic scan concurrently with
		// the next phase's preparation.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for external signals (stop,
		// pause, resume, inject_flow) delivered to a running run.
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the current time in a deterministic, replay-safe
		// manner. Run code must call this instead of time.Now().
		Now() time.Time
	}

	// Future represents a pending activity result.
	//
	// Thread-safety: bound to a single run execution. Calling Get multiple
	// times is safe and returns the same result/error each time.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike the workflow
	// function, activities may perform side effects: LM transport calls,
	// filesystem writes, git operations.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a run's workflow
	// execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier; the orchestrator sets this to the
		// run's RunID.
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains the info needed to schedule an activity from
	// the run workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running run.
	WorkflowHandle interface {
		// Wait blocks until the run reaches a terminal status, populating
		// result with the run's final state.
		Wait(ctx context.Context, result any) error

		// Signal sends an asynchronous message to the run (e.g. "stop",
		// "pause").
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the run.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)

package step

import (
	"context"

	"github.com/flowkernel/orchestrator/kernel/transport"
)

// FuncToolExecutor adapts a plain function to ToolExecutor, the shape most
// deployments reach for when they only need to dispatch on tool name.
type FuncToolExecutor func(ctx context.Context, call transport.ToolUsePart) transport.ToolResultPart

func (f FuncToolExecutor) Execute(ctx context.Context, call transport.ToolUsePart) transport.ToolResultPart {
	return f(ctx, call)
}

// Registry dispatches tool calls by name to per-tool handlers, the pattern a
// deployment with more than a couple of tools typically wants over a single
// switch statement.
type Registry struct {
	handlers map[string]func(ctx context.Context, call transport.ToolUsePart) (any, error)
}

// NewRegistry builds an empty Registry. Register handlers with Handle.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]func(ctx context.Context, call transport.ToolUsePart) (any, error))}
}

// Handle registers fn as the handler for tool calls named name, returning
// the Registry for chaining.
func (r *Registry) Handle(name string, fn func(ctx context.Context, call transport.ToolUsePart) (any, error)) *Registry {
	r.handlers[name] = fn
	return r
}

// Execute implements ToolExecutor: an unregistered tool name or a handler
// error both surface as a ToolResultPart with IsError set, never a panic or
// a halted work phase, since an agent misnaming a tool is an expected
// failure mode, not a kernel fault.
func (r *Registry) Execute(ctx context.Context, call transport.ToolUsePart) transport.ToolResultPart {
	handler, ok := r.handlers[call.Name]
	if !ok {
		return transport.ToolResultPart{ToolUseID: call.ID, Content: "no handler registered for tool " + call.Name, IsError: true}
	}
	result, err := handler(ctx, call)
	if err != nil {
		return transport.ToolResultPart{ToolUseID: call.ID, Content: err.Error(), IsError: true}
	}
	return transport.ToolResultPart{ToolUseID: call.ID, Content: result}
}

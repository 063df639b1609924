// Package anthropic implements transport.Backend against the Anthropic
// Claude Messages API using github.com/anthropics/anthropic-sdk-go. It
// reports CapNativeTools natively. CapStructuredOutput is reported as
// missing, although buildParams forces a schema-shaped reply through a
// single-use tool whenever a JSON schema is given; structured output, hot
// context, interrupts, hooks, and streaming are left to the subsumption
// package.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowkernel/orchestrator/kernel/transport"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used here, so
	// tests can substitute a fake without a live API key.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Backend implements transport.Backend against Anthropic Claude.
	Backend struct {
		msg       MessagesClient
		model     string
		maxTokens int
	}

	session struct {
		backend *Backend
	}
)

var backendCapabilities = transport.CapabilityMatrix{
	transport.CapStructuredOutput: false, // Claude has no forced-JSON mode; subsumption injects a schema instruction
	transport.CapHotContext:       false,
	transport.CapInterrupts:       false,
	transport.CapHooks:            false,
	transport.CapStreaming:        false, // this adapter only drives the non-streaming Messages.New path
	transport.CapNativeTools:      true,
}

// New builds an Anthropic-backed transport.Backend. model is the Claude
// model identifier (e.g. a string(sdk.ModelClaudeSonnet4_5...) constant) and
// maxTokens bounds every completion issued through this backend.
func New(msg MessagesClient, model string, maxTokens int) (*Backend, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	return &Backend{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Backend using the default Anthropic HTTP
// client authenticated with apiKey, which must not be empty.
func NewFromAPIKey(apiKey, model string, maxTokens int) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model, maxTokens)
}

func (b *Backend) Name() string { return "anthropic" }

func (b *Backend) Open(ctx context.Context, req transport.WorkRequest) (transport.Session, error) {
	return &session{backend: b}, nil
}

func (s *session) Capabilities() transport.CapabilityMatrix { return backendCapabilities }

func (s *session) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	params, err := s.buildParams(req.SystemPrompt, req.History, req.Tools, req.JSONSchema)
	if err != nil {
		return transport.WorkResponse{}, err
	}
	msg, err := s.backend.msg.New(ctx, params)
	if err != nil {
		return transport.WorkResponse{}, translateError("work", err)
	}
	return translateWorkResponse(msg)
}

func (s *session) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	params, err := s.buildParams("", req.History, nil, req.JSONSchema)
	if err != nil {
		return transport.FinalizeResponse{}, err
	}
	msg, err := s.backend.msg.New(ctx, params)
	if err != nil {
		return transport.FinalizeResponse{}, translateError("finalize", err)
	}
	raw := extractText(msg)
	if raw == nil {
		return transport.FinalizeResponse{}, fmt.Errorf("anthropic: finalize turn produced no text content")
	}
	return transport.FinalizeResponse{RawJSON: raw, Usage: usageOf(msg)}, nil
}

func (s *session) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	schema, prompt := routeSchemaAndPrompt(req)
	history := []transport.Message{{Role: transport.RoleUser, Parts: []transport.Part{transport.TextPart{Text: prompt}}}}
	params, err := s.buildParams("", history, nil, schema)
	if err != nil {
		return transport.RouteResponse{}, err
	}
	msg, err := s.backend.msg.New(ctx, params)
	if err != nil {
		return transport.RouteResponse{}, translateError("route", err)
	}
	raw := extractText(msg)
	if raw == nil {
		return transport.RouteResponse{}, fmt.Errorf("anthropic: route turn produced no text content")
	}
	var decision struct {
		ChosenCandidateID string `json:"chosen_candidate_id"`
		Reasoning         string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &decision); err != nil {
		return transport.RouteResponse{}, fmt.Errorf("anthropic: decode route decision: %w", err)
	}
	return transport.RouteResponse{ChosenCandidateID: decision.ChosenCandidateID, Reasoning: decision.Reasoning, Usage: usageOf(msg)}, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

func (s *session) buildParams(system string, history []transport.Message, tools []transport.ToolSpec, schema map[string]any) (sdk.MessageNewParams, error) {
	msgs, err := encodeMessages(history)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.backend.model),
		MaxTokens: int64(s.backend.maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		sdkTools, err := encodeTools(tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = sdkTools
	}
	if len(schema) > 0 {
		// Anthropic has no forced-JSON response mode; encode the schema as a
		// single-use tool and force its invocation so the reply is structured.
		schemaTool, err := encodeSchemaAsTool(schema)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = append(params.Tools, schemaTool)
		params.ToolChoice = sdk.ToolChoiceParamOfTool("emit_structured_output")
	}
	return params, nil
}

func encodeMessages(history []transport.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case transport.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case transport.ToolUsePart:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case transport.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			case transport.ThinkingPart:
				// not re-encoded; backend-native thinking blocks are not replayed
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case transport.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case transport.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case transport.RoleSystem:
			// system content is carried via params.System, not the message list
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeToolResult(v transport.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(specs []transport.ToolSpec) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var m map[string]any
		if len(spec.InputSchema) > 0 {
			m = spec.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: m}, spec.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeSchemaAsTool(schema map[string]any) (sdk.ToolUnionParam, error) {
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, "emit_structured_output")
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Emit the required structured output for this turn.")
	}
	return u, nil
}

func extractText(msg *sdk.Message) []byte {
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			if data, err := json.Marshal(block.Input); err == nil {
				return data
			}
		}
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return []byte(block.Text)
		}
	}
	return nil
}

func translateWorkResponse(msg *sdk.Message) (transport.WorkResponse, error) {
	out := transport.WorkResponse{Usage: usageOf(msg)}
	var parts []transport.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, transport.TextPart{Text: block.Text})
			}
		case "tool_use":
			tu := transport.ToolUsePart{ID: block.ID, Name: block.Name}
			if m, ok := block.Input.(map[string]any); ok {
				tu.Input = m
			}
			parts = append(parts, tu)
			out.ToolsPending = append(out.ToolsPending, tu)
		}
	}
	out.Message = transport.Message{Role: transport.RoleAssistant, Parts: parts}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		out.StopReason = transport.StopReasonToolUse
	case sdk.StopReasonMaxTokens:
		out.StopReason = transport.StopReasonMaxTokens
	case sdk.StopReasonStopSequence:
		out.StopReason = transport.StopReasonStopSequence
	default:
		out.StopReason = transport.StopReasonEndTurn
	}
	return out, nil
}

func usageOf(msg *sdk.Message) transport.Usage {
	return transport.Usage{PromptTokens: msg.Usage.InputTokens, CompletionTokens: msg.Usage.OutputTokens}
}

func routeSchemaAndPrompt(req transport.RouteRequest) (map[string]any, string) {
	ids := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		ids = append(ids, c.ID)
	}
	schema := map[string]any{
		"type":                 "object",
		"required":             []string{"chosen_candidate_id", "reasoning"},
		"additionalProperties": false,
		"properties": map[string]any{
			"chosen_candidate_id": map[string]any{"type": "string", "enum": ids},
			"reasoning":           map[string]any{"type": "string"},
		},
	}
	prompt := fmt.Sprintf("Choose exactly one candidate id from %v for step %s based on the handoff envelope already in context.", ids, req.StepID)
	return schema, prompt
}

func translateError(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := transport.ErrorKindUnknown
		retryable := false
		switch apiErr.StatusCode {
		case 401, 403:
			kind = transport.ErrorKindAuth
		case 429:
			kind = transport.ErrorKindRateLimited
			retryable = true
		case 400, 404, 422:
			kind = transport.ErrorKindInvalidRequest
		case 500, 502, 503, 504:
			kind = transport.ErrorKindUnavailable
			retryable = true
		}
		return transport.NewError("anthropic", op, apiErr.StatusCode, kind, "", apiErr.Message, "", retryable, err)
	}
	return transport.NewError("anthropic", op, 0, transport.ErrorKindUnknown, "", err.Error(), "", false, err)
}

var _ transport.Backend = (*Backend)(nil)
var _ transport.Session = (*session)(nil)

// Package openai implements transport.Backend against the OpenAI Chat
// Completions API using github.com/openai/openai-go. It reports
// CapStructuredOutput natively via response_format json_schema; native tool
// calling is also supported. Hot context, interrupts, hooks, and streaming
// are left to the subsumption package.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/flowkernel/orchestrator/kernel/transport"
)

type (
	// ChatClient captures the subset of the openai-go client used here.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Backend implements transport.Backend against OpenAI Chat Completions.
	Backend struct {
		chat  ChatClient
		model string
	}

	session struct{ backend *Backend }
)

var backendCapabilities = transport.CapabilityMatrix{
	transport.CapStructuredOutput: true,
	transport.CapHotContext:       false,
	transport.CapInterrupts:       false,
	transport.CapHooks:            false,
	transport.CapStreaming:        false,
	transport.CapNativeTools:      true,
}

// New builds an OpenAI-backed transport.Backend.
func New(chat ChatClient, model string) (*Backend, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Backend{chat: chat, model: model}, nil
}

// NewFromAPIKey constructs a Backend using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, model string) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, model)
}

func (b *Backend) Name() string { return "openai" }

func (b *Backend) Open(ctx context.Context, req transport.WorkRequest) (transport.Session, error) {
	return &session{backend: b}, nil
}

func (s *session) Capabilities() transport.CapabilityMatrix { return backendCapabilities }

func (s *session) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	params, err := buildParams(s.backend.model, req.SystemPrompt, req.History, req.Tools, nil)
	if err != nil {
		return transport.WorkResponse{}, err
	}
	resp, err := s.backend.chat.New(ctx, params)
	if err != nil {
		return transport.WorkResponse{}, translateError("work", err)
	}
	return translateWorkResponse(resp)
}

func (s *session) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	params, err := buildParams(s.backend.model, "", req.History, nil, req.JSONSchema)
	if err != nil {
		return transport.FinalizeResponse{}, err
	}
	resp, err := s.backend.chat.New(ctx, params)
	if err != nil {
		return transport.FinalizeResponse{}, translateError("finalize", err)
	}
	if len(resp.Choices) == 0 {
		return transport.FinalizeResponse{}, fmt.Errorf("openai: finalize turn produced no choices")
	}
	return transport.FinalizeResponse{RawJSON: []byte(resp.Choices[0].Message.Content), Usage: usageOf(resp)}, nil
}

func (s *session) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	schema, prompt := routeSchemaAndPrompt(req)
	history := []transport.Message{{Role: transport.RoleUser, Parts: []transport.Part{transport.TextPart{Text: prompt}}}}
	params, err := buildParams(s.backend.model, "", history, nil, schema)
	if err != nil {
		return transport.RouteResponse{}, err
	}
	resp, err := s.backend.chat.New(ctx, params)
	if err != nil {
		return transport.RouteResponse{}, translateError("route", err)
	}
	if len(resp.Choices) == 0 {
		return transport.RouteResponse{}, fmt.Errorf("openai: route turn produced no choices")
	}
	var decision struct {
		ChosenCandidateID string `json:"chosen_candidate_id"`
		Reasoning         string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &decision); err != nil {
		return transport.RouteResponse{}, fmt.Errorf("openai: decode route decision: %w", err)
	}
	return transport.RouteResponse{ChosenCandidateID: decision.ChosenCandidateID, Reasoning: decision.Reasoning, Usage: usageOf(resp)}, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

func buildParams(model, system string, history []transport.Message, tools []transport.ToolSpec, schema map[string]any) (sdk.ChatCompletionNewParams, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, sdk.SystemMessage(system))
	}
	for _, m := range history {
		text := textOf(m)
		switch m.Role {
		case transport.RoleUser:
			msgs = append(msgs, sdk.UserMessage(text))
		case transport.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(text))
		case transport.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(text))
		default:
			return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	params := sdk.ChatCompletionNewParams{Model: model, Messages: msgs}
	if len(tools) > 0 {
		params.Tools = encodeTools(tools)
	}
	if len(schema) > 0 {
		data, err := json.Marshal(schema)
		if err != nil {
			return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: marshal schema: %w", err)
		}
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_output",
					Schema: json.RawMessage(data),
					Strict: sdk.Bool(true),
				},
			},
		}
	}
	return params, nil
}

func textOf(m transport.Message) string {
	for _, part := range m.Parts {
		if t, ok := part.(transport.TextPart); ok {
			return t.Text
		}
	}
	return ""
}

func encodeTools(specs []transport.ToolSpec) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: sdk.String(spec.Description),
				Parameters:  shared.FunctionParameters(spec.InputSchema),
			},
		})
	}
	return out
}

func translateWorkResponse(resp *sdk.ChatCompletion) (transport.WorkResponse, error) {
	if len(resp.Choices) == 0 {
		return transport.WorkResponse{}, fmt.Errorf("openai: work turn produced no choices")
	}
	choice := resp.Choices[0]
	var parts []transport.Part
	if choice.Message.Content != "" {
		parts = append(parts, transport.TextPart{Text: choice.Message.Content})
	}
	var pending []transport.ToolUsePart
	for _, call := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		tu := transport.ToolUsePart{ID: call.ID, Name: call.Function.Name, Input: input}
		parts = append(parts, tu)
		pending = append(pending, tu)
	}
	out := transport.WorkResponse{
		Message:      transport.Message{Role: transport.RoleAssistant, Parts: parts},
		Usage:        usageOf(resp),
		ToolsPending: pending,
	}
	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = transport.StopReasonToolUse
	case "length":
		out.StopReason = transport.StopReasonMaxTokens
	case "stop":
		out.StopReason = transport.StopReasonEndTurn
	default:
		out.StopReason = transport.StopReasonEndTurn
	}
	return out, nil
}

func usageOf(resp *sdk.ChatCompletion) transport.Usage {
	return transport.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
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
		return transport.NewError("openai", op, apiErr.StatusCode, kind, "", apiErr.Message, apiErr.RequestID, retryable, err)
	}
	return transport.NewError("openai", op, 0, transport.ErrorKindUnknown, "", err.Error(), "", false, err)
}

var _ transport.Backend = (*Backend)(nil)
var _ transport.Session = (*session)(nil)

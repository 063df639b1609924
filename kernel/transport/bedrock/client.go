// Package bedrock implements transport.Backend against the AWS Bedrock
// Converse API using github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
// Structured output is subsumed by injection; tool calling is native.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flowkernel/orchestrator/kernel/transport"
)

type (
	// RuntimeClient mirrors the subset of *bedrockruntime.Client used here.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Backend implements transport.Backend against AWS Bedrock Converse.
	Backend struct {
		runtime   RuntimeClient
		model     string
		maxTokens int
	}

	session struct{ backend *Backend }
)

var backendCapabilities = transport.CapabilityMatrix{
	transport.CapStructuredOutput: false,
	transport.CapHotContext:       false,
	transport.CapInterrupts:       false,
	transport.CapHooks:            false,
	transport.CapStreaming:        false,
	transport.CapNativeTools:      true,
}

// New builds a Bedrock-backed transport.Backend for the given Converse model
// identifier (an inference profile ARN or model ID).
func New(runtime RuntimeClient, model string, maxTokens int) (*Backend, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	return &Backend{runtime: runtime, model: model, maxTokens: maxTokens}, nil
}

func (b *Backend) Name() string { return "bedrock" }

func (b *Backend) Open(ctx context.Context, req transport.WorkRequest) (transport.Session, error) {
	return &session{backend: b}, nil
}

func (s *session) Capabilities() transport.CapabilityMatrix { return backendCapabilities }

func (s *session) Work(ctx context.Context, req transport.WorkRequest) (transport.WorkResponse, error) {
	input, err := s.buildInput(req.SystemPrompt, req.History, req.Tools)
	if err != nil {
		return transport.WorkResponse{}, err
	}
	out, err := s.backend.runtime.Converse(ctx, input)
	if err != nil {
		return transport.WorkResponse{}, translateError("work", err)
	}
	return translateWorkResponse(out)
}

func (s *session) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	input, err := s.buildInput("", req.History, nil)
	if err != nil {
		return transport.FinalizeResponse{}, err
	}
	out, err := s.backend.runtime.Converse(ctx, input)
	if err != nil {
		return transport.FinalizeResponse{}, translateError("finalize", err)
	}
	text := extractText(out)
	if text == nil {
		return transport.FinalizeResponse{}, fmt.Errorf("bedrock: finalize turn produced no text content")
	}
	return transport.FinalizeResponse{RawJSON: text, Usage: usageOf(out)}, nil
}

func (s *session) Route(ctx context.Context, req transport.RouteRequest) (transport.RouteResponse, error) {
	_, prompt := routePrompt(req)
	history := []transport.Message{{Role: transport.RoleUser, Parts: []transport.Part{transport.TextPart{Text: prompt}}}}
	input, err := s.buildInput("", history, nil)
	if err != nil {
		return transport.RouteResponse{}, err
	}
	out, err := s.backend.runtime.Converse(ctx, input)
	if err != nil {
		return transport.RouteResponse{}, translateError("route", err)
	}
	text := extractText(out)
	if text == nil {
		return transport.RouteResponse{}, fmt.Errorf("bedrock: route turn produced no text content")
	}
	var decision struct {
		ChosenCandidateID string `json:"chosen_candidate_id"`
		Reasoning         string `json:"reasoning"`
	}
	if err := json.Unmarshal(text, &decision); err != nil {
		return transport.RouteResponse{}, fmt.Errorf("bedrock: decode route decision: %w", err)
	}
	return transport.RouteResponse{ChosenCandidateID: decision.ChosenCandidateID, Reasoning: decision.Reasoning, Usage: usageOf(out)}, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

func (s *session) buildInput(system string, history []transport.Message, tools []transport.ToolSpec) (*bedrockruntime.ConverseInput, error) {
	msgs, sysBlocks, err := encodeMessages(history, system)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(s.backend.model),
		Messages: msgs,
		System:   sysBlocks,
	}
	if s.backend.maxTokens > 0 {
		//nolint:gosec // bounded by config validation
		maxTokens := int32(s.backend.maxTokens)
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(maxTokens)}
	}
	if len(tools) > 0 {
		cfg, err := encodeTools(tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = cfg
	}
	return input, nil
}

func encodeMessages(history []transport.Message, system string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var sysBlocks []brtypes.SystemContentBlock
	if system != "" {
		sysBlocks = append(sysBlocks, &brtypes.SystemContentBlockMemberText{Value: system})
	}

	conversation := make([]brtypes.Message, 0, len(history))
	for _, m := range history {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case transport.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case transport.ToolUsePart:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(v.Name),
					Input:     lazyDocument(v.Input),
				}})
			case transport.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			case transport.ThinkingPart:
				// Bedrock reasoning blocks are provider-specific and are not
				// replayed back into the conversation here.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case transport.RoleUser:
			role = brtypes.ConversationRoleUser
		case transport.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		case transport.RoleSystem:
			sysBlocks = append(sysBlocks, &brtypes.SystemContentBlockMemberText{Value: textOf(m)})
			continue
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, sysBlocks, nil
}

func encodeToolResult(v transport.ToolResultPart) brtypes.ContentBlock {
	tr := brtypes.ToolResultBlock{ToolUseId: aws.String(v.ToolUseID)}
	if v.IsError {
		tr.Status = brtypes.ToolResultStatusError
	}
	switch c := v.Content.(type) {
	case string:
		tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: c}}
	default:
		tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(c)}}
	}
	return &brtypes.ContentBlockMemberToolResult{Value: tr}
}

func encodeTools(specs []transport.ToolSpec) (*brtypes.ToolConfiguration, error) {
	toolList := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(spec.Name),
			Description: aws.String(spec.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(spec.InputSchema)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func textOf(m transport.Message) string {
	for _, part := range m.Parts {
		if t, ok := part.(transport.TextPart); ok {
			return t.Text
		}
	}
	return ""
}

func extractText(out *bedrockruntime.ConverseOutput) []byte {
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil
	}
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok && tb.Value != "" {
			return []byte(tb.Value)
		}
	}
	return nil
}

func translateWorkResponse(out *bedrockruntime.ConverseOutput) (transport.WorkResponse, error) {
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return transport.WorkResponse{}, fmt.Errorf("bedrock: converse output did not contain a message")
	}
	var parts []transport.Part
	var pending []transport.ToolUsePart
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value != "" {
				parts = append(parts, transport.TextPart{Text: b.Value})
			}
		case *brtypes.ContentBlockMemberToolUse:
			var input map[string]any
			if b.Value.Input != nil {
				_ = b.Value.Input.UnmarshalSmithyDocument(&input)
			}
			tu := transport.ToolUsePart{ID: aws.ToString(b.Value.ToolUseId), Name: aws.ToString(b.Value.Name), Input: input}
			parts = append(parts, tu)
			pending = append(pending, tu)
		}
	}
	result := transport.WorkResponse{
		Message:      transport.Message{Role: transport.RoleAssistant, Parts: parts},
		Usage:        usageOf(out),
		ToolsPending: pending,
	}
	switch out.StopReason {
	case brtypes.StopReasonToolUse:
		result.StopReason = transport.StopReasonToolUse
	case brtypes.StopReasonMaxTokens:
		result.StopReason = transport.StopReasonMaxTokens
	case brtypes.StopReasonStopSequence:
		result.StopReason = transport.StopReasonStopSequence
	default:
		result.StopReason = transport.StopReasonEndTurn
	}
	return result, nil
}

func usageOf(out *bedrockruntime.ConverseOutput) transport.Usage {
	if out.Usage == nil {
		return transport.Usage{}
	}
	return transport.Usage{PromptTokens: int64(aws.ToInt32(out.Usage.InputTokens)), CompletionTokens: int64(aws.ToInt32(out.Usage.OutputTokens))}
}

func routePrompt(req transport.RouteRequest) ([]string, string) {
	ids := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		ids = append(ids, c.ID)
	}
	prompt := fmt.Sprintf(
		"Choose exactly one candidate id from %v for step %s based on the handoff envelope already in context. "+
			"Respond with only a JSON object: {\"chosen_candidate_id\": \"...\", \"reasoning\": \"...\"}.", ids, req.StepID)
	return ids, prompt
}

// isRateLimited reports whether err represents a Bedrock throttling response,
// surfaced either as a smithy API error code or an HTTP 429 status.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}

func translateError(op string, err error) error {
	kind := transport.ErrorKindUnknown
	httpStatus := 0
	code := ""
	retryable := isRateLimited(err)
	if retryable {
		kind = transport.ErrorKindRateLimited
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		httpStatus = respErr.HTTPStatusCode()
		if !retryable {
			switch {
			case httpStatus == 401 || httpStatus == 403:
				kind = transport.ErrorKindAuth
			case httpStatus >= 500:
				kind = transport.ErrorKindUnavailable
				retryable = true
			case httpStatus >= 400:
				kind = transport.ErrorKindInvalidRequest
			}
		}
	}
	return transport.NewError("bedrock", op, httpStatus, kind, code, err.Error(), "", retryable, err)
}

var _ transport.Backend = (*Backend)(nil)
var _ transport.Session = (*session)(nil)

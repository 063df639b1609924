// Package step implements the step engine (spec §4.8): preflight, context
// hydration, opening a transport session, the three-phase lifecycle
// (work -> finalize -> route preparation), forensic scanning, claim
// comparison, atomic commit, and cost tracking for one step's execution.
//
// The routing decision itself belongs to kernel/routing; the step engine's
// job ends once it has produced an envelope, a forensic verdict, and (for
// steps the cascade routes through Tier 3) a still-open Session the
// orchestrator can hand to the routing driver's Navigator before closing it.
package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/budget"
	"github.com/flowkernel/orchestrator/kernel/forensic"
	"github.com/flowkernel/orchestrator/kernel/schema"
	"github.com/flowkernel/orchestrator/kernel/storage"
	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// ToolExecutor resolves a backend-issued tool call during the work phase.
// The kernel is agent-agnostic about what tools exist (spec §1 non-goals);
// a deployment supplies the concrete executor.
type ToolExecutor interface {
	Execute(ctx context.Context, call transport.ToolUsePart) transport.ToolResultPart
}

// GitDiff is the subset of vcs.Adapter the step engine needs to drive a
// forensic scan, narrowed to avoid a hard dependency on the vcs package from
// every step engine test.
type GitDiff interface {
	NumstatAgainst(ctx context.Context, baseSHA string) (string, error)
	StatusPorcelain(ctx context.Context) (string, error)
}

// TestOutputSource supplies the raw test output the TestParser measures, if
// the step's agent reported running tests as part of its evidence. Returns
// ("", false, nil) when no test output is available for this step.
type TestOutputSource interface {
	TestOutput(ctx context.Context, envelope kernel.HandoffEnvelope) (raw string, ok bool, err error)
}

// Deps bundles the collaborators one Engine needs. Tools, Policy, and Budget
// have zero-value-safe defaults; a nil EnvelopeSchema skips envelope
// validation, a nil DiffScanner is replaced by one built over Input.Git, and
// a nil TestParser skips test-output parsing.
type Deps struct {
	Store       storage.Store
	Log         telemetry.Logger
	EnvelopeSchema *schema.Validator

	DiffScanner *forensic.DiffScanner
	TestParser  *forensic.TestParser
	Comparator  *forensic.Comparator

	Tools  ToolExecutor
	Policy DangerousOpPolicy
	Budget *budget.Tracker

	// MaxWorkTurns bounds the work-phase tool-call loop so a misbehaving
	// backend cannot spin forever issuing tool calls. Zero means
	// DefaultMaxWorkTurns.
	MaxWorkTurns int
}

// DefaultMaxWorkTurns bounds Engine.Execute's work-phase loop.
const DefaultMaxWorkTurns = 25

// Engine drives one step's three-phase lifecycle.
type Engine struct {
	deps Deps
}

// New builds an Engine from deps, filling zero-valued optional fields with
// their defaults.
func New(deps Deps) *Engine {
	if deps.MaxWorkTurns == 0 {
		deps.MaxWorkTurns = DefaultMaxWorkTurns
	}
	if deps.Tools == nil {
		deps.Tools = NoopToolExecutor{}
	}
	return &Engine{deps: deps}
}

// Input is everything Execute needs for one step.
type Input struct {
	RunID    kernel.RunID
	Flow     kernel.FlowKey
	StepID   kernel.StepID
	AgentKey kernel.AgentKey

	Backend  transport.Backend
	ModelTier string

	SystemPrompt string
	Context      kernel.ContextPack
	MaxContextChars int

	PreflightChecks []PreflightCheck

	// BaseSHA is the VCS revision the step's shadow branch forked from,
	// used as the forensic diff baseline.
	BaseSHA string
	Git     GitDiff
	TestOutput TestOutputSource

	// Previous is the prior iteration's forensic summary, when this step is
	// a microloop iteration beyond the first.
	Previous *kernel.ForensicSummary
}

// Result is the outcome of one step's execution.
type Result struct {
	Envelope kernel.HandoffEnvelope
	Forensic kernel.ForensicSummary
	Verdict  kernel.ForensicVerdict
	Receipt  kernel.Receipt

	// Session is left open only when the step completed successfully and
	// the caller may still need it for a Tier 3 routing call; the
	// orchestrator is responsible for closing it via CloseSession.
	Session transport.Session

	// Blocked is true when preflight failed and no backend call was made.
	Blocked           bool
	PreflightFailures []string
}

// CloseSession closes res.Session if non-nil, logging (not failing) on
// error since a close failure after a committed step should not itself
// fail the step.
func (e *Engine) CloseSession(ctx context.Context, res Result) {
	if res.Session == nil {
		return
	}
	if err := res.Session.Close(ctx); err != nil {
		e.deps.Log.Warn(ctx, "step: session close failed", "run_id", string(res.Envelope.Meta.RunID), "error", err.Error())
	}
}

// Execute runs one step up to its commit: preflight, hydrate, open session,
// work, finalize, forensic scan, compare, track cost. Persisting the envelope
// and its step_completed event is the separate Commit method.
func (e *Engine) Execute(ctx context.Context, in Input) (Result, error) {
	start := time.Now().UTC()

	if failures := RunPreflight(ctx, in.PreflightChecks); len(failures) > 0 {
		envelope := blockedEnvelope(in, start, "preflight failed")
		return Result{Envelope: envelope, Blocked: true, PreflightFailures: failures}, nil
	}

	kept, dropped := kernel.Hydrate(in.Context.Items, in.MaxContextChars)
	in.Context.Items = kept
	in.Context.Dropped = dropped

	workReq := transport.WorkRequest{
		RunID: in.RunID, Flow: in.Flow, StepID: in.StepID, AgentKey: in.AgentKey,
		SystemPrompt: in.SystemPrompt,
		History:      []transport.Message{{Role: transport.RoleUser, Parts: []transport.Part{transport.TextPart{Text: renderContext(in.Context)}}}},
	}

	sess, err := in.Backend.Open(ctx, workReq)
	if err != nil {
		return Result{}, fmt.Errorf("step: open session: %w", classifyTransportErr(err))
	}

	workResp, toolCalls, err := e.runWorkPhase(ctx, sess, workReq)
	if err != nil {
		_ = sess.Close(ctx)
		return Result{}, fmt.Errorf("step: work phase: %w", classifyTransportErr(err))
	}

	// Post-hoc sweep: catches tool calls a hookless backend executed itself
	// without ever surfacing a ToolUsePart for pre-execution Check.
	if !sess.Capabilities().Has(transport.CapHooks) {
		if concerns := e.deps.Policy.ScanToolCalls(toolCalls); len(concerns) > 0 {
			_ = sess.Close(ctx)
			return Result{}, fmt.Errorf("step: %w", kernel.NewFault(kernel.FaultFatal, concerns[0].Description, nil))
		}
	}

	schemaMap, _ := envelopeSchemaAsMap()
	finalizeResp, err := sess.Finalize(ctx, transport.FinalizeRequest{
		RunID: in.RunID, Flow: in.Flow, StepID: in.StepID,
		History:    append(workReq.History, workResp.Message),
		JSONSchema: schemaMap,
	})
	if err != nil {
		_ = sess.Close(ctx)
		return Result{}, fmt.Errorf("step: finalize phase: %w", classifyTransportErr(err))
	}

	envelope, err := e.decodeEnvelope(finalizeResp.RawJSON, in, start)
	if err != nil {
		_ = sess.Close(ctx)
		return Result{}, fmt.Errorf("step: decode envelope: %w", err)
	}

	summary := e.scanForensics(ctx, in, envelope)
	verdict := e.deps.Comparator.Compare(envelope, summary, in.Previous)
	if verdict.Recommendation == kernel.RecommendationReject {
		envelope.Status = kernel.EnvelopeBlocked
	}

	receipt := kernel.Receipt{
		StepID: in.StepID, Flow: in.Flow, RunID: in.RunID, AgentKey: in.AgentKey,
		StartedAt: start, CompletedAt: time.Now().UTC(), Status: envelope.Status,
		Tokens: kernel.TokenCounts{
			Prompt:     workResp.Usage.PromptTokens + finalizeResp.Usage.PromptTokens,
			Completion: workResp.Usage.CompletionTokens + finalizeResp.Usage.CompletionTokens,
			Total:      workResp.Usage.PromptTokens + workResp.Usage.CompletionTokens + finalizeResp.Usage.PromptTokens + finalizeResp.Usage.CompletionTokens,
		},
		ToolCalls: toolCalls,
	}
	receipt.DurationMS = receipt.CompletedAt.Sub(receipt.StartedAt).Milliseconds()

	if e.deps.Budget != nil {
		if _, err := e.deps.Budget.Record(ctx, in.RunID, in.StepID, in.ModelTier, receipt.Tokens.Prompt, receipt.Tokens.Completion); err != nil {
			e.deps.Log.Warn(ctx, "step: cost recording failed", "step_id", string(in.StepID), "error", err.Error())
		}
		receipt.CostUSD = e.deps.Budget.Cumulative()
	}

	return Result{Envelope: envelope, Forensic: summary, Verdict: verdict, Receipt: receipt, Session: sess}, nil
}

// Commit persists the envelope and emits the step_completed event
// atomically (spec §4.1: "neither without the other").
func (e *Engine) Commit(ctx context.Context, in Input, res Result) (int64, error) {
	payload, err := json.Marshal(kernel.StepCompletedPayload{EnvelopeStatus: res.Envelope.Status})
	if err != nil {
		return 0, fmt.Errorf("step: marshal step_completed payload: %w", err)
	}
	event := kernel.RunEvent{
		Kind: kernel.EventStepCompleted, Flow: in.Flow, StepID: in.StepID, AgentKey: in.AgentKey,
		Timestamp: time.Now().UTC(), Payload: payload,
	}
	seq, err := e.deps.Store.CommitStepCompletion(ctx, in.RunID, in.Flow, in.StepID, res.Envelope, event)
	if err != nil {
		return 0, fmt.Errorf("step: commit step completion: %w", err)
	}
	return seq, nil
}

func (e *Engine) runWorkPhase(ctx context.Context, sess transport.Session, req transport.WorkRequest) (transport.WorkResponse, []kernel.ToolCallRecord, error) {
	var calls []kernel.ToolCallRecord
	for turn := 0; turn < e.deps.MaxWorkTurns; turn++ {
		turnStart := time.Now()
		resp, err := sess.Work(ctx, req)
		if err != nil {
			return transport.WorkResponse{}, calls, err
		}
		if resp.StopReason != transport.StopReasonToolUse || len(resp.ToolsPending) == 0 {
			return resp, calls, nil
		}
		req.History = append(req.History, resp.Message)
		var results []transport.Part
		for _, call := range resp.ToolsPending {
			record := kernel.ToolCallRecord{Name: call.Name, Input: toolInputJSON(call), DurationMS: time.Since(turnStart).Milliseconds()}
			if pattern, found := e.deps.Policy.Check(call); found {
				e.deps.Log.Error(ctx, "step: dangerous operation blocked pre-execution", "tool", call.Name, "pattern", pattern)
				record.Succeeded = false
				record.Output = "blocked: " + pattern
				calls = append(calls, record)
				results = append(results, transport.ToolResultPart{ToolUseID: call.ID, Content: "blocked by dangerous operation policy: " + pattern, IsError: true})
				continue
			}
			result := e.deps.Tools.Execute(ctx, call)
			record.Succeeded = !result.IsError
			record.Output = fmt.Sprint(result.Content)
			calls = append(calls, record)
			results = append(results, result)
		}
		req.History = append(req.History, transport.Message{Role: transport.RoleUser, Parts: results})
	}
	return transport.WorkResponse{}, calls, fmt.Errorf("step: exceeded max work turns (%d) without a non-tool-use stop", e.deps.MaxWorkTurns)
}

func toolInputJSON(call transport.ToolUsePart) string {
	raw, err := json.Marshal(call.Input)
	if err != nil {
		return fmt.Sprintf("<unmarshalable input: %v>", err)
	}
	return string(raw)
}

func (e *Engine) decodeEnvelope(raw []byte, in Input, start time.Time) (kernel.HandoffEnvelope, error) {
	if e.deps.EnvelopeSchema != nil {
		if err := e.deps.EnvelopeSchema.ValidateJSON(raw); err != nil {
			return kernel.HandoffEnvelope{}, fmt.Errorf("envelope failed schema validation: %w", err)
		}
	}
	var envelope kernel.HandoffEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return kernel.HandoffEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	envelope.Meta.StepID = in.StepID
	envelope.Meta.Flow = in.Flow
	envelope.Meta.RunID = in.RunID
	envelope.Meta.AgentKey = in.AgentKey
	envelope.Meta.StartedAt = start
	envelope.Meta.EndedAt = time.Now().UTC()
	return envelope, nil
}

func (e *Engine) scanForensics(ctx context.Context, in Input, envelope kernel.HandoffEnvelope) kernel.ForensicSummary {
	var summary kernel.ForensicSummary
	if in.Git != nil {
		diffScanner := e.deps.DiffScanner
		if diffScanner == nil {
			diffScanner = forensic.NewDiffScanner(in.Git)
		}
		summary.Diff = diffScanner.Scan(ctx, in.BaseSHA)
	}
	if in.TestOutput != nil && e.deps.TestParser != nil {
		raw, ok, err := in.TestOutput.TestOutput(ctx, envelope)
		if err != nil {
			e.deps.Log.Warn(ctx, "step: test output source failed", "step_id", string(in.StepID), "error", err.Error())
		} else if ok {
			summary.Tests = e.deps.TestParser.Parse(raw)
			summary.CoveragePercent = summary.Tests.CoveragePercent
		}
	}
	return summary
}

func blockedEnvelope(in Input, start time.Time, reason string) kernel.HandoffEnvelope {
	return kernel.HandoffEnvelope{
		SchemaVersion: "1",
		Meta: kernel.EnvelopeMeta{
			StepID: in.StepID, Flow: in.Flow, RunID: in.RunID, AgentKey: in.AgentKey,
			StartedAt: start, EndedAt: time.Now().UTC(),
		},
		Status:  kernel.EnvelopeBlocked,
		Summary: reason,
		Routing: kernel.RoutingHint{Recommendation: kernel.RecommendEscalate, Reason: reason},
	}
}

func renderContext(pack kernel.ContextPack) string {
	var buf bytes.Buffer
	buf.WriteString(pack.TeachingNotes)
	for _, item := range pack.Items {
		buf.WriteString("\n\n")
		buf.WriteString(item.Text)
	}
	return buf.String()
}

func envelopeSchemaAsMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(schema.EnvelopeSchemaJSON), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func classifyTransportErr(err error) error {
	te, ok := transport.AsError(err)
	if !ok {
		return kernel.NewFault(kernel.FaultPermanent, "unclassified transport error", err)
	}
	switch te.Kind {
	case transport.ErrorKindRateLimited, transport.ErrorKindUnavailable:
		return kernel.NewFault(kernel.FaultTransient, "transport: "+string(te.Kind), te)
	case transport.ErrorKindAuth, transport.ErrorKindInvalidRequest:
		return kernel.NewFault(kernel.FaultPermanent, "transport: "+string(te.Kind), te)
	default:
		return kernel.NewFault(kernel.FaultPermanent, "transport: unknown error kind", te)
	}
}

// NoopToolExecutor refuses every tool call; used when a deployment has no
// tool surface wired in (pure text-only agents).
type NoopToolExecutor struct{}

func (NoopToolExecutor) Execute(_ context.Context, call transport.ToolUsePart) transport.ToolResultPart {
	return transport.ToolResultPart{ToolUseID: call.ID, Content: "no tool executor configured", IsError: true}
}

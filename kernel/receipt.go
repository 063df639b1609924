package kernel

import "time"

// Receipt is the per-step audit record, distinct from RunEvent: coarser
// grained, and intended for human/billing review rather than replay (spec
// §3, §6).
type Receipt struct {
	EngineID string
	Provider string
	Model    string

	StepID   StepID
	Flow     FlowKey
	RunID    RunID
	AgentKey AgentKey

	StartedAt  time.Time
	CompletedAt time.Time
	DurationMS int64

	Status EnvelopeStatus

	Tokens TokenCounts
	CostUSD float64

	TranscriptPath string
	ToolCalls      []ToolCallRecord

	GitSHA    string
	GitBranch string

	RoutingSignal RoutingAction

	QualityEvents []QualityEvent
}

// TokenCounts aggregates prompt/completion/total token usage for a step.
type TokenCounts struct {
	Prompt     int64
	Completion int64
	Total      int64
}

// ToolCallRecord is a normalized record of one tool invocation observed
// during a step's Work phase, whether via native tool routing or post-hoc
// tool-call inspection (spec §4.4, §4.8).
type ToolCallRecord struct {
	Name      string
	Input     string // JSON-encoded, redacted by the transport layer
	Output    string // JSON-encoded, truncated by the transport layer
	Succeeded bool
	DurationMS int64
}

// QualityEventKind is a label attached to a quality-relevant occurrence
// during step execution (e.g. a dangerous-operation hit, a microloop exit).
type QualityEventKind string

// QualityEvent is one quality-relevant occurrence recorded on a Receipt.
type QualityEvent struct {
	Kind    QualityEventKind
	Detail  string
}

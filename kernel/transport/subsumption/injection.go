package subsumption

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/flowkernel/orchestrator/kernel/telemetry"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// injection compensates for a missing CapStructuredOutput by appending the
// target schema as a textual instruction to the finalize prompt and
// extracting the JSON object from the backend's free-form reply (see
// extractJSONObject).
type injection struct {
	transport.Session
	log telemetry.Logger
}

// NewInjection wraps sess so Finalize works even when the backend cannot be
// constrained to emit JSON directly.
func NewInjection(sess transport.Session, log telemetry.Logger) transport.Session {
	return &injection{Session: sess, log: log}
}

func (s *injection) Capabilities() transport.CapabilityMatrix {
	return subsumedMatrix(s.Session.Capabilities(), transport.CapStructuredOutput)
}

func (s *injection) Finalize(ctx context.Context, req transport.FinalizeRequest) (transport.FinalizeResponse, error) {
	if s.Session.Capabilities().Has(transport.CapStructuredOutput) {
		return s.Session.Finalize(ctx, req)
	}

	schemaBytes, err := json.Marshal(req.JSONSchema)
	if err != nil {
		return transport.FinalizeResponse{}, fmt.Errorf("subsumption: marshal schema for injection: %w", err)
	}
	instruction := transport.TextPart{
		Text: "Respond with a single JSON object matching this schema and nothing else:\n" + string(schemaBytes),
	}
	req.History = append(req.History, transport.Message{Role: transport.RoleUser, Parts: []transport.Part{instruction}})

	resp, err := s.Session.Finalize(ctx, req)
	if err != nil {
		return resp, err
	}

	extracted := extractJSONObject(resp.RawJSON)
	if extracted == nil {
		s.log.Warn(ctx, "subsumption: injection strategy found no JSON object in backend reply", "step_id", string(req.StepID))
		return resp, fmt.Errorf("subsumption: backend reply did not contain a JSON object")
	}
	resp.RawJSON = extracted
	return resp, nil
}

func (s *injection) Close(ctx context.Context) error { return passthroughClose(ctx, s.Session) }

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject returns the span of raw from its first '{' to its last
// '}' if that span parses as JSON, or nil otherwise; a reply holding two
// separate objects therefore yields nil.
func extractJSONObject(raw []byte) []byte {
	match := jsonObjectPattern.Find(raw)
	if match == nil {
		return nil
	}
	var probe any
	if json.Unmarshal(match, &probe) != nil {
		return nil
	}
	return match
}

package step

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/transport"
)

// DangerousOpPolicy is a configurable deny-list of command patterns (spec
// §4.8): destructive repo operations on the publish branch, credential
// exfiltration patterns. The step engine checks every tool call a session
// surfaces before executing it; when the backend lacks CapHooks it also
// scans the observed tool-call list post-hoc with ScanToolCalls, and turns a
// post-hoc match into a kernel.FaultFatal.
type DangerousOpPolicy struct {
	patterns []*regexp.Regexp
}

// DefaultDangerousOpPolicy matches the pattern classes spec §4.8 names by
// example: destructive repo operations and credential exfiltration.
func DefaultDangerousOpPolicy() DangerousOpPolicy {
	return NewDangerousOpPolicy(
		`rm\s+-rf\s+/`,
		`git\s+push\s+--force`,
		`git\s+reset\s+--hard\s+origin`,
		`:(){ :\|:& };:`, // fork bomb, kept literal since it never needs anchoring
		`curl\s+.*\|\s*sh`,
		`cat\s+.*\.ssh/id_`,
		`cat\s+.*\.aws/credentials`,
		`(?i)authorization:\s*bearer`,
		`(?i)api[_-]?key\s*=`,
	)
}

// NewDangerousOpPolicy compiles pattern strings into a policy. An invalid
// pattern is skipped rather than panicking, since policy patterns are
// operator-configured (spec §8: policy is configuration, not kernel logic).
func NewDangerousOpPolicy(patterns ...string) DangerousOpPolicy {
	var p DangerousOpPolicy
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		p.patterns = append(p.patterns, re)
	}
	return p
}

// Check scans a single tool invocation's input for a dangerous pattern,
// returning the matched pattern's source if found.
func (p DangerousOpPolicy) Check(tool transport.ToolUsePart) (matched string, found bool) {
	haystack := tool.Name
	for k, v := range tool.Input {
		haystack += " " + k + "=" + toString(v)
	}
	for _, re := range p.patterns {
		if re.MatchString(haystack) {
			return re.String(), true
		}
	}
	return "", false
}

// ScanToolCalls runs Check over every recorded tool call and produces a
// SeverityHigh concern for any match; Execute turns the first such concern
// into a kernel.FaultFatal that halts the step.
func (p DangerousOpPolicy) ScanToolCalls(calls []kernel.ToolCallRecord) []kernel.Concern {
	var out []kernel.Concern
	for _, c := range calls {
		haystack := c.Name + " " + c.Input
		for _, re := range p.patterns {
			if re.MatchString(haystack) {
				out = append(out, kernel.Concern{
					Severity:    kernel.SeverityHigh,
					Description: "dangerous operation pattern matched post-hoc: " + re.String(),
					Location:    c.Name,
					Recommendation: "halt the run and review this tool call before resuming",
				})
				break
			}
		}
	}
	return out
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

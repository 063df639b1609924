package forensic

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowkernel/orchestrator/kernel"
)

// TestParser extracts a TestParseResult from plain-text `go test` output
// (`--- PASS/FAIL/SKIP:` lines, panics, coverage and file:line references).
// It is deliberately lenient: unrecognized lines, including `go test -json`
// records and other runners' formats, are skipped rather than failing the
// parse.
type TestParser struct{}

// NewTestParser builds a TestParser.
func NewTestParser() *TestParser { return &TestParser{} }

var (
	goPassLine    = regexp.MustCompile(`^--- PASS: (\S+) `)
	goFailLine    = regexp.MustCompile(`^--- FAIL: (\S+) `)
	goSkipLine    = regexp.MustCompile(`^--- SKIP: (\S+) `)
	goPanicLine   = regexp.MustCompile(`^panic: `)
	goCoverLine   = regexp.MustCompile(`coverage: (\d+(?:\.\d+)?)% of statements`)
	goFileLine    = regexp.MustCompile(`^\s*(\S+\.go):(\d+):`)
	genericAssert = regexp.MustCompile(`(?i)assert|expect`)
	genericTimeout = regexp.MustCompile(`(?i)timeout|deadline exceeded`)
	genericSetup  = regexp.MustCompile(`(?i)setup|before\w*|fixture`)
)

// Parse scans raw test output and classifies each failure.
func (p *TestParser) Parse(raw string) kernel.TestParseResult {
	var result kernel.TestParseResult
	result.Framework = "go test"

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var current *kernel.TestFailure
	var messageLines []string

	flush := func() {
		if current == nil {
			return
		}
		current.Message = strings.TrimSpace(strings.Join(messageLines, "\n"))
		current.Classification = classify(current.Message)
		current.ErrorSignature = signature(current.Test, current.Classification)
		result.Failures = append(result.Failures, *current)
		current = nil
		messageLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		if m := goPassLine.FindStringSubmatch(line); m != nil {
			flush()
			result.Passed++
			continue
		}
		if m := goFailLine.FindStringSubmatch(line); m != nil {
			flush()
			result.Failed++
			current = &kernel.TestFailure{Test: m[1]}
			continue
		}
		if m := goSkipLine.FindStringSubmatch(line); m != nil {
			flush()
			result.Skipped++
			continue
		}
		if goPanicLine.MatchString(line) {
			if current == nil {
				current = &kernel.TestFailure{Test: "panic"}
				result.Failed++
			}
			messageLines = append(messageLines, line)
			continue
		}
		if m := goCoverLine.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				result.CoveragePercent = &v
			}
			continue
		}
		if current != nil {
			if m := goFileLine.FindStringSubmatch(line); m != nil && current.File == "" {
				current.File = m[1]
				if n, err := strconv.Atoi(m[2]); err == nil {
					current.Line = n
				}
			}
			messageLines = append(messageLines, strings.TrimSpace(line))
		}
	}
	flush()
	return result
}

func classify(message string) kernel.FailureClass {
	switch {
	case genericTimeout.MatchString(message):
		return kernel.FailureTimeout
	case genericSetup.MatchString(message):
		return kernel.FailureSetup
	case strings.HasPrefix(strings.TrimSpace(message), "panic:"):
		return kernel.FailureRuntime
	case genericAssert.MatchString(message):
		return kernel.FailureAssertion
	case message == "":
		return kernel.FailureOther
	default:
		return kernel.FailureOther
	}
}

// signature hashes the test name and classification (not the full message,
// which often carries non-deterministic noise like pointers or timestamps)
// so the same failure recurring across microloop iterations is recognized
// by the stall analyzer even if incidental message text shifts.
func signature(test string, class kernel.FailureClass) string {
	h := sha256.New()
	h.Write([]byte(test))
	h.Write([]byte{0})
	h.Write([]byte(class))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Package kernel defines the core data model of the orchestration kernel:
// runs, events, envelopes, flow graphs, routing signals, forensic summaries,
// receipts, and context packs. It is a thin, dependency-light module — the
// storage, transport, routing, and step packages build on these types but do
// not extend them.
package kernel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RunID is the opaque identifier for one run: a human-legible prefix plus a
// random suffix, globally unique within the installation.
type RunID string

// FlowKey names a flow definition (a DAG of steps) within the installation.
type FlowKey string

// StepID names a node in a FlowGraph.
type StepID string

// AgentKey identifies the agent persona bound to a step. The kernel treats
// this as an opaque label; mapping agent keys to prompts/personas is a
// deployment concern (spec §9, Open Questions).
type AgentKey string

// NewRunID generates a RunID with the given human-legible prefix (e.g. a flow
// key) and a crypto-random hex suffix. Prefix may be empty.
func NewRunID(prefix string) RunID {
	suffix := randomHex(6)
	if prefix == "" {
		return RunID(suffix)
	}
	return RunID(fmt.Sprintf("%s-%s", prefix, suffix))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on every supported
		// platform; fall back to a fixed-width zero suffix rather than panic
		// so callers never observe a malformed ID.
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(b)
}

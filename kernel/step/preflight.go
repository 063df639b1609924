package step

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
)

// PreflightCheck is one deterministic, no-LLM check the step engine runs
// before opening a session (spec §4.8: "verify inputs... verify workspace...
// verify budget not exhausted").
type PreflightCheck struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunPreflight executes every check concurrently via errgroup and collects
// every failure rather than stopping at the first, since a caller injecting
// an environment-doctor sidequest wants the full picture of what is broken
// in one shot.
func RunPreflight(ctx context.Context, checks []PreflightCheck) []string {
	var (
		g        errgroup.Group
		failures = make([]string, len(checks))
		failed   = make([]bool, len(checks))
	)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				failures[i] = fmt.Sprintf("%s: %v", c.Name, err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait() // checks never return an error themselves; failures are collected above

	out := make([]string, 0, len(checks))
	for i, f := range failed {
		if f {
			out = append(out, failures[i])
		}
	}
	return out
}

// WorkspaceWritable checks that dir exists and is writable by attempting a
// throwaway file create/remove, the cheapest reliable writability probe.
func WorkspaceWritable(dir string) PreflightCheck {
	return PreflightCheck{
		Name: "workspace_writable",
		Run: func(context.Context) error {
			probe, err := os.CreateTemp(dir, ".kernel-preflight-*")
			if err != nil {
				return err
			}
			path := probe.Name()
			probe.Close()
			return os.Remove(path)
		},
	}
}

// VCSAvailable checks that repoRoot resolves without error, delegated to the
// caller-supplied probe so this package does not import kernel/vcs directly
// (avoiding a dependency cycle risk and keeping the check swappable in
// tests).
func VCSAvailable(probe func(ctx context.Context) error) PreflightCheck {
	return PreflightCheck{Name: "vcs_available", Run: probe}
}

// TransportHealthy checks that a configured transport backend responds,
// delegated to a caller-supplied probe for the same reason as VCSAvailable.
func TransportHealthy(name string, probe func(ctx context.Context) error) PreflightCheck {
	return PreflightCheck{Name: "transport_healthy:" + name, Run: probe}
}

// BudgetAvailable checks that the run's cumulative cost has not already
// crossed the hard cap.
func BudgetAvailable(checkCaps func() (abort bool)) PreflightCheck {
	return PreflightCheck{
		Name: "budget_available",
		Run: func(context.Context) error {
			if checkCaps() {
				return fmt.Errorf("budget hard cap already exceeded")
			}
			return nil
		},
	}
}

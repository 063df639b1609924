package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowkernel/orchestrator/kernel"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <run_id>",
	Short: "Replay a run's event log into a fresh state file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRebuild,
}

func runRebuild(cmd *cobra.Command, args []string) error {
	runID := kernel.RunID(args[0])

	ctx, cancel := signalContext()
	defer cancel()

	dep, err := buildDeployment(ctx, configDir, workspaceRoot)
	if err != nil {
		return err
	}
	defer dep.Close()

	it, err := dep.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("kernelctl: read events for %q: %w", runID, err)
	}
	defer it.Close()

	var events []kernel.RunEvent
	for it.Next(ctx) {
		events = append(events, it.Event())
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("kernelctl: replay events for %q: %w", runID, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("kernelctl: no events found for run %q", runID)
	}

	state, err := kernel.RebuildState(runID, events[0].Flow, events)
	if err != nil {
		return fmt.Errorf("kernelctl: rebuild state for %q: %w", runID, err)
	}

	if err := dep.store.WriteState(ctx, runID, state); err != nil {
		return fmt.Errorf("kernelctl: write rebuilt state for %q: %w", runID, err)
	}

	fmt.Printf("rebuilt %s: status=%s current_step=%s event_seq=%d\n", runID, state.Status, state.CurrentStep, state.EventSeq)
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowkernel/orchestrator/kernel"
)

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Print a run's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := kernel.RunID(args[0])

	ctx, cancel := signalContext()
	defer cancel()

	dep, err := buildDeployment(ctx, configDir, workspaceRoot)
	if err != nil {
		return err
	}
	defer dep.Close()

	state, ok, err := dep.store.ReadState(ctx, runID)
	if err != nil {
		return fmt.Errorf("kernelctl: read state for %q: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("kernelctl: no state found for run %q", runID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

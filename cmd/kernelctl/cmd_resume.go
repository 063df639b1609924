package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/orchestrator"
)

var fromCheckpointFlag string

var resumeCmd = &cobra.Command{
	Use:   "resume <run_id>",
	Short: "Continue a paused or interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&fromCheckpointFlag, "from-checkpoint", "", "resume from a named checkpoint instead of the last written state")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := kernel.RunID(args[0])

	ctx, cancel := signalContext()
	defer cancel()

	dep, err := buildDeployment(ctx, configDir, workspaceRoot)
	if err != nil {
		return err
	}
	defer dep.Close()

	var resumeState kernel.RunState
	if fromCheckpointFlag != "" {
		resumeState, err = dep.store.ResumeFromCheckpoint(ctx, runID, fromCheckpointFlag)
		if err != nil {
			return fmt.Errorf("kernelctl: resume from checkpoint %q: %w", fromCheckpointFlag, err)
		}
	} else {
		state, ok, err := dep.store.ReadState(ctx, runID)
		if err != nil {
			return fmt.Errorf("kernelctl: read state for %q: %w", runID, err)
		}
		if !ok {
			return fmt.Errorf("kernelctl: no state found for run %q", runID)
		}
		resumeState = state
	}

	if _, ok := dep.graphs[resumeState.Flow]; !ok {
		return fmt.Errorf("kernelctl: run %q references unknown flow %q", runID, resumeState.Flow)
	}

	handle, err := dep.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       string(runID),
		Workflow: orchestrator.WorkflowName,
		Input: orchestrator.RunInput{
			RunID:  runID,
			Flow:   resumeState.Flow,
			Resume: &resumeState,
		},
	})
	if err != nil {
		return err
	}

	var final kernel.RunState
	if err := handle.Wait(ctx, &final); err != nil {
		return err
	}

	return exitFor(final)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/orchestrator"
)

var autopilotRunIDFlag string

var autopilotCmd = &cobra.Command{
	Use:   "autopilot <flow_key> [flow_key...]",
	Short: "Run a sequence of flows end to end, one after another",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAutopilot,
}

func init() {
	autopilotCmd.Flags().StringVar(&autopilotRunIDFlag, "run-id", "", "explicit run id (default: generated)")
}

func runAutopilot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	dep, err := buildDeployment(ctx, configDir, workspaceRoot)
	if err != nil {
		return err
	}
	defer dep.Close()

	sequence := make([]kernel.FlowKey, len(args))
	for i, a := range args {
		key := kernel.FlowKey(a)
		if _, ok := dep.graphs[key]; !ok {
			return fmt.Errorf("kernelctl: unknown flow %q", key)
		}
		sequence[i] = key
	}

	runID := kernel.RunID(autopilotRunIDFlag)
	if runID == "" {
		runID = kernel.NewRunID("autopilot")
	}
	fmt.Println(runID)

	handle, err := dep.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       string(runID),
		Workflow: orchestrator.WorkflowNameAutopilot,
		Input: orchestrator.AutopilotInput{
			RunID:        runID,
			FlowSequence: sequence,
		},
	})
	if err != nil {
		return err
	}

	var final orchestrator.AutopilotSummary
	if err := handle.Wait(ctx, &final); err != nil {
		return err
	}

	return exitForAutopilot(final)
}

// exitForAutopilot mirrors exitFor for a sequenced run: it reports the exit
// code of the sequence's overall status, the same one AutopilotSummary.Status
// already reduced to the first non-completed flow's status.
func exitForAutopilot(summary orchestrator.AutopilotSummary) error {
	switch summary.Status {
	case kernel.StatusCompleted:
		return nil
	case kernel.StatusPaused:
		return &exitError{code: exitEscalated, msg: fmt.Sprintf("autopilot run %s escalated", summary.RunID)}
	case kernel.StatusFailed:
		return &exitError{code: exitFatal, msg: fmt.Sprintf("autopilot run %s failed", summary.RunID)}
	default:
		return &exitError{code: exitFatal, msg: fmt.Sprintf("autopilot run %s ended in unexpected status %q", summary.RunID, summary.Status)}
	}
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowkernel/orchestrator/kernel"
	"github.com/flowkernel/orchestrator/kernel/engine"
	"github.com/flowkernel/orchestrator/kernel/orchestrator"
)

var runIDFlag string

var startCmd = &cobra.Command{
	Use:   "start <flow_key>",
	Short: "Start a new run of a flow",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&runIDFlag, "run-id", "", "explicit run id (default: generated)")
}

func runStart(cmd *cobra.Command, args []string) error {
	flowKey := kernel.FlowKey(args[0])

	ctx, cancel := signalContext()
	defer cancel()

	dep, err := buildDeployment(ctx, configDir, workspaceRoot)
	if err != nil {
		return err
	}
	defer dep.Close()
	graph, ok := dep.graphs[flowKey]
	if !ok {
		return fmt.Errorf("kernelctl: unknown flow %q", flowKey)
	}

	runID := kernel.RunID(runIDFlag)
	if runID == "" {
		runID = kernel.NewRunID("run")
	}
	fmt.Println(runID)

	handle, err := dep.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       string(runID),
		Workflow: orchestrator.WorkflowName,
		Input: orchestrator.RunInput{
			RunID:     runID,
			Flow:      flowKey,
			EntryStep: graph.Entry,
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

// exitFor reports the run's final state on stderr and returns an error that
// carries the right process exit code: nil for completion, an escalation
// error for a paused or gracefully stopped run, a fatal error otherwise.
func exitFor(state kernel.RunState) error {
	switch state.Status {
	case kernel.StatusCompleted:
		return nil
	case kernel.StatusPaused:
		return &exitError{code: exitEscalated, msg: fmt.Sprintf("run %s escalated: %s", state.RunID, state.FailureReason)}
	case kernel.StatusFailed:
		if strings.HasPrefix(state.FailureReason, "stopped_by_signal") {
			return &exitError{code: exitEscalated, msg: fmt.Sprintf("run %s stopped: %s", state.RunID, state.FailureReason)}
		}
		return &exitError{code: exitFatal, msg: fmt.Sprintf("run %s failed: %s", state.RunID, state.FailureReason)}
	default:
		return &exitError{code: exitFatal, msg: fmt.Sprintf("run %s ended in unexpected status %q", state.RunID, state.Status)}
	}
}

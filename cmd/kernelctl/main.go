// Command kernelctl starts, resumes, inspects, and rebuilds orchestration
// kernel runs (spec §6). It is a thin CLI shell around kernel/orchestrator:
// every side effect of a run happens inside the workflow and its activities,
// never here.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Exit codes, fixed by the CLI contract: 0 on successful completion, 1 when
// the run escalated (paused, needs a human), 2 on a fatal, unrecoverable
// error.
const (
	exitOK        = 0
	exitEscalated = 1
	exitFatal     = 2
)

var (
	configDir     string
	workspaceRoot string
	cmdTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Drive orchestration kernel runs",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./kernel.d", "directory holding run_policy.yaml, flows/, agents/")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "git workspace root the run operates on (overrides run_policy.yaml)")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 0, "abort the command after this duration (0 means no deadline)")

	rootCmd.AddCommand(startCmd, resumeCmd, statusCmd, rebuildCmd, autopilotCmd)
}

// exitError carries a specific process exit code through cobra's RunE error
// return, so a run outcome other than "fatal error" (escalation, a graceful
// stop) does not collapse to the same exit code as an actual crash.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitFatal
		if ee, ok := err.(*exitError); ok {
			code = ee.code
		}
		os.Exit(code)
	}
}

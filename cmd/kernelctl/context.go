package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// signalContext returns a context cancelled on SIGINT/SIGTERM, and bounded
// by cmdTimeout when it is non-zero, mirroring the graceful-shutdown
// pattern every long-running subcommand here needs: a run must be able to
// checkpoint and exit cleanly on ctrl-C rather than leaving a shadow branch
// or lock dangling.
func signalContext() (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if cmdTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), cmdTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "kernelctl: signal received, stopping run")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
)

// runWorkerCmd implements `auditcore worker`: a long-running backlog
// replay loop. It exits cleanly on SIGINT/SIGTERM.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to the YAML configuration file")
	once := cmd.Bool("once", false, "Run a single drain pass and exit")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := openClient(ctx, *configPath, !*once)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = c.Close() }()

	if *once {
		n, err := c.Worker().Tick(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: drain pass failed: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "replayed %d backlog rows\n", n)
		return 0
	}

	slog.Info("backlog worker running, press Ctrl-C to stop")
	<-ctx.Done()
	return 0
}

package main

import (
	"flag"
	"fmt"
	"io"
)

// runInitCmd implements `auditcore init`: it connects with the
// configured credentials and applies the schema, which is idempotent.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to the YAML configuration file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := openClient(ctx, *configPath, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = c.Close() }()

	_, _ = fmt.Fprintln(stdout, "schema initialized")
	return 0
}

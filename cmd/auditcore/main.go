package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vaultline/auditcore/pkg/client"
	"github.com/vaultline/auditcore/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "seal":
		return runSealCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: auditcore <command> [flags]

Commands:
  init     Initialize the database schema
  worker   Run the backlog replay worker
  verify   Verify the chain over a time range
  seal     Seal a stream up to a point in time
  export   Export sealed ranges to WORM storage
  help     Show this help

Every command reads the configuration file named by -config, with
AUDITCORE_* environment variables as the fallback.`)
}

// loadConfig resolves the shared -config flag convention. An empty
// path falls back to environment variables.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// signalContext returns a context canceled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openClient loads configuration and connects, with the worker loop
// held back so commands control their own background work.
func openClient(ctx context.Context, configPath string, runWorker bool) (*client.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Worker.Enabled = &runWorker
	return client.New(ctx, cfg)
}

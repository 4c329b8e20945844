package main

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// runSealCmd implements `auditcore seal`: writes a seal marker over the
// configured stream up to -up-to (default: now minus
// integrity.seal_after_days).
func runSealCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seal", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		upToStr    string
	)
	cmd.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.StringVar(&upToStr, "up-to", "", "Seal events received at or before this RFC 3339 time")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	upTo := time.Now().UTC().AddDate(0, 0, -cfg.Integrity.SealAfterDays)
	if upToStr != "" {
		upTo, err = time.Parse(time.RFC3339, upToStr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: parse -up-to: %v\n", err)
			return 2
		}
	}

	c, err := openClient(ctx, configPath, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = c.Close() }()

	marker, err := c.SealEvents(ctx, upTo)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: seal failed: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "sealed %d events up to %s, tip %s\n",
		marker.EventCount, marker.UpToTime.Format(time.RFC3339), marker.TipHash)
	return 0
}

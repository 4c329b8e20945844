package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"
)

// runVerifyCmd implements `auditcore verify`.
//
// Re-derives digests and signatures over a stream's stored range and
// checks chain continuity.
//
// Exit codes:
//
//	0 = every event verified
//	1 = verification found failures
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		startStr   string
		endStr     string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	cmd.StringVar(&startStr, "start", "", "Range start, RFC 3339 (default: beginning of stream)")
	cmd.StringVar(&endStr, "end", "", "Range end, RFC 3339 (default: now)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	start, end, err := parseRange(startStr, endStr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := openClient(ctx, configPath, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = c.Close() }()

	report, err := c.ValidateEvents(ctx, start, end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification aborted: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		_, _ = fmt.Fprintf(stdout, "verified %d/%d events in %s/%s\n",
			report.Verified, report.Total, report.ProjectID, report.EnvironmentID)
		for _, f := range report.Failed {
			_, _ = fmt.Fprintf(stdout, "  FAIL %s: %s\n", f.ID, f.Reason)
		}
	}
	if !report.OK() {
		return 1
	}
	return 0
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if startStr != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return start, end, fmt.Errorf("parse -start: %w", err)
		}
	}
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return start, end, fmt.Errorf("parse -end: %w", err)
		}
	} else {
		end = time.Now().UTC()
	}
	return start, end, nil
}

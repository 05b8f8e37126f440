package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"planbot/internal/model"
	"planbot/internal/pipeline"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

// writeResult prints the run as indented JSON, the machine-readable output.
func writeResult(w io.Writer, res pipeline.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// printOutcome prints a one-line summary followed by one line per stage.
func printOutcome(w io.Writer, res pipeline.RunResult) {
	took := res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond)
	if res.Failed() {
		_, _ = errorColor.Fprintf(w, "✗ %s failed in %s\n", res.Chain, took)
	} else {
		_, _ = successColor.Fprintf(w, "✓ %s completed in %s\n", res.Chain, took)
	}
	for _, sr := range res.Stages {
		line := fmt.Sprintf("  %-8s %s", sr.Stage, sr.Outcome)
		if len(sr.Degraded) > 0 {
			line += " (degraded: " + strings.Join(sr.Degraded, ", ") + ")"
		}
		switch sr.Outcome {
		case model.OutcomeSuccess:
			if len(sr.Degraded) > 0 {
				_, _ = warningColor.Fprintln(w, line)
			} else {
				_, _ = dimColor.Fprintln(w, line)
			}
		case model.OutcomeFailure:
			_, _ = errorColor.Fprintln(w, line)
		default:
			_, _ = warningColor.Fprintln(w, line)
		}
	}
}

func printError(w io.Writer, err error) {
	_, _ = errorColor.Fprintf(w, "✗ %v\n", err)
}

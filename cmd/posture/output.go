package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/posture/internal/api"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Answers go to stdout so they can be piped; everything else goes to stderr.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

// statusLabel colors an interaction status: failed red, truncated yellow,
// completed plain.
func statusLabel(status string) string {
	switch status {
	case "failed":
		return colorize(colorRed, status)
	case "truncated":
		return colorize(colorYellow, status)
	default:
		return status
	}
}

// printAnswer writes the answer text to stdout and the run summary to stderr.
func printAnswer(resp api.QueryResponse) {
	fmt.Fprintln(stdout, resp.Text)
	fmt.Fprintln(stderr)
	printStatus("Steps", "%d (%d analysis round-trips)", resp.StepsCount, resp.RoundTrips)
	if resp.Usage != nil {
		printStatus("Tokens", "%d in / %d out", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		if resp.Usage.EstimatedCostUSD != nil {
			printStatus("Cost", "$%.6f", *resp.Usage.EstimatedCostUSD)
		}
	}
	if resp.Truncated {
		printWarning("answer may be incomplete: step or round-trip limit reached")
	}
}

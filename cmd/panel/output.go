package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/jobs"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printProgress(s history.Snapshot) {
	c := s.Counts
	printStep("%d/%d done (%d running, %d failed, %d cancelled) after %s",
		c.Done(), c.Total(), c.Running, c.Failed, c.Cancelled, s.Elapsed.Round(time.Millisecond))
}

func printSummary(res *jobs.Results) error {
	sum, err := res.Summary()
	if err != nil {
		return err
	}

	if sum.Aborted {
		printWarning("Job %s aborted", sum.JobID)
	} else {
		printSuccess("Job %s finished", sum.JobID)
	}
	c := sum.Counts
	printStatus("Interviews", "%d completed, %d failed, %d cancelled of %d", c.Completed, c.Failed, c.Cancelled, c.Total())
	printStatus("Elapsed", "%s", sum.Elapsed.Round(time.Millisecond))
	if sum.Durations.Count > 0 {
		printStatus("Interview time", "mean %s, median %s, p95 %s",
			sum.Durations.Mean.Round(time.Millisecond),
			sum.Durations.Median.Round(time.Millisecond),
			sum.Durations.P95.Round(time.Millisecond))
	}
	printStatus("Tokens", "%d prompt + %d completion new, %d + %d from cache",
		sum.Usage.New.Prompt, sum.Usage.New.Completion, sum.Usage.Cached.Prompt, sum.Usage.Cached.Completion)
	printStatus("New cache entries", "%d", sum.NewCacheKeys)
	printStatus("Cost", "$%.4f", sum.Cost)

	for _, e := range sum.Exceptions {
		where := fmt.Sprintf("interview %d", e.Index)
		if e.Question != "" {
			where += ", question " + e.Question
		}
		printError("%s (%s): %s", where, e.Kind, e.Message)
	}
	return nil
}

// Package report renders scenario outcomes for people reading a terminal or CI log.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/consoleharness/expectrun/internal/session"
)

const (
	// TailLines is how many trailing lines of unconsumed output a failure shows.
	TailLines = 20
	// MaxLineWidth truncates long output lines inside the box.
	MaxLineWidth = 100
)

// Failure describes why a scenario failed: the error, what was awaited and
// what was buffered at the time.
func Failure(scenario string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FAIL %s\n", scenario)
	if err == nil {
		b.WriteString("    error: unknown failure\n")
		return b.String()
	}
	fmt.Fprintf(&b, "    error: %v\n", err)

	var (
		timeoutErr *session.TimeoutError
		eofErr     *session.EOFError
		launchErr  *session.LaunchError
		writeErr   *session.WriteTimeoutError
	)
	switch {
	case errors.As(err, &timeoutErr):
		fmt.Fprintf(&b, "    waiting for: %s\n", session.DescribePatterns(timeoutErr.Patterns))
		fmt.Fprintf(&b, "    timeout: %s\n", timeoutErr.Timeout)
		writeBuffer(&b, timeoutErr.Buffer)
	case errors.As(err, &eofErr):
		fmt.Fprintf(&b, "    waiting for: %s\n", session.DescribePatterns(eofErr.Patterns))
		if eofErr.Exited {
			fmt.Fprintf(&b, "    exit status: %d\n", eofErr.ExitStatus)
		} else {
			b.WriteString("    exit status: unknown\n")
		}
		writeBuffer(&b, eofErr.Buffer)
	case errors.As(err, &launchErr):
		fmt.Fprintf(&b, "    connect spec: %s\n", launchErr.Spec)
	case errors.As(err, &writeErr):
		fmt.Fprintf(&b, "    line: %q\n", writeErr.Line)
		fmt.Fprintf(&b, "    write timeout: %s\n", writeErr.Timeout)
	}
	return b.String()
}

// Skip describes an inapplicable scenario.
func Skip(scenario, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "precondition not met"
	}
	return fmt.Sprintf("SKIP %s\n    reason: %s\n", scenario, reason)
}

// Line is one row of a run summary.
type Line struct {
	Scenario string
	Verdict  string
	ExitCode int
	Duration time.Duration
}

// Summary tabulates the outcome of every scenario in a run.
func Summary(lines []Line) string {
	if len(lines) == 0 {
		return "no scenarios run\n"
	}

	nameWidth := len("scenario")
	for _, line := range lines {
		if n := utf8.RuneCountInString(line.Scenario); n > nameWidth {
			nameWidth = n
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  %-13s  %4s  %s\n", nameWidth, "scenario", "verdict", "exit", "duration")
	counts := map[string]int{}
	for _, line := range lines {
		counts[line.Verdict]++
		fmt.Fprintf(&b, "%-*s  %-13s  %4d  %s\n",
			nameWidth, line.Scenario, line.Verdict, line.ExitCode, line.Duration.Round(time.Millisecond))
	}

	parts := make([]string, 0, len(counts))
	for _, verdict := range []string{"passed", "failed", "skipped", "launch_failed"} {
		if n := counts[verdict]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, verdict))
		}
	}
	fmt.Fprintf(&b, "%d scenarios: %s\n", len(lines), strings.Join(parts, ", "))
	return b.String()
}

func writeBuffer(b *strings.Builder, buffered string) {
	lines := tail(buffered, TailLines)
	if len(lines) == 0 {
		b.WriteString("    unconsumed output: (empty)\n")
		return
	}
	fmt.Fprintf(b, "    unconsumed output (last %d lines):\n", len(lines))
	b.WriteString(formatBox(lines))
	b.WriteByte('\n')
}

// tail splits output into display lines and keeps the last max of them.
func tail(buffered string, max int) []string {
	buffered = strings.ReplaceAll(buffered, "\r\n", "\n")
	buffered = strings.TrimSuffix(buffered, "\n")
	if buffered == "" {
		return nil
	}
	lines := strings.Split(buffered, "\n")
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	for i, line := range lines {
		lines[i] = sanitize(line, MaxLineWidth)
	}
	return lines
}

func sanitize(line string, width int) string {
	var b strings.Builder
	count := 0
	for _, r := range line {
		if count == width {
			b.WriteString("…")
			break
		}
		switch {
		case r == '\t':
			r = ' '
		case r == utf8.RuneError || r < 0x20 || r == 0x7f:
			r = '.'
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// formatBox draws lines inside a box border.
func formatBox(lines []string) string {
	width := 0
	for _, line := range lines {
		if n := utf8.RuneCountInString(line); n > width {
			width = n
		}
	}

	var b strings.Builder
	border := strings.Repeat("─", width)
	fmt.Fprintf(&b, "    ┌%s┐\n", border)
	for _, line := range lines {
		padding := width - utf8.RuneCountInString(line)
		fmt.Fprintf(&b, "    │%s%s│\n", line, strings.Repeat(" ", padding))
	}
	fmt.Fprintf(&b, "    └%s┘", border)
	return b.String()
}

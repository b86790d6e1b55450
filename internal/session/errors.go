package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/consoleharness/expectrun/internal/pattern"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("expect timed out")
	// ErrEOF matches every *EOFError.
	ErrEOF = errors.New("stream ended before a pattern matched")
	// ErrLaunch matches every *LaunchError.
	ErrLaunch = errors.New("endpoint launch failed")
	// ErrWriteTimeout matches every *WriteTimeoutError.
	ErrWriteTimeout = errors.New("write timed out")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrConcurrentExpect is returned when an expect starts while another is waiting.
	ErrConcurrentExpect = errors.New("another expect is already waiting on this session")
)

// LaunchError reports an endpoint that could not be started or connected.
type LaunchError struct {
	Spec string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Spec, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// TimeoutError reports an expectation that saw no match before its deadline.
// Buffer holds the unconsumed output at the moment of failure.
type TimeoutError struct {
	Patterns []pattern.Pattern
	Timeout  time.Duration
	Buffer   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, DescribePatterns(e.Patterns))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// EOFError reports a stream that ended before any pattern matched.
type EOFError struct {
	Patterns   []pattern.Pattern
	Buffer     string
	ExitStatus int
	Exited     bool
	// Err is the read error that ended the stream, nil for a clean end of file.
	Err error
}

func (e *EOFError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stream ended while waiting for %s", DescribePatterns(e.Patterns))
	if e.Exited {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitStatus)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EOFError) Unwrap() error { return e.Err }

func (e *EOFError) Is(target error) bool { return target == ErrEOF }

// WriteTimeoutError reports a line that the endpoint did not accept in time.
type WriteTimeoutError struct {
	Line    string
	Timeout time.Duration
}

func (e *WriteTimeoutError) Error() string {
	return fmt.Sprintf("write of %q not accepted within %s", e.Line, e.Timeout)
}

func (e *WriteTimeoutError) Is(target error) bool { return target == ErrWriteTimeout }

// DescribePatterns renders an alternative list for messages.
func DescribePatterns(patterns []pattern.Pattern) string {
	switch len(patterns) {
	case 0:
		return "no patterns"
	case 1:
		return patterns[0].String()
	}
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = fmt.Sprintf("[%d] %s", i, p)
	}
	return "one of " + strings.Join(parts, ", ")
}

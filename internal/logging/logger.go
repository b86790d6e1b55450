package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	logDir  string
	level   string
	runID   string
	traceID string
	spanID  string
	now     func() time.Time
}

// WithLogDir configures the directory log files are written to.
func WithLogDir(dir string) Option {
	return func(opts *newOptions) {
		opts.logDir = strings.TrimSpace(dir)
	}
}

// WithLevel configures the minimum level written.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithSpanID configures the span_id field used in emitted log records.
func WithSpanID(spanID string) Option {
	return func(opts *newOptions) {
		opts.spanID = strings.TrimSpace(spanID)
	}
}

// WithClock overrides the time used for the log file name.
func WithClock(now func() time.Time) Option {
	return func(opts *newOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
	spanID     string
}

// New opens <log_dir>/expectrun-<timestamp>-<run_id>.log. It never writes to
// stdout, which carries the device transcript. Trace and span ids default to
// the span in ctx, if any; the run id defaults to a fresh UUID.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)
	if resolved.logDir == "" {
		return nil, errors.New("log directory must not be empty")
	}
	level := log.InfoLevel
	if resolved.level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(resolved.level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
		}
		level = parsed
	}
	if resolved.runID == "" {
		resolved.runID = uuid.NewString()
	}
	if ctx != nil {
		if spanContext := trace.SpanContextFromContext(ctx); spanContext.IsValid() {
			if resolved.traceID == "" {
				resolved.traceID = spanContext.TraceID().String()
			}
			if resolved.spanID == "" {
				resolved.spanID = spanContext.SpanID().String()
			}
		}
	}

	if err := os.MkdirAll(resolved.logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := resolved.now().UTC().Format("20060102-150405")
	filePath := filepath.Join(resolved.logDir, fmt.Sprintf("expectrun-%s-%s.log", timestamp, resolved.runID))
	// #nosec G304 -- filePath is constructed from the configured log directory.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
		traceID:    resolved.traceID,
		spanID:     resolved.spanID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")
	return runtimeLogger, nil
}

// ForScenario returns a logger whose records carry the scenario field.
func (r *RuntimeLogger) ForScenario(name string) *log.Logger {
	if r == nil || r.Logger == nil {
		return nil
	}
	return r.Logger.With("scenario", strings.TrimSpace(name))
}

// WithTraceID updates the trace_id field for subsequent log records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID = strings.TrimSpace(traceID)
	r.rebuildLogger()
	return r
}

// WithSpanID updates the span_id field for subsequent log records.
func (r *RuntimeLogger) WithSpanID(spanID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.spanID = strings.TrimSpace(spanID)
	r.rebuildLogger()
	return r
}

// RunID returns the run_id written with every record.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{now: time.Now}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

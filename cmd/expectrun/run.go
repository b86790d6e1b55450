package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/consoleharness/expectrun/internal/config"
	"github.com/consoleharness/expectrun/internal/endpoint"
	"github.com/consoleharness/expectrun/internal/events"
	"github.com/consoleharness/expectrun/internal/logging"
	"github.com/consoleharness/expectrun/internal/report"
	"github.com/consoleharness/expectrun/internal/runner"
	"github.com/consoleharness/expectrun/internal/script"
	"github.com/consoleharness/expectrun/internal/session"
	"github.com/consoleharness/expectrun/internal/telemetry"
)

const lastFailureFile = "last-failure.txt"

type runFlags struct {
	board     string
	term      string
	timeout   time.Duration
	echo      bool
	configDir string
	jobs      int
	logLevel  string
}

func newRunCommand(app *app) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] <scenario.yaml>...",
		Short: "Run scenario files against the configured console",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := app.runScenarios(cmd.Context(), cmd, flags, args)
			app.exitCode = code
			return err
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.board, "board", "", "target board compared by scenario preconditions (overrides BOARD)")
	fs.StringVar(&flags.term, "term", "", "connect spec: pty:<cmd>, exec:<cmd>, serial:<dev>[@baud] or tcp:<host:port>")
	fs.DurationVar(&flags.timeout, "timeout", 0, "default per-expect timeout")
	fs.BoolVar(&flags.echo, "echo", false, "copy device output to stdout")
	fs.StringVar(&flags.configDir, "config-dir", "", "project config directory (default ./.expectrun)")
	fs.IntVar(&flags.jobs, "jobs", 1, "scenario files run concurrently, each with its own console")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	return cmd
}

func loadRunConfig(ctx context.Context, cmd *cobra.Command, flags runFlags) (*config.Config, error) {
	var options []config.Option
	if flags.configDir != "" {
		options = append(options, config.WithConfigDir(flags.configDir))
	}
	cfg, err := config.Load(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	changed := cmd.Flags().Changed
	if changed("board") {
		cfg.Board = strings.TrimSpace(flags.board)
	}
	if changed("term") {
		cfg.TermOverride = strings.TrimSpace(flags.term)
	}
	if changed("timeout") {
		if flags.timeout <= 0 {
			return nil, fmt.Errorf("--timeout must be > 0, got %s", flags.timeout)
		}
		cfg.ExpectTimeout = flags.timeout
	}
	if changed("echo") {
		cfg.Echo = flags.echo
	}
	if changed("log-level") {
		level, err := config.ParseLogLevel(flags.logLevel)
		if err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

func (a *app) runScenarios(ctx context.Context, cmd *cobra.Command, flags runFlags, paths []string) (int, error) {
	if flags.jobs < 1 {
		return runner.ExitLaunchFailure, fmt.Errorf("--jobs must be at least 1, got %d", flags.jobs)
	}
	scripts, err := loadScripts(paths)
	if err != nil {
		return runner.ExitLaunchFailure, err
	}
	cfg, err := loadRunConfig(ctx, cmd, flags)
	if err != nil {
		return runner.ExitLaunchFailure, err
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTelEndpoint,
		Board:       cfg.Board,
		ConnectKind: connectKind(cfg),
		Scenarios:   len(scripts),
		Jobs:        flags.jobs,
	})
	if err != nil {
		return runner.ExitLaunchFailure, fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	ctx, span := otel.Tracer("expectrun/cli").Start(ctx, "cli.run")
	span.SetAttributes(attribute.Int("scenarios", len(scripts)), attribute.String("board", cfg.Board))
	defer span.End()

	logger, err := logging.New(ctx, logging.WithLogDir(cfg.LogDir), logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return runner.ExitLaunchFailure, fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(a.stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	bus := events.New(events.WithLogger(logger.Logger))
	bus.SubscribeAll(logEvent(logger.Logger))
	defer bus.Close()

	r, err := runner.New(newSpawner(cfg, bus, logger, a.stdout),
		runner.WithBoard(cfg.Board),
		runner.WithBus(bus),
		runner.WithLogger(logger.Logger),
	)
	if err != nil {
		return runner.ExitLaunchFailure, err
	}

	logger.Logger.Info("run started",
		"scenarios", len(scripts),
		"board", cfg.Board,
		"jobs", flags.jobs,
		"config_files", cfg.Sources,
	)
	results, notRun := runAll(ctx, r, scripts, flags.jobs, &lockedWriter{w: a.stderr}, logger.Logger)
	if notRun > 0 {
		fmt.Fprintf(a.stderr, "aborted: %d scenario(s) not run after a launch failure\n", notRun)
	}

	lines := make([]report.Line, 0, len(results))
	var failures []string
	for _, result := range results {
		lines = append(lines, report.Line{
			Scenario: result.Scenario,
			Verdict:  string(result.Verdict),
			ExitCode: result.ExitCode,
			Duration: result.Duration,
		})
		if result.Verdict == runner.VerdictFailed || result.Verdict == runner.VerdictLaunchFailed {
			failures = append(failures, result.Report)
		}
	}
	fmt.Fprint(a.stdout, report.Summary(lines))
	saveFailures(logger.Logger, cfg.LogDir, failures)

	code := exitCodeFor(results)
	if notRun > 0 && code == runner.ExitPassed {
		code = runner.ExitLaunchFailure
	}
	span.SetAttributes(attribute.Int("exit_code", code))
	logger.Logger.Info("run finished", "exit_code", code, "log_file", logger.Path())
	return code, nil
}

func loadScripts(paths []string) ([]*script.Script, error) {
	scripts := make([]*script.Script, 0, len(paths))
	var errs []error
	for _, path := range paths {
		s, err := script.Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scripts = append(scripts, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return scripts, nil
}

// connectKind names the scheme of the resolved connect spec, or "" when none
// resolves.
func connectKind(cfg *config.Config) string {
	raw, err := cfg.ConnectSpec()
	if err != nil {
		return ""
	}
	spec, err := endpoint.ParseSpec(raw)
	if err != nil {
		return ""
	}
	return string(spec.Kind)
}

func newSpawner(cfg *config.Config, bus events.Bus, logger *logging.RuntimeLogger, transcript io.Writer) runner.Spawner {
	spec, specErr := cfg.ConnectSpec()
	options := []session.Option{
		session.WithDefaultTimeout(cfg.ExpectTimeout),
		session.WithWriteTimeout(cfg.WriteTimeout),
		session.WithStartDelay(cfg.StartDelay),
		session.WithTerminateGrace(cfg.TerminateGrace),
		session.WithBus(bus),
	}
	if cfg.Echo {
		options = append(options, session.WithTranscript(&lockedWriter{w: transcript}))
	}

	return runner.SpawnerFunc(func(ctx context.Context, scenario string) (runner.Console, error) {
		if specErr != nil {
			return nil, &session.LaunchError{Spec: spec, Err: specErr}
		}
		scenarioOptions := append([]session.Option{session.WithLogger(logger.ForScenario(scenario))}, options...)
		return runner.SessionSpawner(spec, scenarioOptions...).Spawn(ctx, scenario)
	})
}

// runAll runs scripts with at most jobs in flight and returns results in file
// order. Once a launch fails no further file is started; the second return
// value counts the files skipped that way.
func runAll(ctx context.Context, r *runner.Runner, scripts []*script.Script, jobs int, reports io.Writer, logger *log.Logger) ([]runner.Result, int) {
	results := make([]*runner.Result, len(scripts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(jobs)

	for i, s := range scripts {
		i, s := i, s
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			result := r.Run(ctx, s.Scenario())
			results[i] = &result
			if result.Report != "" {
				fmt.Fprint(reports, result.Report)
			}
			if result.Verdict == runner.VerdictLaunchFailed {
				return result.Err
			}
			return nil
		})
	}
	// The launch error is already in its result; Wait only marks the abort.
	if err := group.Wait(); err != nil && logger != nil {
		logger.Debug("scenario launch aborted remaining files", "error", err)
	}

	ordered := make([]runner.Result, 0, len(results))
	notRun := 0
	for _, result := range results {
		if result == nil {
			notRun++
			continue
		}
		ordered = append(ordered, *result)
	}
	return ordered, notRun
}

// exitCodeFor folds verdicts into one process exit code: any failure, then any
// launch failure, then all-skipped; otherwise the run passed.
func exitCodeFor(results []runner.Result) int {
	if len(results) == 0 {
		return runner.ExitLaunchFailure
	}
	var failed, launchFailed bool
	skipped := 0
	for _, result := range results {
		switch result.Verdict {
		case runner.VerdictFailed:
			failed = true
		case runner.VerdictLaunchFailed:
			launchFailed = true
		case runner.VerdictSkipped:
			skipped++
		}
	}
	switch {
	case failed:
		return runner.ExitFailed
	case launchFailed:
		return runner.ExitLaunchFailure
	case skipped == len(results):
		return runner.ExitSkipped
	default:
		return runner.ExitPassed
	}
}

func saveFailures(logger *log.Logger, logDir string, failures []string) {
	path := filepath.Join(logDir, lastFailureFile)
	if len(failures) == 0 {
		return
	}
	if err := os.WriteFile(path, []byte(strings.Join(failures, "\n")), 0o600); err != nil {
		logger.Warn("save failure report", "path", path, "error", err)
	}
}

func logEvent(logger *log.Logger) events.Handler {
	return func(event events.Event) {
		fields := []any{"type", event.Type, "entity_type", event.EntityType, "entity_id", event.EntityID}
		if payload, ok := event.Payload.(map[string]any); ok {
			for key, value := range payload {
				fields = append(fields, key, value)
			}
		}
		switch event.Severity {
		case events.SeverityError:
			logger.Error("event", fields...)
		case events.SeverityWarn:
			logger.Warn("event", fields...)
		case events.SeverityInfo:
			logger.Info("event", fields...)
		default:
			logger.Debug("event", fields...)
		}
	}
}

// lockedWriter serializes writes from concurrently running scenarios.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

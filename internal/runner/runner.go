// Package runner owns the lifecycle of one scenario run: precondition, spawn,
// execution, verdict and guaranteed session teardown.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/consoleharness/expectrun/internal/events"
	"github.com/consoleharness/expectrun/internal/pattern"
	"github.com/consoleharness/expectrun/internal/report"
	"github.com/consoleharness/expectrun/internal/session"
	"github.com/consoleharness/expectrun/internal/state"
)

// Process exit codes, one per verdict.
const (
	ExitPassed        = 0
	ExitFailed        = 1
	ExitLaunchFailure = 2
	ExitSkipped       = 77
)

// Verdict is the outcome of one scenario.
type Verdict string

const (
	VerdictPassed       Verdict = "passed"
	VerdictFailed       Verdict = "failed"
	VerdictSkipped      Verdict = "skipped"
	VerdictLaunchFailed Verdict = "launch_failed"
)

// ExitCode maps a verdict to its process exit code.
func (v Verdict) ExitCode() int {
	switch v {
	case VerdictPassed:
		return ExitPassed
	case VerdictSkipped:
		return ExitSkipped
	case VerdictLaunchFailed:
		return ExitLaunchFailure
	default:
		return ExitFailed
	}
}

// Console is the session surface a scenario drives.
type Console interface {
	Expect(ctx context.Context, timeout time.Duration, patterns ...pattern.Pattern) (session.Match, error)
	ExpectExact(ctx context.Context, timeout time.Duration, literal string) error
	SendLine(ctx context.Context, text string) error
	Buffer() string
	Close() error
}

var _ Console = (*session.Session)(nil)

// Spawner opens the console for one scenario.
type Spawner interface {
	Spawn(ctx context.Context, scenario string) (Console, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, scenario string) (Console, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, scenario string) (Console, error) {
	return f(ctx, scenario)
}

// SessionSpawner spawns a session on spec for every scenario.
func SessionSpawner(spec string, opts ...session.Option) Spawner {
	return SpawnerFunc(func(ctx context.Context, scenario string) (Console, error) {
		scenarioOpts := append(slices.Clone(opts), session.WithName(scenario))
		return session.Spawn(ctx, spec, scenarioOpts...)
	})
}

// Env is what a precondition may inspect.
type Env struct {
	Board string
}

// Precondition decides whether a scenario applies. A false result carries the
// reason shown to the user.
type Precondition func(env Env) (bool, string)

// RequireBoard applies only when the board is one of boards. No boards means
// any board.
func RequireBoard(boards ...string) Precondition {
	return func(env Env) (bool, string) {
		if len(boards) == 0 {
			return true, ""
		}
		board := strings.TrimSpace(env.Board)
		for _, candidate := range boards {
			if strings.TrimSpace(candidate) == board && board != "" {
				return true, ""
			}
		}
		got := "unset"
		if board != "" {
			got = fmt.Sprintf("%q", board)
		}
		return false, fmt.Sprintf("requires BOARD in [%s], got %s", strings.Join(boards, ", "), got)
	}
}

// Func is the body of a scenario.
type Func func(ctx context.Context, console Console) error

// Scenario is one named test case.
type Scenario struct {
	Name         string
	Precondition Precondition
	Run          Func
}

// Result is the outcome of Runner.Run.
type Result struct {
	Scenario    string
	Verdict     Verdict
	ExitCode    int
	Err         error
	Report      string
	Duration    time.Duration
	Transitions []state.TransitionRecord
	// CloseErr is a teardown failure; it does not change the verdict.
	CloseErr error
}

// PanicError is a panic recovered from a scenario body.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scenario panicked: %v", e.Value)
}

// Option configures a Runner.
type Option func(*Runner)

// WithBoard sets the board preconditions are evaluated against.
func WithBoard(board string) Option {
	return func(r *Runner) {
		r.env.Board = strings.TrimSpace(board)
	}
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus events.Bus) Option {
	return func(r *Runner) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer replaces the global tracer for runner and state spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithClock overrides the time source used for durations and transition records.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner executes scenarios against consoles from its Spawner.
type Runner struct {
	spawner Spawner
	env     Env
	bus     events.Bus
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New builds a Runner.
func New(spawner Spawner, options ...Option) (*Runner, error) {
	if spawner == nil {
		return nil, errors.New("spawner is required")
	}
	r := &Runner{
		spawner: spawner,
		bus:     events.Discard,
		logger:  log.New(io.Discard),
		tracer:  otel.Tracer("expectrun/runner"),
		now:     time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(r)
	}
	return r, nil
}

// Run executes one scenario and always closes whatever it spawned.
func (r *Runner) Run(ctx context.Context, scenario Scenario) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	started := r.now()
	name := strings.TrimSpace(scenario.Name)
	if name == "" {
		name = "scenario"
	}
	logger := r.logger.With("scenario", name)

	ctx, span := r.tracer.Start(ctx, "runner.scenario", trace.WithAttributes(
		attribute.String("scenario", name),
		attribute.String("board", r.env.Board),
	))
	defer span.End()

	result := Result{Scenario: name}
	machine, err := state.NewMachine(r.transitionRecorder(logger), "runner",
		state.WithTracer(r.tracer), state.WithClock(r.now))
	if err != nil {
		return r.finish(span, logger, started, nil, result, VerdictFailed, err)
	}
	lifecycle, err := state.NewLifecycle(machine, state.EntityScenario, name)
	if err != nil {
		return r.finish(span, logger, started, machine, result, VerdictFailed, err)
	}
	lifecycleErr := func(err error) Result {
		_ = lifecycle.Advance(ctx, state.ScenarioClosed, "lifecycle error")
		return r.finish(span, logger, started, machine, result, VerdictFailed, err)
	}

	if err := lifecycle.Advance(ctx, state.ScenarioPreconditionChecked, "board="+r.env.Board); err != nil {
		return lifecycleErr(err)
	}
	if scenario.Precondition != nil {
		if ok, reason := scenario.Precondition(r.env); !ok {
			if err := lifecycle.Advance(ctx, state.ScenarioSkipped, reason); err != nil {
				return lifecycleErr(err)
			}
			result.Report = report.Skip(name, reason)
			logger.Info("scenario skipped", "reason", reason)
			if err := lifecycle.Advance(ctx, state.ScenarioClosed, "nothing spawned"); err != nil {
				return lifecycleErr(err)
			}
			return r.finish(span, logger, started, machine, result, VerdictSkipped, nil)
		}
	}

	if err := lifecycle.Advance(ctx, state.ScenarioRunning, ""); err != nil {
		return lifecycleErr(err)
	}

	console, err := r.spawner.Spawn(ctx, name)
	if err != nil {
		_ = lifecycle.Advance(ctx, state.ScenarioFailed, "launch failed")
		_ = lifecycle.Advance(ctx, state.ScenarioClosed, "nothing to close")
		result.Report = report.Failure(name, err)
		return r.finish(span, logger, started, machine, result, VerdictLaunchFailed, err)
	}

	closed := false
	closeConsole := func() {
		if closed {
			return
		}
		closed = true
		if err := console.Close(); err != nil {
			result.CloseErr = err
			logger.Warn("session close failed", "error", err)
		}
	}
	defer closeConsole()

	runErr := r.invoke(ctx, scenario.Run, console)
	verdict := VerdictPassed
	verdictState := state.ScenarioPassed
	if runErr != nil {
		verdict = VerdictFailed
		verdictState = state.ScenarioFailed
		result.Report = report.Failure(name, runErr)
	}
	if err := lifecycle.Advance(ctx, verdictState, ""); err != nil {
		closeConsole()
		return lifecycleErr(errors.Join(runErr, err))
	}

	closeConsole()
	if err := lifecycle.Advance(ctx, state.ScenarioClosed, "session closed"); err != nil {
		return lifecycleErr(errors.Join(runErr, err))
	}
	return r.finish(span, logger, started, machine, result, verdict, runErr)
}

func (r *Runner) invoke(ctx context.Context, fn Func, console Console) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, console)
}

func (r *Runner) finish(
	span trace.Span,
	logger *log.Logger,
	started time.Time,
	machine *state.Machine,
	result Result,
	verdict Verdict,
	err error,
) Result {
	result.Verdict = verdict
	result.ExitCode = verdict.ExitCode()
	result.Err = err
	result.Duration = r.now().Sub(started)
	if machine != nil {
		result.Transitions = machine.History()
		if validateErr := state.ValidateScenarioLifecycle(result.Transitions); validateErr != nil {
			logger.Error("scenario lifecycle incomplete", "error", validateErr)
		}
	}
	if err != nil && result.Report == "" {
		result.Report = report.Failure(result.Scenario, err)
	}

	span.SetAttributes(
		attribute.String("verdict", string(verdict)),
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	switch verdict {
	case VerdictPassed, VerdictSkipped:
		span.SetStatus(codes.Ok, string(verdict))
	default:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	fields := []any{"verdict", verdict, "exit_code", result.ExitCode, "duration", result.Duration}
	if err != nil {
		logger.Error("scenario finished", append(fields, "error", err)...)
	} else {
		logger.Info("scenario finished", fields...)
	}

	severity := events.SeverityInfo
	if err != nil {
		severity = events.SeverityError
	}
	r.bus.Publish(events.Event{
		Type:       events.EventTypeVerdict,
		EntityType: string(state.EntityScenario),
		EntityID:   result.Scenario,
		Severity:   severity,
		Payload: map[string]any{
			"verdict":     string(verdict),
			"exit_code":   result.ExitCode,
			"duration_ms": result.Duration.Milliseconds(),
		},
	})

	return result
}

func (r *Runner) transitionRecorder(logger *log.Logger) state.Recorder {
	return state.RecorderFunc(func(_ context.Context, record state.TransitionRecord) error {
		logger.Debug("scenario state changed", "from", record.FromState, "to", record.ToState, "reason", record.Reason)
		r.bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  record.Timestamp,
			EntityType: string(record.EntityType),
			EntityID:   record.EntityID,
			Severity:   events.SeverityDebug,
			Payload: map[string]any{
				"from":   record.FromState,
				"to":     record.ToState,
				"reason": record.Reason,
			},
		})
		return nil
	})
}

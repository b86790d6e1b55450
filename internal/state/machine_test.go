package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionEnforcesScenarioLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence [][2]string
	}{
		{
			name: "passed",
			sequence: [][2]string{
				{ScenarioNotStarted, ScenarioPreconditionChecked},
				{ScenarioPreconditionChecked, ScenarioRunning},
				{ScenarioRunning, ScenarioPassed},
				{ScenarioPassed, ScenarioClosed},
			},
		},
		{
			name: "failed",
			sequence: [][2]string{
				{ScenarioNotStarted, ScenarioPreconditionChecked},
				{ScenarioPreconditionChecked, ScenarioRunning},
				{ScenarioRunning, ScenarioFailed},
				{ScenarioFailed, ScenarioClosed},
			},
		},
		{
			name: "skipped",
			sequence: [][2]string{
				{ScenarioNotStarted, ScenarioPreconditionChecked},
				{ScenarioPreconditionChecked, ScenarioSkipped},
				{ScenarioSkipped, ScenarioClosed},
			},
		},
		{
			name: "aborted before precondition",
			sequence: [][2]string{
				{ScenarioNotStarted, ScenarioClosed},
			},
		},
		{
			name: "aborted while running",
			sequence: [][2]string{
				{ScenarioNotStarted, ScenarioPreconditionChecked},
				{ScenarioPreconditionChecked, ScenarioRunning},
				{ScenarioRunning, ScenarioClosed},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			recorder := &fakeRecorder{}
			machine, err := NewMachine(recorder, "runner")
			if err != nil {
				t.Fatalf("new machine: %v", err)
			}

			for _, step := range tt.sequence {
				err := machine.Transition(context.Background(), EntityScenario, "shell", step[0], step[1], "transition")
				if err != nil {
					t.Fatalf("transition %s -> %s: %v", step[0], step[1], err)
				}
			}

			if len(recorder.records) != len(tt.sequence) {
				t.Fatalf("recorded = %d, want %d", len(recorder.records), len(tt.sequence))
			}
			if err := ValidateScenarioLifecycle(machine.History()); err != nil {
				t.Fatalf("validate lifecycle: %v", err)
			}
		})
	}
}

func TestClosedIsReachableFromEveryStateAndTerminal(t *testing.T) {
	t.Parallel()

	for _, from := range []string{
		ScenarioNotStarted,
		ScenarioPreconditionChecked,
		ScenarioSkipped,
		ScenarioRunning,
		ScenarioPassed,
		ScenarioFailed,
	} {
		if !IsAllowed(EntityScenario, from, ScenarioClosed) {
			t.Fatalf("%s -> closed not allowed", from)
		}
		if IsTerminal(EntityScenario, from) {
			t.Fatalf("%s reported terminal", from)
		}
	}
	if !IsTerminal(EntityScenario, ScenarioClosed) {
		t.Fatal("closed must be terminal")
	}
	if IsAllowed(EntityScenario, ScenarioClosed, ScenarioRunning) {
		t.Fatal("closed -> running must be illegal")
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	machine, err := NewMachine(recorder, "runner")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	err = machine.Transition(
		context.Background(),
		EntityScenario,
		"led",
		ScenarioNotStarted,
		ScenarioRunning,
		"skip precondition",
	)
	if err == nil {
		t.Fatal("expected illegal transition error, got nil")
	}

	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if !errors.Is(err, &IllegalTransitionError{}) {
		t.Fatalf("errors.Is(%v, IllegalTransitionError{}) = false, want true", err)
	}
	if illegalErr.EntityType != EntityScenario {
		t.Fatalf("entity type = %s, want %s", illegalErr.EntityType, EntityScenario)
	}
	if illegalErr.FromState != ScenarioNotStarted || illegalErr.ToState != ScenarioRunning {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if !strings.Contains(err.Error(), "illegal transition for entity lifecycle") {
		t.Fatalf("error text missing reason: %v", err)
	}
	if len(recorder.records) != 0 {
		t.Fatalf("illegal transition was recorded: %+v", recorder.records)
	}
}

func TestTransitionRecordsTimestampActorAndReason(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	machine, err := NewMachine(&fakeRecorder{}, "ci", WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := machine.Transition(
		context.Background(),
		EntityScenario,
		"mutex",
		ScenarioNotStarted,
		ScenarioPreconditionChecked,
		"board native accepted",
	); err != nil {
		t.Fatalf("transition: %v", err)
	}

	history := machine.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.Actor != "ci" {
		t.Fatalf("actor = %q, want %q", record.Actor, "ci")
	}
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "board native accepted" {
		t.Fatalf("reason = %q", record.Reason)
	}
}

func TestTransitionWrapsRecorderErrors(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine(&fakeRecorder{err: errors.New("bus closed")}, "runner")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	err = machine.Transition(context.Background(), EntityScenario, "mutex", ScenarioNotStarted, ScenarioClosed, "")
	if err == nil || !strings.Contains(err.Error(), "record state transition") {
		t.Fatalf("err = %v, want wrapped recorder error", err)
	}
	if len(machine.History()) != 0 {
		t.Fatal("failed transition kept in history")
	}
}

func TestLifecycleAdvancesAndKeepsStateOnError(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine(&fakeRecorder{}, "runner")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	lifecycle, err := NewLifecycle(machine, EntityScenario, "random")
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	if lifecycle.Current() != ScenarioNotStarted {
		t.Fatalf("initial = %s", lifecycle.Current())
	}

	if err := lifecycle.Advance(context.Background(), ScenarioPreconditionChecked, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := lifecycle.Advance(context.Background(), ScenarioPassed, ""); err == nil {
		t.Fatal("expected illegal transition")
	}
	if lifecycle.Current() != ScenarioPreconditionChecked {
		t.Fatalf("state changed on error: %s", lifecycle.Current())
	}

	if _, err := NewLifecycle(machine, EntityType("device"), "x"); err == nil {
		t.Fatal("expected unknown entity error")
	}
}

func TestNewMachineRequiresRecorder(t *testing.T) {
	t.Parallel()

	if _, err := NewMachine(nil, "runner"); err == nil {
		t.Fatal("expected error for nil recorder")
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine, err := NewMachine(&fakeRecorder{}, "runner", WithTracer(provider.Tracer("state-test")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := machine.Transition(
		context.Background(),
		EntityScenario,
		"gnrc-pktbuf",
		ScenarioRunning,
		ScenarioPassed,
		"scenario returned",
	); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	want := map[string]string{
		"entity_type": string(EntityScenario),
		"entity_id":   "gnrc-pktbuf",
		"from_state":  ScenarioRunning,
		"to_state":    ScenarioPassed,
		"reason":      "scenario returned",
	}
	for key, value := range want {
		if got := attrs[key]; got != value {
			t.Fatalf("%s = %q, want %q", key, got, value)
		}
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
}

func TestTransitionRecordsErrorsAndUsesParentContext(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine, err := NewMachine(&fakeRecorder{err: errors.New("store failed")}, "runner", WithTracer(tracer))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	err = machine.Transition(parentCtx, EntityScenario, "led", ScenarioNotStarted, ScenarioPreconditionChecked, "record failure")
	parentSpan.End()

	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	transitionSpan := findTransitionSpan(t, spanRecorder.Ended())
	if transitionSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf(
			"transition span parent = %s, want %s",
			transitionSpan.Parent().SpanID(),
			parentSpan.SpanContext().SpanID(),
		)
	}
	if transitionSpan.Status().Code != codes.Error {
		t.Fatalf("status code = %v, want %v", transitionSpan.Status().Code, codes.Error)
	}
	if len(transitionSpan.Events()) == 0 {
		t.Fatal("expected at least one event recorded on error span")
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "state.transition" {
			return span
		}
	}
	t.Fatalf("state.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}

type fakeRecorder struct {
	records []TransitionRecord
	err     error
}

func (f *fakeRecorder) RecordTransition(_ context.Context, record TransitionRecord) error {
	if f.err != nil {
		return fmt.Errorf("record: %w", f.err)
	}
	f.records = append(f.records, record)
	return nil
}

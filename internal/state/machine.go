package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/consoleharness/expectrun/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityScenario is the scenario lifecycle state machine.
	EntityScenario EntityType = "scenario"
)

const (
	ScenarioNotStarted          = "not_started"
	ScenarioPreconditionChecked = "precondition_checked"
	ScenarioSkipped             = "skipped"
	ScenarioRunning             = "running"
	ScenarioPassed              = "passed"
	ScenarioFailed              = "failed"
	ScenarioClosed              = "closed"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityScenario: {
		ScenarioNotStarted: {
			ScenarioPreconditionChecked: {},
			ScenarioClosed:              {},
		},
		ScenarioPreconditionChecked: {
			ScenarioSkipped: {},
			ScenarioRunning: {},
			ScenarioClosed:  {},
		},
		ScenarioSkipped: {
			ScenarioClosed: {},
		},
		ScenarioRunning: {
			ScenarioPassed: {},
			ScenarioFailed: {},
			ScenarioClosed: {},
		},
		ScenarioPassed: {
			ScenarioClosed: {},
		},
		ScenarioFailed: {
			ScenarioClosed: {},
		},
	},
}

// initialStates holds the state every entity starts in.
var initialStates = map[EntityType]string{
	EntityScenario: ScenarioNotStarted,
}

// Recorder receives every accepted transition.
type Recorder interface {
	RecordTransition(ctx context.Context, record TransitionRecord) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, record TransitionRecord) error

// RecordTransition calls f.
func (f RecorderFunc) RecordTransition(ctx context.Context, record TransitionRecord) error {
	return f(ctx, record)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates and records deterministic state transitions.
type Machine struct {
	recorder Recorder
	actor    string
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a deterministic state machine.
func NewMachine(recorder Recorder, actor string, options ...Option) (*Machine, error) {
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}

	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "runner"
	}

	machine := &Machine{
		recorder: recorder,
		actor:    normalizedActor,
		tracer:   otel.Tracer("expectrun/state"),
		now:      time.Now,
		history:  []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}

	return machine, nil
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !IsAllowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  m.now().UTC(),
	}

	if err := m.recorder.RecordTransition(ctx, record); err != nil {
		wrapped := fmt.Errorf("record state transition for %s: %w", entityID, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	m.mu.Unlock()
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Lifecycle tracks the current state of one entity and moves it through a Machine.
type Lifecycle struct {
	machine    *Machine
	entityType EntityType
	entityID   string
	current    string
}

// NewLifecycle starts an entity in its initial state.
func NewLifecycle(machine *Machine, entityType EntityType, entityID string) (*Lifecycle, error) {
	if machine == nil {
		return nil, errors.New("machine is required")
	}
	initial, ok := initialStates[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	return &Lifecycle{
		machine:    machine,
		entityType: entityType,
		entityID:   entityID,
		current:    initial,
	}, nil
}

// Current returns the entity's state.
func (l *Lifecycle) Current() string {
	return l.current
}

// Advance moves the entity to toState. The state is unchanged on error.
func (l *Lifecycle) Advance(ctx context.Context, toState, reason string) error {
	if err := l.machine.Transition(ctx, l.entityType, l.entityID, l.current, toState, reason); err != nil {
		return err
	}
	l.current = toState
	return nil
}

// IsAllowed reports whether the state machine permits fromState -> toState.
func IsAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

// IsTerminal reports whether no transition leaves state.
func IsTerminal(entityType EntityType, state string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	return len(entityTransitions[state]) == 0
}

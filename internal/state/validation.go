package state

import (
	"errors"
	"fmt"
)

// LifecycleError describes a recorded transition history that does not form
// one complete scenario lifecycle.
type LifecycleError struct {
	EntityID string
	Reason   string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("scenario %q lifecycle is incomplete: %s", e.EntityID, e.Reason)
}

// ValidateScenarioLifecycle checks that history walks one scenario from
// not_started to closed without gaps and reaches at most one verdict.
func ValidateScenarioLifecycle(history []TransitionRecord) error {
	if len(history) == 0 {
		return errors.New("history must not be empty")
	}

	entityID := history[0].EntityID
	current := ScenarioNotStarted
	verdicts := 0
	for i, record := range history {
		if record.EntityType != EntityScenario || record.EntityID != entityID {
			return &LifecycleError{
				EntityID: entityID,
				Reason:   fmt.Sprintf("record %d belongs to %s %q", i, record.EntityType, record.EntityID),
			}
		}
		if record.FromState != current {
			return &LifecycleError{
				EntityID: entityID,
				Reason:   fmt.Sprintf("record %d starts at %q, expected %q", i, record.FromState, current),
			}
		}
		if !IsAllowed(EntityScenario, record.FromState, record.ToState) {
			return &LifecycleError{
				EntityID: entityID,
				Reason:   fmt.Sprintf("record %d moves %q to %q", i, record.FromState, record.ToState),
			}
		}
		if isVerdictState(record.ToState) {
			verdicts++
		}
		current = record.ToState
	}

	if current != ScenarioClosed {
		return &LifecycleError{EntityID: entityID, Reason: fmt.Sprintf("ends at %q instead of %q", current, ScenarioClosed)}
	}
	if verdicts > 1 {
		return &LifecycleError{EntityID: entityID, Reason: "more than one verdict recorded"}
	}
	return nil
}

// VerdictState returns the verdict state a history reached, if any.
func VerdictState(history []TransitionRecord) (string, bool) {
	for _, record := range history {
		if isVerdictState(record.ToState) {
			return record.ToState, true
		}
	}
	return "", false
}

func isVerdictState(value string) bool {
	switch value {
	case ScenarioPassed, ScenarioFailed, ScenarioSkipped:
		return true
	default:
		return false
	}
}

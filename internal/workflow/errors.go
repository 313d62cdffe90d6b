package workflow

import "fmt"

// ValidationError indicates malformed caller input (summary too short,
// non-positive quantity, unknown unit).
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError indicates a mutation attempted against an entity whose
// current state forbids it, most commonly a terminal entity.
type InvalidStateError struct {
	EntityID string
	State    string
	Action   string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("entity %s in state %s does not allow %s", e.EntityID, e.State, e.Action)
}

// InvalidTransitionError indicates a (state, event) pair outside the
// transition table. The entity's persisted state is unchanged.
type InvalidTransitionError struct {
	EntityID string
	Kind     string
	From     string
	Event    string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s for entity %s", e.Kind, e.From, e.Event, e.EntityID)
}

// LimitExceededError indicates the per-phase photo cap was hit.
type LimitExceededError struct {
	EntityID string
	Phase    string
	Limit    int
}

func (e LimitExceededError) Error() string {
	return fmt.Sprintf("entity %s already has %d %s photos", e.EntityID, e.Limit, e.Phase)
}

// NotEligibleError indicates a report was requested for a non-terminal entity.
type NotEligibleError struct {
	EntityID string
	State    string
}

func (e NotEligibleError) Error() string {
	return fmt.Sprintf("entity %s in state %s is not eligible for a report", e.EntityID, e.State)
}

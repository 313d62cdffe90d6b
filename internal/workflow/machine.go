// Package workflow defines the shared lifecycle for incidents and
// maintenance tasks. Both kinds run the same table; they differ only in
// the label of the terminal state.
package workflow

const (
	KindIncident    = "incident"
	KindMaintenance = "maintenance"
)

const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateResolved   = "resolved"
	StateCompleted  = "completed"
)

const (
	EventStart    = "start"
	EventComplete = "complete"
)

// MinSummaryLen is the completion guard: a completion summary shorter
// than this is rejected before any state change.
const MinSummaryLen = 20

func ValidKind(kind string) bool {
	return kind == KindIncident || kind == KindMaintenance
}

// TerminalState returns the terminal label for a kind.
func TerminalState(kind string) string {
	if kind == KindIncident {
		return StateResolved
	}
	return StateCompleted
}

func IsTerminal(kind, state string) bool {
	return state == TerminalState(kind)
}

// States lists the legal states for a kind, in lifecycle order.
func States(kind string) []string {
	return []string{StatePending, StateInProgress, TerminalState(kind)}
}

func ValidState(kind, state string) bool {
	for _, s := range States(kind) {
		if s == state {
			return true
		}
	}
	return false
}

// edges maps event -> allowed source states. The completion event is
// legal from pending too: fast-turnaround work gets resolved without a
// distinct in-progress window.
var edges = map[string][]string{
	EventStart:    {StatePending},
	EventComplete: {StatePending, StateInProgress},
}

// Next resolves the target state for (kind, state, event), or fails with
// InvalidTransitionError if the pair is outside the table.
func Next(entityID, kind, state, event string) (string, error) {
	sources, ok := edges[event]
	if ok {
		for _, s := range sources {
			if s == state {
				if event == EventStart {
					return StateInProgress, nil
				}
				return TerminalState(kind), nil
			}
		}
	}
	return "", InvalidTransitionError{EntityID: entityID, Kind: kind, From: state, Event: event}
}

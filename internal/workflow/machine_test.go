package workflow

import (
	"errors"
	"testing"
)

func TestTerminalStatePerKind(t *testing.T) {
	if got := TerminalState(KindIncident); got != StateResolved {
		t.Fatalf("incident terminal = %q", got)
	}
	if got := TerminalState(KindMaintenance); got != StateCompleted {
		t.Fatalf("maintenance terminal = %q", got)
	}
	if IsTerminal(KindIncident, StateCompleted) {
		t.Fatalf("completed is not a valid incident state")
	}
	if !IsTerminal(KindMaintenance, StateCompleted) {
		t.Fatalf("completed should be terminal for maintenance")
	}
}

func TestNextCoversEveryPair(t *testing.T) {
	for _, kind := range []string{KindIncident, KindMaintenance} {
		terminal := TerminalState(kind)
		cases := []struct {
			state, event string
			want         string
			ok           bool
		}{
			{StatePending, EventStart, StateInProgress, true},
			{StatePending, EventComplete, terminal, true},
			{StateInProgress, EventStart, "", false},
			{StateInProgress, EventComplete, terminal, true},
			{terminal, EventStart, "", false},
			{terminal, EventComplete, "", false},
		}
		for _, tc := range cases {
			got, err := Next("e1", kind, tc.state, tc.event)
			if tc.ok {
				if err != nil {
					t.Fatalf("%s/%s/%s: unexpected error %v", kind, tc.state, tc.event, err)
				}
				if got != tc.want {
					t.Fatalf("%s/%s/%s: got %q want %q", kind, tc.state, tc.event, got, tc.want)
				}
				continue
			}
			var ite InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("%s/%s/%s: want InvalidTransitionError, got %v", kind, tc.state, tc.event, err)
			}
			if ite.From != tc.state || ite.Event != tc.event {
				t.Fatalf("error fields %+v", ite)
			}
		}
	}
}

func TestNextRejectsUnknownEvent(t *testing.T) {
	if _, err := Next("e1", KindIncident, StatePending, "pause"); err == nil {
		t.Fatalf("unknown event must be rejected")
	}
}

func TestValidState(t *testing.T) {
	if ValidState(KindIncident, StateCompleted) {
		t.Fatalf("completed is not an incident state")
	}
	if !ValidState(KindMaintenance, StateCompleted) {
		t.Fatalf("completed is a maintenance state")
	}
	if ValidState(KindIncident, "archived") {
		t.Fatalf("unknown state accepted")
	}
}

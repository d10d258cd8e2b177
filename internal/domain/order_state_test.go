package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransitionMatchesTable(t *testing.T) {
	allowed := map[OrderState][]OrderState{
		OrderStateCreated:   {OrderStateConfirmed, OrderStateCancelled},
		OrderStateConfirmed: {OrderStatePreparing, OrderStateCancelled},
		OrderStatePreparing: {OrderStateReady},
		OrderStateReady:     {OrderStateServed, OrderStateCancelled},
		OrderStateServed:    {OrderStateRefunded},
	}

	for _, from := range AllOrderStates() {
		for _, to := range AllOrderStates() {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransitionHasNoSelfLoops(t *testing.T) {
	for _, state := range AllOrderStates() {
		if CanTransition(state, state) {
			t.Fatalf("expected no self loop for %s", state)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, state := range AllOrderStates() {
		terminal := state == OrderStateCancelled || state == OrderStateRefunded
		if state.IsTerminal() != terminal {
			t.Fatalf("IsTerminal(%s) = %v", state, state.IsTerminal())
		}
		if terminal && len(AllowedTransitions(state)) != 0 {
			t.Fatalf("terminal state %s has outgoing edges", state)
		}
	}
	if OrderState("bogus").IsTerminal() {
		t.Fatalf("unknown state must not be terminal")
	}
}

func TestPreparingCannotBeCancelled(t *testing.T) {
	if CanTransition(OrderStatePreparing, OrderStateCancelled) {
		t.Fatalf("preparing orders must not be cancellable")
	}
}

func TestParseOrderStateRoundTrip(t *testing.T) {
	for _, state := range AllOrderStates() {
		parsed, err := ParseOrderState(state.String())
		if err != nil {
			t.Fatalf("parse %s: %v", state, err)
		}
		if parsed != state {
			t.Fatalf("round trip mismatch: %s != %s", parsed, state)
		}
	}

	parsed, err := ParseOrderState("  served ")
	if err != nil || parsed != OrderStateServed {
		t.Fatalf("expected lenient parse, got %s err=%v", parsed, err)
	}
}

func TestParseOrderStateRejectsUnknown(t *testing.T) {
	for _, input := range []string{"", "DELIVERED", "created-ish"} {
		_, err := ParseOrderState(input)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("expected ParseError for %q, got %v", input, err)
		}
	}
}

func TestOrderStateJSON(t *testing.T) {
	payload, err := json.Marshal(map[string]OrderState{"state": OrderStateReady})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"state":"READY"}` {
		t.Fatalf("unexpected payload %s", payload)
	}

	var decoded struct {
		State OrderState `json:"state"`
	}
	if err := json.Unmarshal([]byte(`{"state":"unknown"}`), &decoded); err == nil {
		t.Fatalf("expected unknown state to fail decoding")
	}
	if _, err := json.Marshal(struct{ S OrderState }{S: "nope"}); err == nil {
		t.Fatalf("expected unknown state to fail encoding")
	}
}

func TestIsActive(t *testing.T) {
	active := []OrderState{OrderStateCreated, OrderStateConfirmed, OrderStatePreparing, OrderStateReady}
	for _, state := range active {
		if !state.IsActive() {
			t.Fatalf("expected %s to be active", state)
		}
	}
	for _, state := range []OrderState{OrderStateServed, OrderStateCancelled, OrderStateRefunded} {
		if state.IsActive() {
			t.Fatalf("expected %s to be inactive", state)
		}
	}
}

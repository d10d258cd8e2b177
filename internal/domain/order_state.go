package domain

import (
	"fmt"
	"slices"
	"strings"
)

// OrderState enumerates the lifecycle states an order moves through. The string value is the display name used
// by persistence and reporting collaborators.
type OrderState string

const (
	// OrderStateCreated is the initial state assigned when an order is placed.
	OrderStateCreated OrderState = "CREATED"
	// OrderStateConfirmed indicates the kitchen accepted the order.
	OrderStateConfirmed OrderState = "CONFIRMED"
	// OrderStatePreparing indicates the order is being prepared.
	OrderStatePreparing OrderState = "PREPARING"
	// OrderStateReady indicates the order awaits hand-off to the customer.
	OrderStateReady OrderState = "READY"
	// OrderStateServed indicates the order was handed to the customer.
	OrderStateServed OrderState = "SERVED"
	// OrderStateCancelled is terminal: the order was abandoned before service.
	OrderStateCancelled OrderState = "CANCELLED"
	// OrderStateRefunded is terminal: a served order was refunded.
	OrderStateRefunded OrderState = "REFUNDED"
)

var orderStates = []OrderState{
	OrderStateCreated,
	OrderStateConfirmed,
	OrderStatePreparing,
	OrderStateReady,
	OrderStateServed,
	OrderStateCancelled,
	OrderStateRefunded,
}

// Preparing has no cancel edge; mid-preparation cancellation is not supported.
var orderStateTransitions = map[OrderState][]OrderState{
	OrderStateCreated:   {OrderStateConfirmed, OrderStateCancelled},
	OrderStateConfirmed: {OrderStatePreparing, OrderStateCancelled},
	OrderStatePreparing: {OrderStateReady},
	OrderStateReady:     {OrderStateServed, OrderStateCancelled},
	OrderStateServed:    {OrderStateRefunded},
}

// AllOrderStates returns every known state in lifecycle order.
func AllOrderStates() []OrderState {
	return slices.Clone(orderStates)
}

// CanTransition reports whether the transition table permits moving from current to next.
func CanTransition(current, next OrderState) bool {
	return slices.Contains(orderStateTransitions[current], next)
}

// AllowedTransitions lists the states reachable from state in a single step.
func AllowedTransitions(state OrderState) []OrderState {
	return slices.Clone(orderStateTransitions[state])
}

// IsValid reports whether the state belongs to the known set.
func (s OrderState) IsValid() bool {
	return slices.Contains(orderStates, s)
}

// IsTerminal reports whether the state admits no outgoing transitions.
func (s OrderState) IsTerminal() bool {
	return s.IsValid() && len(orderStateTransitions[s]) == 0
}

// IsActive reports whether the order still needs work from the kitchen or front of house.
func (s OrderState) IsActive() bool {
	switch s {
	case OrderStateServed, OrderStateCancelled, OrderStateRefunded:
		return false
	default:
		return s.IsValid()
	}
}

// String returns the display name.
func (s OrderState) String() string {
	return string(s)
}

// ParseOrderState converts a display name into an OrderState. Unknown values are rejected.
func ParseOrderState(value string) (OrderState, error) {
	normalized := OrderState(strings.ToUpper(strings.TrimSpace(value)))
	if !normalized.IsValid() {
		return "", &ParseError{Kind: "order state", Value: value}
	}
	return normalized, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s OrderState) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("domain: cannot marshal unknown order state %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OrderState) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

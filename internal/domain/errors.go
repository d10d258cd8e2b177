package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount indicates a non-positive or otherwise unusable monetary amount.
	ErrInvalidAmount = errors.New("order: amount must be positive")
	// ErrTerminalOrder indicates a mutation was attempted on a cancelled or refunded order.
	ErrTerminalOrder = errors.New("order: order is in a terminal state")
)

// ParseError reports a value that does not map onto a known domain constant.
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("domain: unknown %s %q", e.Kind, e.Value)
}

// IllegalTransitionError reports an edge that does not exist in the order state machine.
type IllegalTransitionError struct {
	From OrderState
	To   OrderState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order: illegal transition %s -> %s", e.From, e.To)
}

// BusinessRuleViolation reports a failed precondition together with the reason shown to callers.
type BusinessRuleViolation struct {
	Rule   string
	Reason string
}

func (e *BusinessRuleViolation) Error() string {
	return fmt.Sprintf("order: rule %s violated: %s", e.Rule, e.Reason)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

// IsBusinessRuleViolation reports whether err wraps a BusinessRuleViolation.
func IsBusinessRuleViolation(err error) bool {
	var target *BusinessRuleViolation
	return errors.As(err, &target)
}

package domain

import "time"

// Order is the aggregate governed by the order state machine. State and TotalAmount only change through
// TryTransition and Reprice.
type Order struct {
	ID             int64
	CustomerID     int64
	TotalAmount    float64
	Priority       int
	State          OrderState
	CancelReason   string
	RefundedAmount float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// NewOrder builds an order in the Created state.
func NewOrder(id, customerID int64, amount float64, priority int, now time.Time) (Order, error) {
	if amount <= 0 {
		return Order{}, ErrInvalidAmount
	}
	return Order{
		ID:          id,
		CustomerID:  customerID,
		TotalAmount: amount,
		Priority:    priority,
		State:       OrderStateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// TryTransition moves the order to next when the state machine allows it. The order is left untouched on
// failure. Business policy is not checked here.
func (o *Order) TryTransition(next OrderState) error {
	if !CanTransition(o.State, next) {
		return &IllegalTransitionError{From: o.State, To: next}
	}
	o.State = next
	return nil
}

// Reprice replaces the total amount. Terminal orders and non-positive amounts are rejected.
func (o *Order) Reprice(amount float64) error {
	if o.State.IsTerminal() {
		return ErrTerminalOrder
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	o.TotalAmount = amount
	return nil
}

// Touch records a successful mutation.
func (o *Order) Touch(now time.Time) {
	o.UpdatedAt = now
	o.Version++
}

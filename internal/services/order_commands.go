package services

import "fmt"

// Command is a closed set of order mutations. Only types in this package implement it.
type Command interface {
	// Name is the stable operation tag used for idempotency records, metrics and history.
	Name() string
	// TargetOrderID is the order the command mutates, or zero when the command creates one.
	TargetOrderID() int64
	isCommand()
}

// PlaceOrder creates an order in the CREATED state.
type PlaceOrder struct {
	CustomerID int64   `json:"customer_id"`
	Subtotal   float64 `json:"subtotal"`
	Priority   int     `json:"priority"`
	ApplyTax   bool    `json:"apply_tax"`
}

// ConfirmOrder moves a CREATED order to CONFIRMED.
type ConfirmOrder struct {
	OrderID int64 `json:"order_id"`
}

// StartPreparing moves a CONFIRMED order to PREPARING.
type StartPreparing struct {
	OrderID int64 `json:"order_id"`
}

// MarkReady moves a PREPARING order to READY.
type MarkReady struct {
	OrderID int64 `json:"order_id"`
}

// ServeOrder hands a READY order to the customer.
type ServeOrder struct {
	OrderID int64 `json:"order_id"`
}

// CancelOrder abandons an order before it is served.
type CancelOrder struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// IssueRefund refunds a served order inside the refund window.
type IssueRefund struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// ModifyOrder reprices an order that has not entered preparation.
type ModifyOrder struct {
	OrderID  int64   `json:"order_id"`
	Subtotal float64 `json:"subtotal"`
	ApplyTax bool    `json:"apply_tax"`
}

const (
	CommandPlaceOrder     = "PlaceOrder"
	CommandConfirmOrder   = "ConfirmOrder"
	CommandStartPreparing = "StartPreparing"
	CommandMarkReady      = "MarkReady"
	CommandServeOrder     = "ServeOrder"
	CommandCancelOrder    = "CancelOrder"
	CommandIssueRefund    = "IssueRefund"
	CommandModifyOrder    = "ModifyOrder"
)

func (PlaceOrder) Name() string     { return CommandPlaceOrder }
func (ConfirmOrder) Name() string   { return CommandConfirmOrder }
func (StartPreparing) Name() string { return CommandStartPreparing }
func (MarkReady) Name() string      { return CommandMarkReady }
func (ServeOrder) Name() string     { return CommandServeOrder }
func (CancelOrder) Name() string    { return CommandCancelOrder }
func (IssueRefund) Name() string    { return CommandIssueRefund }
func (ModifyOrder) Name() string    { return CommandModifyOrder }

func (PlaceOrder) TargetOrderID() int64       { return 0 }
func (c ConfirmOrder) TargetOrderID() int64   { return c.OrderID }
func (c StartPreparing) TargetOrderID() int64 { return c.OrderID }
func (c MarkReady) TargetOrderID() int64      { return c.OrderID }
func (c ServeOrder) TargetOrderID() int64     { return c.OrderID }
func (c CancelOrder) TargetOrderID() int64    { return c.OrderID }
func (c IssueRefund) TargetOrderID() int64    { return c.OrderID }
func (c ModifyOrder) TargetOrderID() int64    { return c.OrderID }

func (PlaceOrder) isCommand()     {}
func (ConfirmOrder) isCommand()   {}
func (StartPreparing) isCommand() {}
func (MarkReady) isCommand()      {}
func (ServeOrder) isCommand()     {}
func (CancelOrder) isCommand()    {}
func (IssueRefund) isCommand()    {}
func (ModifyOrder) isCommand()    {}

// compensationFor returns the explicit compensating command for a history entry. Only commands with a business
// inverse can be undone: placing or confirming is compensated by cancelling, serving by refunding.
func compensationFor(entry HistoryEntry) (Command, error) {
	if entry.Compensates != 0 {
		return nil, fmt.Errorf("%w: entry %d is itself a compensation", ErrNotCompensable, entry.Seq)
	}
	reason := fmt.Sprintf("undo %s #%d", entry.Command.Name(), entry.Seq)
	switch entry.Command.(type) {
	case PlaceOrder, ConfirmOrder:
		return CancelOrder{OrderID: entry.OrderID, Reason: reason}, nil
	case ServeOrder:
		return IssueRefund{OrderID: entry.OrderID, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotCompensable, entry.Command.Name())
	}
}

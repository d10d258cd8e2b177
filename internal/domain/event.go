package domain

import (
	"maps"
	"time"
)

// EventType enumerates the order events published by the command layer.
type EventType string

const (
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderConfirmed EventType = "ORDER_CONFIRMED"
	EventOrderPreparing EventType = "ORDER_PREPARING"
	EventOrderReady     EventType = "ORDER_READY"
	EventOrderServed    EventType = "ORDER_SERVED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRefunded  EventType = "ORDER_REFUNDED"
	EventRefundIssued   EventType = "REFUND_ISSUED"
	EventOrderModified  EventType = "ORDER_MODIFIED"
)

// EntityTypeOrder tags events raised for orders.
const EntityTypeOrder = "order"

var stateEvents = map[OrderState]EventType{
	OrderStateCreated:   EventOrderPlaced,
	OrderStateConfirmed: EventOrderConfirmed,
	OrderStatePreparing: EventOrderPreparing,
	OrderStateReady:     EventOrderReady,
	OrderStateServed:    EventOrderServed,
	OrderStateCancelled: EventOrderCancelled,
	OrderStateRefunded:  EventOrderRefunded,
}

// EventTypeForState returns the event announcing entry into state.
func EventTypeForState(state OrderState) (EventType, bool) {
	eventType, ok := stateEvents[state]
	return eventType, ok
}

// Event is an immutable record of something that happened to an order. Observers receive their own copy.
type Event struct {
	ID            string
	Type          EventType
	EntityID      int64
	EntityType    string
	Details       string
	SourceAction  string
	RequestID     string
	PreviousState OrderState
	State         OrderState
	Metadata      map[string]any
	Timestamp     time.Time
	Replayed      bool
}

// Copy returns an event whose metadata map is not shared with e.
func (e Event) Copy() Event {
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	return e
}

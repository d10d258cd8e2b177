// Package messaging publishes order events to external brokers. Publishers are plugged into the event dispatcher
// as observers; replayed events are never re-published.
package messaging

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
)

// EventEnvelope is the wire shape shared by every publisher.
type EventEnvelope struct {
	EventID       string         `json:"eventId"`
	Type          string         `json:"type"`
	OrderID       int64          `json:"orderId"`
	EntityType    string         `json:"entityType"`
	PreviousState string         `json:"previousState,omitempty"`
	State         string         `json:"state"`
	SourceAction  string         `json:"sourceAction,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	Details       string         `json:"details,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// NewEventEnvelope converts a domain event into its wire shape.
func NewEventEnvelope(event domain.Event) EventEnvelope {
	return EventEnvelope{
		EventID:       event.ID,
		Type:          string(event.Type),
		OrderID:       event.EntityID,
		EntityType:    event.EntityType,
		PreviousState: event.PreviousState.String(),
		State:         event.State.String(),
		SourceAction:  event.SourceAction,
		RequestID:     event.RequestID,
		Details:       event.Details,
		Metadata:      maps.Clone(event.Metadata),
		OccurredAt:    event.Timestamp.UTC(),
	}
}

func marshalEnvelope(event domain.Event) ([]byte, error) {
	return json.Marshal(NewEventEnvelope(event))
}

func orderKey(event domain.Event) string {
	return strconv.FormatInt(event.EntityID, 10)
}

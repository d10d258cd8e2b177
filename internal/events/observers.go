package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/observability"
)

// LoggingObserver writes one structured line per event.
func LoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event domain.Event) error {
		logger.Info("order event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int64("order_id", event.EntityID),
			zap.String("previous_state", event.PreviousState.String()),
			zap.String("state", event.State.String()),
			zap.String("source_action", event.SourceAction),
			zap.String("request_id", event.RequestID),
			zap.Bool("replayed", event.Replayed),
			zap.String("details", event.Details),
		)
		return nil
	}
}

// MetricsObserver feeds the analytics collectors. Replayed events are counted separately and never move the active
// order gauge or the refund histogram a second time.
func MetricsObserver(metrics *observability.Metrics) Observer {
	return func(_ context.Context, event domain.Event) error {
		if metrics == nil {
			return nil
		}
		metrics.ObserveEvent(string(event.Type), event.Replayed)
		if event.Replayed {
			return nil
		}

		switch event.Type {
		case domain.EventOrderPlaced:
			metrics.AddActiveOrders(1)
		case domain.EventOrderServed, domain.EventOrderCancelled:
			if event.PreviousState.IsActive() {
				metrics.AddActiveOrders(-1)
			}
		case domain.EventRefundIssued:
			if amount, ok := event.Metadata["refund_amount"].(float64); ok {
				metrics.ObserveRefund(amount)
			}
		}
		return nil
	}
}

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/observability"
)

func sampleEvent() domain.Event {
	return domain.Event{
		ID:            "01HZX3M0Q7W9J7D5G1B2C3D4E5",
		Type:          domain.EventOrderConfirmed,
		EntityID:      1,
		EntityType:    domain.EntityTypeOrder,
		PreviousState: domain.OrderStateCreated,
		State:         domain.OrderStateConfirmed,
		Metadata:      map[string]any{"customer_id": int64(101)},
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversInSubscriptionOrder(t *testing.T) {
	d := NewDispatcher(nil)
	var calls []string
	for _, name := range []string{"audit", "analytics", "bus"} {
		name := name
		d.Subscribe(name, func(context.Context, domain.Event) error {
			calls = append(calls, name)
			return nil
		})
	}

	d.Emit(context.Background(), sampleEvent())

	require.Equal(t, []string{"audit", "analytics", "bus"}, calls)
	require.Equal(t, []string{"audit", "analytics", "bus"}, d.Subscribers())
}

func TestDispatcherIsolatesFailingObservers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(zap.New(core))

	var delivered int
	d.Subscribe("broken", func(context.Context, domain.Event) error {
		return errors.New("disk full")
	})
	d.Subscribe("panicky", func(context.Context, domain.Event) error {
		panic("nil map")
	})
	d.Subscribe("healthy", func(context.Context, domain.Event) error {
		delivered++
		return nil
	})

	require.NotPanics(t, func() {
		d.Emit(context.Background(), sampleEvent())
	})
	require.Equal(t, 1, delivered)

	failures := logs.FilterMessage("event observer failed").All()
	require.Len(t, failures, 2)
	require.Equal(t, "broken", failures[0].ContextMap()["observer"])
	require.Equal(t, "panicky", failures[1].ContextMap()["observer"])
	require.Contains(t, failures[1].ContextMap()["error"], "observer panic")
}

func TestDispatcherSubscribeKeepsObserversSharingAName(t *testing.T) {
	d := NewDispatcher(nil)
	var delivered []string
	record := func(label string) Observer {
		return func(context.Context, domain.Event) error {
			delivered = append(delivered, label)
			return nil
		}
	}
	first := d.Subscribe("audit", record("first"))
	second := d.Subscribe(" audit ", record("second"))
	anon1 := d.Subscribe("", record("anon1"))
	d.Subscribe("", record("anon2"))

	require.NotEqual(t, first, second)
	require.NotEqual(t, first, anon1)
	d.Emit(context.Background(), sampleEvent())
	require.Equal(t, []string{"first", "second", "anon1", "anon2"}, delivered)
	require.Equal(t, []string{"audit", "audit", "", ""}, d.Subscribers())

	require.True(t, d.Unsubscribe(first))
	delivered = nil
	d.Emit(context.Background(), sampleEvent())
	require.Equal(t, []string{"second", "anon1", "anon2"}, delivered)
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher(nil)
	var calls int
	sub := d.Subscribe("audit", func(context.Context, domain.Event) error { calls++; return nil })

	require.True(t, d.Unsubscribe(sub))
	require.False(t, d.Unsubscribe(sub))

	d.Emit(context.Background(), sampleEvent())
	require.Zero(t, calls)
	require.Empty(t, d.Subscribers())
}

func TestDispatcherHandsEachObserverItsOwnCopy(t *testing.T) {
	d := NewDispatcher(nil)
	var seen any
	d.Subscribe("mutator", func(_ context.Context, event domain.Event) error {
		event.Metadata["customer_id"] = int64(999)
		return nil
	})
	d.Subscribe("reader", func(_ context.Context, event domain.Event) error {
		seen = event.Metadata["customer_id"]
		return nil
	})

	original := sampleEvent()
	d.Emit(context.Background(), original)

	require.Equal(t, int64(101), seen)
	require.Equal(t, int64(101), original.Metadata["customer_id"])
}

func TestDispatcherObserverMayUnsubscribeDuringEmit(t *testing.T) {
	d := NewDispatcher(nil)
	var sub Subscription
	var calls int
	sub = d.Subscribe("once", func(context.Context, domain.Event) error {
		calls++
		d.Unsubscribe(sub)
		return nil
	})

	d.Emit(context.Background(), sampleEvent())
	d.Emit(context.Background(), sampleEvent())
	require.Equal(t, 1, calls)
}

func TestLoggingObserver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	require.NoError(t, LoggingObserver(zap.New(core))(context.Background(), sampleEvent()))

	entries := logs.FilterMessage("order event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "ORDER_CONFIRMED", fields["event_type"])
	require.Equal(t, "CREATED", fields["previous_state"])
	require.EqualValues(t, 1, fields["order_id"])
}

func TestMetricsObserverTracksActiveOrdersAndRefunds(t *testing.T) {
	metrics := observability.NewMetrics()
	observe := MetricsObserver(metrics)
	ctx := context.Background()

	placed := sampleEvent()
	placed.Type = domain.EventOrderPlaced
	placed.PreviousState = ""
	placed.State = domain.OrderStateCreated
	require.NoError(t, observe(ctx, placed))

	served := sampleEvent()
	served.Type = domain.EventOrderServed
	served.PreviousState = domain.OrderStateReady
	served.State = domain.OrderStateServed
	require.NoError(t, observe(ctx, served))

	refund := sampleEvent()
	refund.Type = domain.EventRefundIssued
	refund.PreviousState = domain.OrderStateServed
	refund.State = domain.OrderStateRefunded
	refund.Metadata = map[string]any{"refund_amount": 450.0}
	require.NoError(t, observe(ctx, refund))

	replayed := placed
	replayed.Replayed = true
	require.NoError(t, observe(ctx, replayed))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var refundCount uint64
	var activeOrders float64
	for _, family := range families {
		switch family.GetName() {
		case "orderengine_refund_amount":
			refundCount = family.GetMetric()[0].GetHistogram().GetSampleCount()
		case "orderengine_active_orders":
			activeOrders = family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.EqualValues(t, 1, refundCount)
	require.Zero(t, activeOrders)

	count, err := testutil.GatherAndCount(metrics.Registry(), "orderengine_events_total")
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/orderengine/internal/domain"
)

func TestCommandHistoryIsAppendOnly(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 40)
	f.run(t, ConfirmOrder{OrderID: order.ID})
	_, err := f.engine.Execute(context.Background(), ServeOrder{OrderID: order.ID}, ExecuteOptions{})
	require.Error(t, err)

	history := f.engine.History()
	require.Len(t, history, 2, "failed commands are not part of the history")
	require.EqualValues(t, 1, history[0].Seq)
	require.EqualValues(t, 2, history[1].Seq)
	require.Equal(t, CommandPlaceOrder, history[0].Command.Name())
	require.Equal(t, order.ID, history[0].OrderID)
	require.NotEmpty(t, history[0].ID)
	require.Len(t, history[1].Events, 1)

	history[1].Events[0].Metadata["customer_id"] = int64(-1)
	require.Equal(t, int64(101), f.engine.History()[1].Events[0].Metadata["customer_id"])
}

func TestCommandHistoryReplayReemitsEvents(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 40)
	f.run(t, ConfirmOrder{OrderID: order.ID})

	var replayed []domain.Event
	f.engine.Subscribe("replay-watcher", func(_ context.Context, event domain.Event) error {
		if event.Replayed {
			replayed = append(replayed, event)
		}
		return nil
	})

	count, err := f.engine.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, replayed, 2)
	require.Equal(t, domain.EventOrderPlaced, replayed[0].Type)
	require.Equal(t, domain.EventOrderConfirmed, replayed[1].Type)

	stored, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateConfirmed, stored.State)
	require.Len(t, f.engine.History(), 2)
}

func TestCommandHistoryReplayStopsOnCancelledContext(t *testing.T) {
	f := newEngineFixture(t)
	f.place(t, 101, 40)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	count, err := f.engine.Replay(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, count)
}

func TestCommandHistoryUndoCompensatesMostRecentCommand(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Undo(ctx, ExecuteOptions{})
	require.ErrorIs(t, err, ErrNothingToUndo)

	order := f.place(t, 101, 40)
	f.run(t, ConfirmOrder{OrderID: order.ID})

	result, err := f.engine.Undo(ctx, ExecuteOptions{Actor: "manager"})
	require.NoError(t, err)
	require.Equal(t, CommandCancelOrder, result.Command.Name())
	require.Equal(t, domain.OrderStateCancelled, result.Order.State)
	require.Equal(t, "undo ConfirmOrder #2", result.Order.CancelReason)

	history := f.engine.History()
	require.Len(t, history, 3)
	require.EqualValues(t, 2, history[2].Compensates)

	_, err = f.engine.Undo(ctx, ExecuteOptions{})
	require.ErrorIs(t, err, ErrNotCompensable)
}

func TestCommandHistoryUndoWaitsForInFlightCommand(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	first := f.place(t, 101, 40)
	second := f.place(t, 102, 25)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.orders.beforeUpdate = func(order domain.Order) {
		if order.ID == first.ID && order.State == domain.OrderStateConfirmed {
			once.Do(func() { close(entered) })
			<-release
		}
	}

	confirmDone := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: first.ID}, ExecuteOptions{})
		confirmDone <- err
	}()
	<-entered

	type undoOutcome struct {
		result CommandResult
		err    error
	}
	undoDone := make(chan undoOutcome, 1)
	go func() {
		result, err := f.engine.Undo(ctx, ExecuteOptions{})
		undoDone <- undoOutcome{result, err}
	}()

	select {
	case <-undoDone:
		t.Fatal("undo finished while a command was still being executed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-confirmDone)
	undo := <-undoDone
	require.NoError(t, undo.err)
	require.Equal(t, first.ID, undo.result.Order.ID)
	require.Equal(t, domain.OrderStateCancelled, undo.result.Order.State)
	require.Equal(t, "undo ConfirmOrder #3", undo.result.Order.CancelReason)

	history := f.engine.History()
	require.Len(t, history, 4)
	require.EqualValues(t, 3, history[3].Compensates)

	untouched, err := f.orders.FindByID(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateCreated, untouched.State)
}

func TestCommandHistoryUndoServeIssuesRefund(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 60)
	for _, cmd := range []Command{ConfirmOrder{OrderID: order.ID}, StartPreparing{OrderID: order.ID}, MarkReady{OrderID: order.ID}} {
		f.run(t, cmd)
	}

	_, err := f.engine.Undo(context.Background(), ExecuteOptions{})
	require.ErrorIs(t, err, ErrNotCompensable, "MarkReady has no compensating command")

	f.run(t, ServeOrder{OrderID: order.ID})
	result, err := f.engine.Undo(context.Background(), ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, CommandIssueRefund, result.Command.Name())
	require.Equal(t, domain.OrderStateRefunded, result.Order.State)
	require.Equal(t, 60.0, result.RefundAmount)
}

func TestCompensationFor(t *testing.T) {
	cases := []struct {
		command Command
		want    Command
	}{
		{PlaceOrder{CustomerID: 1, Subtotal: 5}, CancelOrder{OrderID: 9, Reason: "undo PlaceOrder #3"}},
		{ConfirmOrder{OrderID: 9}, CancelOrder{OrderID: 9, Reason: "undo ConfirmOrder #3"}},
		{ServeOrder{OrderID: 9}, IssueRefund{OrderID: 9, Reason: "undo ServeOrder #3"}},
	}
	for _, tc := range cases {
		got, err := compensationFor(HistoryEntry{Seq: 3, OrderID: 9, Command: tc.command})
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	for _, cmd := range []Command{StartPreparing{OrderID: 9}, MarkReady{OrderID: 9}, CancelOrder{OrderID: 9}, IssueRefund{OrderID: 9}, ModifyOrder{OrderID: 9}} {
		_, err := compensationFor(HistoryEntry{Seq: 3, OrderID: 9, Command: cmd})
		require.ErrorIs(t, err, ErrNotCompensable, cmd.Name())
	}

	_, err := compensationFor(HistoryEntry{Seq: 4, OrderID: 9, Command: PlaceOrder{}, Compensates: 3})
	require.ErrorIs(t, err, ErrNotCompensable)
}

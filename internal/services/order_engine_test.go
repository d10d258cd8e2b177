package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/events"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/observability"
	"github.com/tablesync/orderengine/internal/repositories/memory"
)

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flakyOrderRepository struct {
	*memory.OrderRepository
	failUpdates atomic.Int32
	// beforeUpdate, when set, runs ahead of every update.
	beforeUpdate func(order domain.Order)
}

func (r *flakyOrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(order)
	}
	if r.failUpdates.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return r.OrderRepository.Update(ctx, order, expectedVersion)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) observe(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type engineFixture struct {
	engine   OrderEngine
	orders   *flakyOrderRepository
	store    *idempotency.MemoryStore
	clock    *mutableClock
	recorder *eventRecorder
	metrics  *observability.Metrics
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := &mutableClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := idempotency.NewMemoryStore()
	guard, err := idempotency.NewGuard(idempotency.GuardDeps{Store: store, Clock: clock.Now})
	require.NoError(t, err)

	orders := &flakyOrderRepository{OrderRepository: memory.NewOrderRepository()}
	metrics := observability.NewMetrics()
	engine, err := NewOrderEngine(OrderEngineDeps{
		Orders:     orders,
		Guard:      guard,
		Dispatcher: events.NewDispatcher(nil),
		Policy:     DefaultRulePolicy(),
		Clock:      clock.Now,
		Metrics:    metrics,
	})
	require.NoError(t, err)

	recorder := &eventRecorder{}
	engine.Subscribe("recorder", recorder.observe)
	return &engineFixture{engine: engine, orders: orders, store: store, clock: clock, recorder: recorder, metrics: metrics}
}

func (f *engineFixture) place(t *testing.T, customerID int64, amount float64) domain.Order {
	t.Helper()
	result, err := f.engine.Execute(context.Background(), PlaceOrder{CustomerID: customerID, Subtotal: amount}, ExecuteOptions{})
	require.NoError(t, err)
	return result.Order
}

func (f *engineFixture) run(t *testing.T, cmd Command) CommandResult {
	t.Helper()
	result, err := f.engine.Execute(context.Background(), cmd, ExecuteOptions{})
	require.NoError(t, err)
	return result
}

func TestOrderEngineLifecycleEndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	order := f.place(t, 101, 450.0)
	require.Equal(t, domain.OrderStateCreated, order.State)
	require.Equal(t, 450.0, order.TotalAmount)

	require.Equal(t, domain.OrderStateConfirmed, f.run(t, ConfirmOrder{OrderID: order.ID}).Order.State)
	require.Equal(t, domain.OrderStatePreparing, f.run(t, StartPreparing{OrderID: order.ID}).Order.State)
	require.Equal(t, domain.OrderStateReady, f.run(t, MarkReady{OrderID: order.ID}).Order.State)
	require.Equal(t, domain.OrderStateServed, f.run(t, ServeOrder{OrderID: order.ID}).Order.State)

	result, err := f.engine.Execute(ctx, StartPreparing{OrderID: order.ID}, ExecuteOptions{})
	var illegal *domain.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, domain.OrderStateServed, illegal.From)
	require.Equal(t, domain.OrderStatePreparing, illegal.To)
	require.Equal(t, domain.OrderStateServed, result.Order.State)

	f.clock.Advance(48 * time.Hour)
	refund := f.run(t, IssueRefund{OrderID: order.ID, Reason: "cold food"})
	require.Equal(t, domain.OrderStateRefunded, refund.Order.State)
	require.Equal(t, 450.0, refund.RefundAmount)
	require.Equal(t, 450.0, refund.Order.RefundedAmount)
	require.Len(t, refund.Events, 2)

	require.Equal(t, []domain.EventType{
		domain.EventOrderPlaced,
		domain.EventOrderConfirmed,
		domain.EventOrderPreparing,
		domain.EventOrderReady,
		domain.EventOrderServed,
		domain.EventOrderRefunded,
		domain.EventRefundIssued,
	}, f.recorder.types())

	stored, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateRefunded, stored.State)
	require.EqualValues(t, 5, stored.Version)
}

func TestOrderEngineEventsCarryTransitionDetails(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 20)

	result, err := f.engine.Execute(context.Background(), ConfirmOrder{OrderID: order.ID}, ExecuteOptions{RequestID: "req-1", Actor: "kiosk-2"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	event := result.Events[0]
	require.NotEmpty(t, event.ID)
	require.Equal(t, domain.EntityTypeOrder, event.EntityType)
	require.Equal(t, order.ID, event.EntityID)
	require.Equal(t, CommandConfirmOrder, event.SourceAction)
	require.Equal(t, "req-1", event.RequestID)
	require.Equal(t, domain.OrderStateCreated, event.PreviousState)
	require.Equal(t, domain.OrderStateConfirmed, event.State)
	require.Equal(t, "kiosk-2", event.Metadata["actor"])
	require.Equal(t, f.clock.Now(), event.Timestamp)
}

func TestOrderEngineBusinessRules(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, PlaceOrder{CustomerID: 0, Subtotal: 10}, ExecuteOptions{})
	var violation *domain.BusinessRuleViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RuleCreateOrder, violation.Rule)
	require.Equal(t, "Invalid customer ID", violation.Reason)

	_, err = f.engine.Execute(ctx, PlaceOrder{CustomerID: 1, Subtotal: 2_000_000}, ExecuteOptions{})
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RulePaymentAmount, violation.Rule)

	order := f.place(t, 101, 30)
	_, err = f.engine.Execute(ctx, ServeOrder{OrderID: order.ID}, ExecuteOptions{})
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RuleServeOrder, violation.Rule)

	_, err = f.engine.Execute(ctx, IssueRefund{OrderID: order.ID}, ExecuteOptions{})
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RuleRefundOrder, violation.Rule)

	// the rule evaluator allows cancelling during preparation; the state machine does not.
	f.run(t, ConfirmOrder{OrderID: order.ID})
	f.run(t, StartPreparing{OrderID: order.ID})
	_, err = f.engine.Execute(ctx, CancelOrder{OrderID: order.ID}, ExecuteOptions{})
	require.True(t, domain.IsIllegalTransition(err))

	f.run(t, MarkReady{OrderID: order.ID})
	f.run(t, ServeOrder{OrderID: order.ID})
	_, err = f.engine.Execute(ctx, CancelOrder{OrderID: order.ID}, ExecuteOptions{})
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RuleCancelOrder, violation.Rule)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.engine.Execute(ctx, IssueRefund{OrderID: order.ID}, ExecuteOptions{})
	require.ErrorAs(t, err, &violation)
	require.Equal(t, "Order is outside refund window", violation.Reason)

	stored, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateServed, stored.State)
}

func TestOrderEngineTaxAndModify(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	placed, err := f.engine.Execute(ctx, PlaceOrder{CustomerID: 7, Subtotal: 100, ApplyTax: true, Priority: 2}, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, 118.0, placed.Order.TotalAmount)
	require.Equal(t, 2, placed.Order.Priority)

	modified := f.run(t, ModifyOrder{OrderID: placed.Order.ID, Subtotal: 200, ApplyTax: true})
	require.Equal(t, 236.0, modified.Order.TotalAmount)
	require.Equal(t, domain.OrderStateCreated, modified.Order.State)
	require.Equal(t, domain.EventOrderModified, modified.Events[0].Type)
	require.Equal(t, 118.0, modified.Events[0].Metadata["previous_amount"])

	f.run(t, ConfirmOrder{OrderID: placed.Order.ID})
	f.run(t, StartPreparing{OrderID: placed.Order.ID})
	_, err = f.engine.Execute(ctx, ModifyOrder{OrderID: placed.Order.ID, Subtotal: 50}, ExecuteOptions{})
	var violation *domain.BusinessRuleViolation
	require.ErrorAs(t, err, &violation)
	require.Equal(t, RuleModifyOrder, violation.Rule)
	require.Equal(t, "Cannot modify order in PREPARING state", violation.Reason)
}

func TestOrderEngineUnknownOrderAndInvalidInput(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: 404}, ExecuteOptions{})
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.Equal(t, ErrorCodeNotFound, ErrorCode(err))

	_, err = f.engine.Execute(ctx, ConfirmOrder{}, ExecuteOptions{})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = f.engine.Execute(ctx, nil, ExecuteOptions{})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = f.engine.Execute(ctx, PlaceOrder{CustomerID: 1, Subtotal: 10, Priority: -1}, ExecuteOptions{})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}

func TestOrderEngineDuplicateRequestReturnsCachedOutcome(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := f.place(t, 101, 75)
	opts := ExecuteOptions{RequestID: "R1"}

	first, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: order.ID}, opts)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: order.ID}, opts)
	var dup *DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	require.True(t, dup.Succeeded)
	require.Equal(t, "R1", dup.RequestID)
	require.True(t, second.Replayed)
	require.Equal(t, domain.OrderStateConfirmed, second.Order.State)
	require.Equal(t, order.ID, second.Order.ID)

	require.Equal(t, 2, f.recorder.len(), "duplicate must not emit events again")
	require.Len(t, f.engine.History(), 2)
}

func TestOrderEngineRecordsFailedOutcomes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := f.place(t, 101, 75)
	opts := ExecuteOptions{RequestID: "R2"}

	_, err := f.engine.Execute(ctx, StartPreparing{OrderID: order.ID}, opts)
	require.True(t, domain.IsIllegalTransition(err))

	f.run(t, ConfirmOrder{OrderID: order.ID})

	// the retry is now legal but the recorded failure wins.
	_, err = f.engine.Execute(ctx, StartPreparing{OrderID: order.ID}, opts)
	var dup *DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	require.False(t, dup.Succeeded)
	require.Equal(t, ErrorCodeIllegalTransition, dup.ErrorCode)
	require.Equal(t, ErrorCodeIllegalTransition, ErrorCode(err))

	stored, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateConfirmed, stored.State)

	// once the record expires the request id is fresh again.
	f.clock.Advance(idempotency.DefaultTTL + time.Second)
	result, err := f.engine.Execute(ctx, StartPreparing{OrderID: order.ID}, opts)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatePreparing, result.Order.State)
}

func TestOrderEngineRejectsRequestIDReuseAcrossCommands(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := f.place(t, 101, 75)

	_, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: order.ID}, ExecuteOptions{RequestID: "R3"})
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, CancelOrder{OrderID: order.ID}, ExecuteOptions{RequestID: "R3"})
	require.ErrorIs(t, err, ErrRequestIDReused)
	require.Equal(t, ErrorCodeRequestIDReused, ErrorCode(err))
}

func TestOrderEngineExecutionErrorReleasesReservation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	order := f.place(t, 101, 75)
	opts := ExecuteOptions{RequestID: "R4"}

	f.orders.failUpdates.Store(1)
	_, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: order.ID}, opts)
	var execErr *CommandExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, CommandConfirmOrder, execErr.Command)
	require.Equal(t, order.ID, execErr.OrderID)
	require.Zero(t, f.store.Len())
	require.Equal(t, 1, f.recorder.len(), "failed command must not emit events")

	result, err := f.engine.Execute(ctx, ConfirmOrder{OrderID: order.ID}, opts)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStateConfirmed, result.Order.State)
}

func TestOrderEngineObserverFailureDoesNotFailCommand(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Subscribe("broken", func(context.Context, domain.Event) error {
		return errors.New("audit sink offline")
	})
	f.engine.Subscribe("panicky", func(context.Context, domain.Event) error {
		panic("observer bug")
	})

	order := f.place(t, 101, 12)
	require.Equal(t, domain.OrderStateConfirmed, f.run(t, ConfirmOrder{OrderID: order.ID}).Order.State)
	require.Equal(t, 2, f.recorder.len())
}

func TestOrderEngineConcurrentConflictingCommands(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 90)
	f.run(t, ConfirmOrder{OrderID: order.ID})

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		illegal   atomic.Int32
	)
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var cmd Command = StartPreparing{OrderID: order.ID}
			if i%2 == 0 {
				cmd = CancelOrder{OrderID: order.ID, Reason: "race"}
			}
			_, err := f.engine.Execute(context.Background(), cmd, ExecuteOptions{})
			switch {
			case err == nil:
				successes.Add(1)
			case domain.IsIllegalTransition(err), domain.IsBusinessRuleViolation(err):
				illegal.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, workers-1, illegal.Load())

	stored, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Contains(t, []domain.OrderState{domain.OrderStatePreparing, domain.OrderStateCancelled}, stored.State)
	require.EqualValues(t, 2, stored.Version)
}

func TestOrderEngineConcurrentDuplicateRequests(t *testing.T) {
	f := newEngineFixture(t)
	order := f.place(t, 101, 90)

	const workers = 12
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Execute(context.Background(), ConfirmOrder{OrderID: order.ID}, ExecuteOptions{RequestID: "same-key"})
			var dup *DuplicateRequestError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &dup), errors.Is(err, ErrRequestInProgress):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.Equal(t, 2, f.recorder.len())
}

func TestOrderEngineDifferentOrdersProceedIndependently(t *testing.T) {
	f := newEngineFixture(t)
	ids := make([]int64, 8)
	for i := range ids {
		ids[i] = f.place(t, int64(100+i), 10).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, cmd := range []Command{ConfirmOrder{OrderID: id}, StartPreparing{OrderID: id}, MarkReady{OrderID: id}} {
				if _, err := f.engine.Execute(context.Background(), cmd, ExecuteOptions{}); err != nil {
					t.Errorf("order %d: %v", id, err)
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		stored, err := f.orders.FindByID(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStateReady, stored.State)
	}
}

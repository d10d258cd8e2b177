package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/events"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/observability"
	"github.com/tablesync/orderengine/internal/repositories"
)

const (
	orderEventCommandExecuted = "order.command.executed"
	orderEventCommandRejected = "order.command.rejected"
	orderEventCommandFailed   = "order.command.failed"
	orderEventOutcomeFailed   = "order.idempotency.record.failed"

	maxReasonLength = 280
	tracerName      = "github.com/tablesync/orderengine/internal/services"
)

// OrderEngineDeps bundles collaborators required to construct the order engine.
type OrderEngineDeps struct {
	Orders     repositories.OrderRepository
	UnitOfWork repositories.UnitOfWork
	// Guard enables duplicate detection. Without it request ids are ignored.
	Guard       *idempotency.Guard
	Dispatcher  *events.Dispatcher
	Policy      RulePolicy
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Tracer      trace.Tracer
	Metrics     *observability.Metrics
}

type orderEngine struct {
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	guard      *idempotency.Guard
	dispatcher *events.Dispatcher
	rules      OrderRules
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	tracer     trace.Tracer
	metrics    *observability.Metrics
	locks      *orderLocks

	// undoGate is held shared by Execute and exclusively by Undo, so no command lands in the history between
	// Undo reading the newest entry and appending its compensation.
	undoGate sync.RWMutex
	histMu   sync.RWMutex
	history  []HistoryEntry
	seq      int64
}

var _ OrderEngine = (*orderEngine)(nil)

// NewOrderEngine wires dependencies into a concrete OrderEngine implementation.
func NewOrderEngine(deps OrderEngineDeps) (OrderEngine, error) {
	if deps.Orders == nil {
		return nil, errors.New("order engine: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utcClock := func() time.Time { return clock().UTC() }

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewDispatcher(nil)
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &orderEngine{
		orders:     deps.Orders,
		unitOfWork: deps.UnitOfWork,
		guard:      deps.Guard,
		dispatcher: dispatcher,
		rules:      NewOrderRules(deps.Policy, utcClock),
		clock:      utcClock,
		newID:      idGen,
		logger:     logger,
		tracer:     tracer,
		metrics:    deps.Metrics,
		locks:      newOrderLocks(),
	}, nil
}

// commandOutcome is the payload stored against a request id and replayed for duplicates.
type commandOutcome struct {
	Succeeded    bool          `json:"succeeded"`
	Order        *domain.Order `json:"order,omitempty"`
	RefundAmount float64       `json:"refund_amount,omitempty"`
	EventIDs     []string      `json:"event_ids,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Execute runs cmd through duplicate detection, business rules, the state machine, persistence and event
// publication, in that order.
func (s *orderEngine) Execute(ctx context.Context, cmd Command, opts ExecuteOptions) (CommandResult, error) {
	s.undoGate.RLock()
	defer s.undoGate.RUnlock()
	return s.execute(ctx, cmd, opts, 0)
}

func (s *orderEngine) execute(ctx context.Context, cmd Command, opts ExecuteOptions, compensates int64) (CommandResult, error) {
	if cmd == nil {
		return CommandResult{}, fmt.Errorf("%w: command is required", ErrOrderInvalidInput)
	}
	opts.RequestID = strings.TrimSpace(opts.RequestID)
	opts.Actor = strings.TrimSpace(opts.Actor)
	operation := cmd.Name()

	ctx, span := s.tracer.Start(ctx, "orderengine."+operation, trace.WithAttributes(
		attribute.String("order.command", operation),
		attribute.Int64("order.id", cmd.TargetOrderID()),
		attribute.Bool("order.idempotent", opts.RequestID != ""),
	))
	defer span.End()

	useGuard := s.guard != nil && opts.RequestID != ""
	if useGuard {
		reservation, err := s.guard.Begin(ctx, opts.RequestID, operation)
		if err != nil {
			if errors.Is(err, idempotency.ErrOperationMismatch) {
				s.observe(ctx, span, cmd, opts, err)
				return CommandResult{}, fmt.Errorf("%w: %s", ErrRequestIDReused, opts.RequestID)
			}
			execErr := &CommandExecutionError{Command: operation, OrderID: cmd.TargetOrderID(), Err: err}
			s.observe(ctx, span, cmd, opts, execErr)
			return CommandResult{}, execErr
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			return s.replayOutcome(ctx, span, cmd, opts, reservation.Record)
		case idempotency.ReservationStatePending:
			s.observe(ctx, span, cmd, opts, ErrRequestInProgress)
			return CommandResult{}, ErrRequestInProgress
		}
	}

	result, err := s.dispatch(ctx, cmd, opts, compensates)
	result.Command = cmd

	if useGuard {
		s.recordOutcome(ctx, operation, opts.RequestID, result, err)
	}
	s.observe(ctx, span, cmd, opts, err)
	return result, err
}

func (s *orderEngine) dispatch(ctx context.Context, cmd Command, opts ExecuteOptions, compensates int64) (CommandResult, error) {
	switch c := cmd.(type) {
	case PlaceOrder:
		return s.placeOrder(ctx, c, opts, compensates)
	case ConfirmOrder:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.transitionTo(order, domain.OrderStateConfirmed, "Order confirmed")
		})
	case StartPreparing:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.transitionTo(order, domain.OrderStatePreparing, "Order preparation started")
		})
	case MarkReady:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.transitionTo(order, domain.OrderStateReady, "Order ready for pickup")
		})
	case ServeOrder:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			if ok, reason := s.rules.CanServeOrder(*order); !ok {
				return mutation{}, ruleViolation(RuleServeOrder, ok, reason)
			}
			return s.transitionTo(order, domain.OrderStateServed, "Order served")
		})
	case CancelOrder:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.cancel(order, c)
		})
	case IssueRefund:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.refund(order, c)
		})
	case ModifyOrder:
		return s.applyToOrder(ctx, c, opts, compensates, func(order *domain.Order) (mutation, error) {
			return s.modify(order, c)
		})
	default:
		return CommandResult{}, fmt.Errorf("%w: unsupported command %T", ErrOrderInvalidInput, cmd)
	}
}

// mutation describes the events a successful command raises.
type mutation struct {
	previous     domain.OrderState
	events       []pendingEvent
	refundAmount float64
}

type pendingEvent struct {
	eventType domain.EventType
	details   string
	metadata  map[string]any
}

func (s *orderEngine) placeOrder(ctx context.Context, cmd PlaceOrder, opts ExecuteOptions, compensates int64) (CommandResult, error) {
	if ok, reason := s.rules.CanCreateOrder(cmd.CustomerID, cmd.Subtotal); !ok {
		return CommandResult{}, ruleViolation(RuleCreateOrder, ok, reason)
	}
	if cmd.Priority < 0 {
		return CommandResult{}, fmt.Errorf("%w: priority must not be negative", ErrOrderInvalidInput)
	}

	total := roundCurrency(cmd.Subtotal)
	if cmd.ApplyTax {
		total = s.rules.CalculateTotalWithTax(cmd.Subtotal)
	}
	if ok, reason := s.rules.IsValidPaymentAmount(total); !ok {
		return CommandResult{}, ruleViolation(RulePaymentAmount, ok, reason)
	}

	var order domain.Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		id, err := s.orders.NextID(txCtx)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order, err = domain.NewOrder(id, cmd.CustomerID, total, cmd.Priority, s.clock())
		if err != nil {
			return err
		}
		return s.mapRepositoryError(s.orders.Insert(txCtx, order))
	})
	if err != nil {
		return CommandResult{}, s.wrapFailure(cmd, 0, err)
	}

	change := mutation{events: []pendingEvent{{
		eventType: domain.EventOrderPlaced,
		details:   fmt.Sprintf("Order placed for customer %d", cmd.CustomerID),
		metadata:  map[string]any{"subtotal": cmd.Subtotal, "tax_applied": cmd.ApplyTax, "priority": cmd.Priority},
	}}}

	unlock := s.locks.lock(order.ID)
	defer unlock()
	return s.commit(ctx, cmd, opts, compensates, order, change), nil
}

// applyToOrder serialises a mutation of one order: load, mutate, persist with a version check, record history
// and emit events, all while holding the order lock.
func (s *orderEngine) applyToOrder(ctx context.Context, cmd Command, opts ExecuteOptions, compensates int64, mutate func(order *domain.Order) (mutation, error)) (CommandResult, error) {
	orderID := cmd.TargetOrderID()
	if orderID <= 0 {
		return CommandResult{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}

	unlock := s.locks.lock(orderID)
	defer unlock()

	var (
		order  domain.Order
		change mutation
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		expectedVersion := current.Version

		next := current
		applied, err := mutate(&next)
		if err != nil {
			order = current
			return err
		}
		applied.previous = current.State
		change = applied

		next.Touch(s.clock())
		if err := s.orders.Update(txCtx, next, expectedVersion); err != nil {
			return s.mapRepositoryError(err)
		}
		order = next
		return nil
	})
	if err != nil {
		return CommandResult{Order: order}, s.wrapFailure(cmd, orderID, err)
	}
	return s.commit(ctx, cmd, opts, compensates, order, change), nil
}

func (s *orderEngine) transitionTo(order *domain.Order, next domain.OrderState, details string) (mutation, error) {
	if err := order.TryTransition(next); err != nil {
		return mutation{}, err
	}
	eventType, _ := domain.EventTypeForState(next)
	return mutation{events: []pendingEvent{{eventType: eventType, details: details}}}, nil
}

func (s *orderEngine) cancel(order *domain.Order, cmd CancelOrder) (mutation, error) {
	if ok, reason := s.rules.CanCancelOrder(*order); !ok {
		return mutation{}, ruleViolation(RuleCancelOrder, ok, reason)
	}
	reason := sanitizeText(cmd.Reason, maxReasonLength)
	change, err := s.transitionTo(order, domain.OrderStateCancelled, "Order cancelled")
	if err != nil {
		return mutation{}, err
	}
	order.CancelReason = reason
	if reason != "" {
		change.events[0].metadata = map[string]any{"reason": reason}
	}
	return change, nil
}

func (s *orderEngine) refund(order *domain.Order, cmd IssueRefund) (mutation, error) {
	if ok, reason := s.rules.CanRefundOrder(*order); !ok {
		return mutation{}, ruleViolation(RuleRefundOrder, ok, reason)
	}
	amount := s.rules.CalculateRefundAmount(*order)
	if ok, reason := s.rules.IsValidPaymentAmount(amount); !ok {
		return mutation{}, ruleViolation(RulePaymentAmount, ok, reason)
	}
	if err := order.TryTransition(domain.OrderStateRefunded); err != nil {
		return mutation{}, err
	}
	order.RefundedAmount = amount

	reason := sanitizeText(cmd.Reason, maxReasonLength)
	refundMeta := map[string]any{"refund_amount": amount}
	if reason != "" {
		refundMeta["reason"] = reason
	}
	return mutation{
		refundAmount: amount,
		events: []pendingEvent{
			{eventType: domain.EventOrderRefunded, details: "Order refunded", metadata: map[string]any{"refund_amount": amount}},
			{eventType: domain.EventRefundIssued, details: fmt.Sprintf("Refund of %.2f issued", amount), metadata: refundMeta},
		},
	}, nil
}

func (s *orderEngine) modify(order *domain.Order, cmd ModifyOrder) (mutation, error) {
	if ok, reason := s.rules.CanModifyOrder(*order); !ok {
		return mutation{}, ruleViolation(RuleModifyOrder, ok, reason)
	}
	if cmd.Subtotal <= 0 {
		return mutation{}, ruleViolation(RuleModifyOrder, false, "Order amount must be positive")
	}
	total := roundCurrency(cmd.Subtotal)
	if cmd.ApplyTax {
		total = s.rules.CalculateTotalWithTax(cmd.Subtotal)
	}
	if ok, reason := s.rules.IsValidPaymentAmount(total); !ok {
		return mutation{}, ruleViolation(RulePaymentAmount, ok, reason)
	}
	previous := order.TotalAmount
	if err := order.Reprice(total); err != nil {
		return mutation{}, err
	}
	return mutation{events: []pendingEvent{{
		eventType: domain.EventOrderModified,
		details:   fmt.Sprintf("Order total changed from %.2f to %.2f", previous, total),
		metadata:  map[string]any{"previous_amount": previous},
	}}}, nil
}

// commit appends the history entry and emits the events. The caller holds the order lock so events for one
// order are delivered in the order they happened.
func (s *orderEngine) commit(ctx context.Context, cmd Command, opts ExecuteOptions, compensates int64, order domain.Order, change mutation) CommandResult {
	now := s.clock()
	emitted := make([]domain.Event, 0, len(change.events))
	for _, pending := range change.events {
		metadata := map[string]any{
			"customer_id":  order.CustomerID,
			"total_amount": order.TotalAmount,
			"version":      order.Version,
		}
		if opts.Actor != "" {
			metadata["actor"] = opts.Actor
		}
		for key, value := range pending.metadata {
			metadata[key] = value
		}
		emitted = append(emitted, domain.Event{
			ID:            s.newID(),
			Type:          pending.eventType,
			EntityID:      order.ID,
			EntityType:    domain.EntityTypeOrder,
			Details:       pending.details,
			SourceAction:  cmd.Name(),
			RequestID:     opts.RequestID,
			PreviousState: change.previous,
			State:         order.State,
			Metadata:      metadata,
			Timestamp:     now,
		})
	}

	s.appendHistory(HistoryEntry{
		ID:          s.newID(),
		Command:     cmd,
		RequestID:   opts.RequestID,
		Actor:       opts.Actor,
		OrderID:     order.ID,
		Events:      emitted,
		ExecutedAt:  now,
		Compensates: compensates,
	})

	for _, event := range emitted {
		s.dispatcher.Emit(ctx, event)
	}

	return CommandResult{
		Command:      cmd,
		Order:        order,
		Events:       copyEvents(emitted),
		RefundAmount: change.refundAmount,
	}
}

// Subscribe registers an observer on the engine's dispatcher.
func (s *orderEngine) Subscribe(name string, observer events.Observer) events.Subscription {
	return s.dispatcher.Subscribe(name, observer)
}

// Unsubscribe removes an observer from the engine's dispatcher.
func (s *orderEngine) Unsubscribe(subscription events.Subscription) bool {
	return s.dispatcher.Unsubscribe(subscription)
}

func (s *orderEngine) replayOutcome(ctx context.Context, span trace.Span, cmd Command, opts ExecuteOptions, record idempotency.Record) (CommandResult, error) {
	var outcome commandOutcome
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &outcome); err != nil {
			execErr := &CommandExecutionError{Command: cmd.Name(), OrderID: cmd.TargetOrderID(), Err: fmt.Errorf("decode stored outcome: %w", err)}
			s.observe(ctx, span, cmd, opts, execErr)
			return CommandResult{}, execErr
		}
	}

	result := CommandResult{Command: cmd, RefundAmount: outcome.RefundAmount, Replayed: true}
	if outcome.Order != nil {
		result.Order = *outcome.Order
	}
	dup := &DuplicateRequestError{
		RequestID:    record.RequestID,
		Operation:    record.Operation,
		Succeeded:    record.Succeeded,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
	}
	span.SetAttributes(attribute.Bool("order.replayed", true))
	if s.metrics != nil {
		s.metrics.ObserveCommand(cmd.Name(), "duplicate")
	}
	s.logger(ctx, orderEventCommandRejected, map[string]any{
		"command":   cmd.Name(),
		"requestId": opts.RequestID,
		"reason":    "duplicate",
		"succeeded": record.Succeeded,
	})
	return result, dup
}

func (s *orderEngine) recordOutcome(ctx context.Context, operation, requestID string, result CommandResult, err error) {
	if err != nil && !expectedFailure(err) {
		if releaseErr := s.guard.Abandon(ctx, requestID); releaseErr != nil {
			s.logger(ctx, orderEventOutcomeFailed, map[string]any{
				"command":   operation,
				"requestId": requestID,
				"error":     releaseErr.Error(),
			})
		}
		return
	}

	outcome := commandOutcome{Succeeded: err == nil}
	if err == nil {
		order := result.Order
		outcome.Order = &order
		outcome.RefundAmount = result.RefundAmount
		for _, event := range result.Events {
			outcome.EventIDs = append(outcome.EventIDs, event.ID)
		}
	} else {
		outcome.ErrorCode = ErrorCode(err)
		outcome.ErrorMessage = err.Error()
	}

	payload, marshalErr := json.Marshal(outcome)
	if marshalErr == nil {
		marshalErr = s.guard.RecordOutcome(ctx, requestID, operation, outcome.Succeeded, payload, 0)
	}
	if marshalErr != nil {
		s.logger(ctx, orderEventOutcomeFailed, map[string]any{
			"command":   operation,
			"requestId": requestID,
			"error":     marshalErr.Error(),
		})
	}
}

func (s *orderEngine) observe(ctx context.Context, span trace.Span, cmd Command, opts ExecuteOptions, err error) {
	fields := map[string]any{
		"command": cmd.Name(),
		"orderId": cmd.TargetOrderID(),
	}
	if opts.RequestID != "" {
		fields["requestId"] = opts.RequestID
	}
	if opts.Actor != "" {
		fields["actor"] = opts.Actor
	}

	outcome := "success"
	event := orderEventCommandExecuted
	var execErr *CommandExecutionError
	switch {
	case err == nil:
	case errors.As(err, &execErr):
		outcome = "error"
		event = orderEventCommandFailed
		fields["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCodeExecution)
	default:
		outcome = "rejected"
		event = orderEventCommandRejected
		fields["reason"] = ErrorCode(err)
		fields["error"] = err.Error()
		span.SetAttributes(attribute.String("order.rejection", ErrorCode(err)))
	}

	if s.metrics != nil {
		s.metrics.ObserveCommand(cmd.Name(), outcome)
	}
	s.logger(ctx, event, fields)
}

// wrapFailure passes expected failures through and wraps everything else in CommandExecutionError.
func (s *orderEngine) wrapFailure(cmd Command, orderID int64, err error) error {
	if err == nil || expectedFailure(err) || errors.Is(err, ErrOrderConflict) {
		return err
	}
	return &CommandExecutionError{Command: cmd.Name(), OrderID: orderID, Err: err}
}

func (s *orderEngine) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *orderEngine) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func copyEvents(in []domain.Event) []domain.Event {
	out := make([]domain.Event, len(in))
	for i, event := range in {
		out[i] = event.Copy()
	}
	return out
}

// orderLocks hands out one mutex per order id and forgets it once nobody holds or waits for it.
type orderLocks struct {
	mu    sync.Mutex
	locks map[int64]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[int64]*orderLock)}
}

func (l *orderLocks) lock(orderID int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[orderID]
	if !ok {
		entry = &orderLock{}
		l.locks[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}

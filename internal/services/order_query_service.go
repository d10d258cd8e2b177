package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/repositories"
)

const (
	defaultOrderListLimit = 50
	maxOrderListLimit     = 500
)

// commandsByTarget maps a reachable state to the command that reaches it.
var commandsByTarget = map[domain.OrderState]string{
	domain.OrderStateConfirmed: CommandConfirmOrder,
	domain.OrderStatePreparing: CommandStartPreparing,
	domain.OrderStateReady:     CommandMarkReady,
	domain.OrderStateServed:    CommandServeOrder,
	domain.OrderStateCancelled: CommandCancelOrder,
	domain.OrderStateRefunded:  CommandIssueRefund,
}

// OrderQueryServiceDeps bundles collaborators for the read side.
type OrderQueryServiceDeps struct {
	Orders repositories.OrderRepository
}

type orderQueryService struct {
	orders repositories.OrderRepository
}

var _ OrderQueryService = (*orderQueryService)(nil)

// NewOrderQueryService constructs the read-side service.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service: order repository is required")
	}
	return &orderQueryService{orders: deps.Orders}, nil
}

func (s *orderQueryService) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	if orderID <= 0 {
		return domain.Order{}, fmt.Errorf("%w: order id must be positive", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapQueryError(err)
	}
	return order, nil
}

func (s *orderQueryService) ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error) {
	if filter.CustomerID < 0 {
		return nil, fmt.Errorf("%w: customer id must not be negative", ErrOrderInvalidInput)
	}
	for _, state := range filter.States {
		if !state.IsValid() {
			return nil, fmt.Errorf("%w: unknown state %q", ErrOrderInvalidInput, state)
		}
	}

	states := slices.Clone(filter.States)
	if filter.ActiveOnly {
		if len(states) == 0 {
			for _, state := range domain.AllOrderStates() {
				if state.IsActive() {
					states = append(states, state)
				}
			}
		} else {
			states = slices.DeleteFunc(states, func(state domain.OrderState) bool { return !state.IsActive() })
			if len(states) == 0 {
				return []domain.Order{}, nil
			}
		}
	}

	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		CustomerID: filter.CustomerID,
		States:     states,
		Limit:      clampLimit(filter.Limit),
	})
	if err != nil {
		return nil, mapQueryError(err)
	}
	return orders, nil
}

// ActiveOrders returns orders still in progress, highest priority first and oldest first within a priority.
func (s *orderQueryService) ActiveOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	orders, err := s.ListOrders(ctx, OrderFilter{ActiveOnly: true, Limit: maxOrderListLimit})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Priority != orders[j].Priority {
			return orders[i].Priority > orders[j].Priority
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	if limit := clampLimit(limit); len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// AllowedActions lists the transitions and commands available from the order's current state.
func (s *orderQueryService) AllowedActions(ctx context.Context, orderID int64) (OrderActions, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return OrderActions{}, err
	}
	transitions := domain.AllowedTransitions(order.State)
	commands := make([]string, 0, len(transitions)+1)
	for _, next := range transitions {
		commands = append(commands, commandsByTarget[next])
	}
	if order.State == domain.OrderStateCreated || order.State == domain.OrderStateConfirmed {
		commands = append(commands, CommandModifyOrder)
	}
	return OrderActions{
		OrderID:     order.ID,
		State:       order.State,
		Transitions: transitions,
		Commands:    commands,
	}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultOrderListLimit
	case limit > maxOrderListLimit:
		return maxOrderListLimit
	default:
		return limit
	}
}

func mapQueryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order query: repository unavailable: %w", err)
		}
	}
	return err
}

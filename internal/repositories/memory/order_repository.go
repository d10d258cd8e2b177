// Package memory keeps orders and audit entries in process memory. It is the default backend and the one tests run
// against.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/repositories"
)

// OrderRepository is a mutex guarded map of orders.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[int64]domain.Order
	nextID atomic.Int64
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty repository whose ids start at 1.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[int64]domain.Order)}
}

func (r *OrderRepository) NextID(context.Context) (int64, error) {
	return r.nextID.Add(1), nil
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewStoreError("memory.orders.insert", repositories.ErrorKindConflict, fmt.Errorf("order %d already exists", order.ID))
	}
	r.orders[order.ID] = order
	for {
		current := r.nextID.Load()
		if order.ID <= current || r.nextID.CompareAndSwap(current, order.ID) {
			break
		}
	}
	return nil
}

func (r *OrderRepository) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	if !ok {
		return repositories.NewStoreError("memory.orders.update", repositories.ErrorKindNotFound, fmt.Errorf("order %d", order.ID))
	}
	if stored.Version != expectedVersion {
		return repositories.NewStoreError("memory.orders.update", repositories.ErrorKindConflict,
			fmt.Errorf("order %d is at version %d, expected %d", order.ID, stored.Version, expectedVersion))
	}
	r.orders[order.ID] = order
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("memory.orders.find", repositories.ErrorKindNotFound, fmt.Errorf("order %d", orderID))
	}
	return order, nil
}

// List returns matching orders by ascending id.
func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	r.mu.RLock()
	result := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.CustomerID > 0 && order.CustomerID != filter.CustomerID {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, order.State) {
			continue
		}
		result = append(result, order)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Len reports the number of stored orders.
func (r *OrderRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// Package events fans order events out to in-process observers.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tablesync/orderengine/internal/domain"
)

// Observer receives a private copy of every emitted event. Returned errors are logged and otherwise ignored.
type Observer func(ctx context.Context, event domain.Event) error

// Subscription identifies a registered observer.
type Subscription struct {
	id   uint64
	name string
}

// Name returns the observer name supplied at subscription time.
func (s Subscription) Name() string {
	return s.name
}

type subscriber struct {
	Subscription
	observer Observer
}

// Dispatcher delivers events synchronously, in subscription order. Delivery is best effort: an observer that
// fails or panics is logged and the remaining observers still run. Nothing is queued or retried.
type Dispatcher struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscriber
	logger      *zap.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// Subscribe registers observer under name and returns a handle for Unsubscribe. Names label log lines only:
// every call adds a new subscription, so reusing a name or leaving it blank never replaces an observer.
func (d *Dispatcher) Subscribe(name string, observer Observer) Subscription {
	name = strings.TrimSpace(name)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := subscriber{Subscription: Subscription{id: d.nextID, name: name}, observer: observer}
	d.subscribers = append(d.subscribers, sub)
	return sub.Subscription
}

// Unsubscribe removes the observer. It reports whether the subscription was active.
func (d *Dispatcher) Unsubscribe(subscription Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, sub := range d.subscribers {
		if sub.id == subscription.id {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers lists observer names in delivery order.
func (d *Dispatcher) Subscribers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		names = append(names, sub.name)
	}
	return names
}

// Emit delivers event to the observers registered when Emit was called.
func (d *Dispatcher) Emit(ctx context.Context, event domain.Event) {
	d.mu.RLock()
	snapshot := make([]subscriber, len(d.subscribers))
	copy(snapshot, d.subscribers)
	d.mu.RUnlock()

	for _, sub := range snapshot {
		if err := d.deliver(ctx, sub, event.Copy()); err != nil {
			d.logger.Warn("event observer failed",
				zap.String("observer", sub.name),
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Int64("order_id", event.EntityID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub subscriber, event domain.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("observer panic: %v", recovered)
		}
	}()
	return sub.observer(ctx, event)
}

package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"stocksync/internal/metrics"
	"stocksync/logger"
	"stocksync/models"
)

// UpdateFunc receives StockUpdate events.
type UpdateFunc func(models.StockUpdate)

// AlertFunc receives StockAlert events.
type AlertFunc func(models.StockAlert)

// StatusFunc receives product StatusChange events.
type StatusFunc func(models.StatusChange)

type updateSub struct {
	id string
	fn UpdateFunc
}

type alertSub struct {
	id string
	fn AlertFunc
}

type statusSub struct {
	id string
	fn StatusFunc
}

// Registry is the in-memory listener registry and dispatcher. Multiple
// listeners per key are kept in registration order; dispatch for a
// StockUpdate notifies product-scoped listeners first, then global ones.
// A panicking callback never prevents later callbacks from running.
type Registry struct {
	mu      sync.RWMutex
	product map[string][]updateSub
	global  []updateSub
	alerts  []alertSub
	status  []statusSub
	log     *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		product: make(map[string][]updateSub),
		log:     logger.GetLogger(),
	}
}

// SubscribeProduct registers a listener for one product's stock updates.
// The returned function removes the listener; calling it more than once is
// a no-op, and it is safe to call from inside a callback.
func (r *Registry) SubscribeProduct(productID string, fn UpdateFunc) func() {
	if fn == nil {
		return func() {}
	}
	sub := updateSub{id: uuid.NewString(), fn: fn}

	r.mu.Lock()
	r.product[productID] = append(r.product[productID], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.product[productID]
			for i, s := range subs {
				if s.id == sub.id {
					r.product[productID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(r.product[productID]) == 0 {
				delete(r.product, productID)
			}
		})
	}
}

// SubscribeGlobal registers a listener for every stock update.
func (r *Registry) SubscribeGlobal(fn UpdateFunc) func() {
	if fn == nil {
		return func() {}
	}
	sub := updateSub{id: uuid.NewString(), fn: fn}

	r.mu.Lock()
	r.global = append(r.global, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.global {
				if s.id == sub.id {
					r.global = append(r.global[:i:i], r.global[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeAlerts registers a listener for stock alerts.
func (r *Registry) SubscribeAlerts(fn AlertFunc) func() {
	if fn == nil {
		return func() {}
	}
	sub := alertSub{id: uuid.NewString(), fn: fn}

	r.mu.Lock()
	r.alerts = append(r.alerts, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.alerts {
				if s.id == sub.id {
					r.alerts = append(r.alerts[:i:i], r.alerts[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeStatus registers a listener for product status changes.
func (r *Registry) SubscribeStatus(fn StatusFunc) func() {
	if fn == nil {
		return func() {}
	}
	sub := statusSub{id: uuid.NewString(), fn: fn}

	r.mu.Lock()
	r.status = append(r.status, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.status {
				if s.id == sub.id {
					r.status = append(r.status[:i:i], r.status[i+1:]...)
					break
				}
			}
		})
	}
}

// DispatchUpdate delivers a StockUpdate to the product's listeners, then the
// global ones. Listeners registered mid-dispatch see the next event.
func (r *Registry) DispatchUpdate(update models.StockUpdate) {
	r.mu.RLock()
	targets := make([]updateSub, 0, len(r.product[update.ProductID])+len(r.global))
	targets = append(targets, r.product[update.ProductID]...)
	targets = append(targets, r.global...)
	r.mu.RUnlock()

	for _, sub := range targets {
		r.invokeUpdate(sub, update)
	}
	metrics.IncrementStockUpdate()
}

// DispatchAlert delivers a StockAlert to all alert listeners in
// registration order.
func (r *Registry) DispatchAlert(alert models.StockAlert) {
	r.mu.RLock()
	targets := append([]alertSub(nil), r.alerts...)
	r.mu.RUnlock()

	for _, sub := range targets {
		r.invokeAlert(sub, alert)
	}
	metrics.IncrementStockAlert()
}

// DispatchStatus delivers a product status change to all status listeners.
func (r *Registry) DispatchStatus(change models.StatusChange) {
	r.mu.RLock()
	targets := append([]statusSub(nil), r.status...)
	r.mu.RUnlock()

	for _, sub := range targets {
		r.invokeStatus(sub, change)
	}
}

// Count returns the number of live subscriptions across all scopes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.global) + len(r.alerts) + len(r.status)
	for _, subs := range r.product {
		n += len(subs)
	}
	return n
}

func (r *Registry) invokeUpdate(sub updateSub, update models.StockUpdate) {
	defer r.recoverPanic("stock_update", sub.id)
	sub.fn(update)
}

func (r *Registry) invokeAlert(sub alertSub, alert models.StockAlert) {
	defer r.recoverPanic("stock_alert", sub.id)
	sub.fn(alert)
}

func (r *Registry) invokeStatus(sub statusSub, change models.StatusChange) {
	defer r.recoverPanic("status_change", sub.id)
	sub.fn(change)
}

func (r *Registry) recoverPanic(kind, id string) {
	if rec := recover(); rec != nil {
		metrics.IncrementListenerPanic()
		r.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"event_kind":   kind,
			"subscription": id,
			"panic":        rec,
		}).Error("listener panicked; isolated")
	}
}

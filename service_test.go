package stocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stocksync/config"
	"stocksync/internal/store"
	"stocksync/internal/transport"
	"stocksync/models"
)

type memHandle struct{ id string }

func (h *memHandle) ID() string    { return h.id }
func (h *memHandle) Topic() string { return h.id }

// memAdapter is an in-process transport: channels subscribe instantly and
// tests push records straight into the supervisor's callbacks.
type memAdapter struct {
	mu     sync.Mutex
	events transport.Events
}

func (a *memAdapter) OpenChannel(ctx context.Context, name string, topics []transport.TopicSpec, events transport.Events) (transport.Handle, error) {
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()
	if events.OnStatus != nil {
		events.OnStatus(transport.StatusSubscribed)
	}
	return &memHandle{id: name}, nil
}

func (a *memAdapter) CloseChannel(handle transport.Handle) error { return nil }

func (a *memAdapter) push(rec transport.Record) {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	if events.OnRecord != nil {
		events.OnRecord(rec)
	}
}

// memStore is a fixed inventory snapshot.
type memStore struct {
	positions map[string]store.VariantStock // keyed by variant id
	failBulk  bool
}

func (s *memStore) QueryQuantities(ctx context.Context, productIDs []string) ([]store.ProductQuantity, error) {
	if s.failBulk {
		return nil, errors.New("store unavailable")
	}
	totals := make(map[string]int)
	order := make([]string, 0)
	for _, id := range productIDs {
		for _, pos := range s.positions {
			if pos.ProductID == id {
				if _, seen := totals[id]; !seen {
					order = append(order, id)
				}
				totals[id] += pos.Quantity
			}
		}
	}
	out := make([]store.ProductQuantity, 0, len(order))
	for _, id := range order {
		out = append(out, store.ProductQuantity{ProductID: id, Quantity: totals[id]})
	}
	return out, nil
}

func (s *memStore) QueryVariantStock(ctx context.Context, productID, variantID string) (*store.VariantStock, error) {
	pos, ok := s.positions[variantID]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (s *memStore) QueryLowStock(ctx context.Context, threshold int) ([]store.VariantStock, error) {
	var out []store.VariantStock
	for _, pos := range s.positions {
		if pos.Quantity <= threshold {
			out = append(out, pos)
		}
	}
	return out, nil
}

func serviceConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Realtime.Cooldown = 0
	cfg.Realtime.BaseDelay = time.Millisecond
	cfg.Realtime.MaxDelay = 4 * time.Millisecond
	cfg.Realtime.ConnectTimeout = 100 * time.Millisecond
	cfg.Alerts.CriticalThreshold = 3
	return &cfg
}

func waitConnected(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ConnectionStatus().Phase == models.PhaseConnected {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("service never connected, phase %s", s.ConnectionStatus().Phase)
}

func TestMovementFlowsToListenersAndAlerts(t *testing.T) {
	adapter := &memAdapter{}
	inventory := &memStore{positions: map[string]store.VariantStock{
		"v1": {ProductID: "p1", ProductName: "Widget", VariantID: "v1", VariantName: "Small", Quantity: 2, MinQuantity: 5},
	}}
	svc := New(serviceConfig(), adapter, inventory)

	var mu sync.Mutex
	var productUpdates, globalUpdates []models.StockUpdate
	var raised []models.StockAlert

	svc.SubscribeProductStock("p1", func(u models.StockUpdate) {
		mu.Lock()
		productUpdates = append(productUpdates, u)
		mu.Unlock()
	})
	svc.SubscribeStockUpdates(func(u models.StockUpdate) {
		mu.Lock()
		globalUpdates = append(globalUpdates, u)
		mu.Unlock()
	})
	svc.SubscribeStockAlerts(func(a models.StockAlert) {
		mu.Lock()
		raised = append(raised, a)
		mu.Unlock()
	})

	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Disconnect(context.Background())
	waitConnected(t, svc)

	adapter.push(transport.Record{
		Table: "stock_movements",
		Event: "INSERT",
		New:   []byte(`{"product_id":"p1","variant_id":"v1","previous_quantity":8,"new_quantity":2,"reason":"sale"}`),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(productUpdates) != 1 || len(globalUpdates) != 1 {
		t.Fatalf("updates = (%d product, %d global), want (1, 1)", len(productUpdates), len(globalUpdates))
	}
	u := productUpdates[0]
	if u.PreviousQuantity != 8 || u.NewQuantity != 2 || u.Delta != -6 || u.Reason != "sale" {
		t.Errorf("update = %+v", u)
	}

	if len(raised) != 1 {
		t.Fatalf("got %d alerts, want 1", len(raised))
	}
	a := raised[0]
	if a.Severity != models.SeverityCritical {
		t.Errorf("severity = %q, want critical", a.Severity)
	}
	if a.Threshold != 3 {
		t.Errorf("threshold = %d, want configured critical threshold 3", a.Threshold)
	}
	if a.ProductName != "Widget" || a.VariantName != "Small" || a.CurrentStock != 2 {
		t.Errorf("alert = %+v", a)
	}
}

func TestProductStatusChangeFlow(t *testing.T) {
	adapter := &memAdapter{}
	svc := New(serviceConfig(), adapter, &memStore{positions: map[string]store.VariantStock{}})

	var mu sync.Mutex
	var changes []models.StatusChange
	svc.SubscribeStatusChanges(func(c models.StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Disconnect(context.Background())
	waitConnected(t, svc)

	adapter.push(transport.Record{
		Table: "products",
		Event: "UPDATE",
		Old:   []byte(`{"id":"p1","is_active":true}`),
		New:   []byte(`{"id":"p1","is_active":false}`),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("got %d status changes, want 1", len(changes))
	}
	if changes[0].ProductID != "p1" || changes[0].Active {
		t.Errorf("change = %+v", changes[0])
	}
}

func TestGetStockLevelsThroughService(t *testing.T) {
	svc := New(serviceConfig(), &memAdapter{}, &memStore{positions: map[string]store.VariantStock{
		"v1": {ProductID: "p1", VariantID: "v1", Quantity: 3},
		"v2": {ProductID: "p1", VariantID: "v2", Quantity: 4},
		"v3": {ProductID: "p2", VariantID: "v3", Quantity: 9},
	}})

	levels, err := svc.GetStockLevels(context.Background(), []string{"p1", "p2", "p9"})
	if err != nil {
		t.Fatalf("GetStockLevels: %v", err)
	}
	if levels["p1"] != 7 {
		t.Errorf("p1 = %d, want variant sum 7", levels["p1"])
	}
	if levels["p2"] != 9 {
		t.Errorf("p2 = %d, want 9", levels["p2"])
	}
	if _, ok := levels["p9"]; ok {
		t.Error("unknown product reported a level")
	}
}

func TestGetLowStockItemsThroughService(t *testing.T) {
	svc := New(serviceConfig(), &memAdapter{}, &memStore{positions: map[string]store.VariantStock{
		"v1": {ProductID: "p1", VariantID: "v1", Quantity: 0, MinQuantity: 5},
		"v2": {ProductID: "p2", VariantID: "v2", Quantity: 50, MinQuantity: 5},
	}})

	items, err := svc.GetLowStockItems(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetLowStockItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Severity != models.SeverityOutOfStock {
		t.Errorf("severity = %q, want out of stock", items[0].Severity)
	}
}

func TestConnectionStatusCountsSubscribers(t *testing.T) {
	svc := New(serviceConfig(), &memAdapter{}, &memStore{positions: map[string]store.VariantStock{}})

	unsubscribe := svc.SubscribeStockUpdates(func(models.StockUpdate) {})
	svc.SubscribeStockAlerts(func(models.StockAlert) {})

	if got := svc.ConnectionStatus().Subscribers; got != 2 {
		t.Fatalf("Subscribers = %d, want 2", got)
	}
	unsubscribe()
	if got := svc.ConnectionStatus().Subscribers; got != 1 {
		t.Fatalf("Subscribers = %d after unsubscribe, want 1", got)
	}
}

func TestEvaluationFailureDoesNotBlockUpdates(t *testing.T) {
	adapter := &memAdapter{}
	// Variant missing from the store: the update still reaches listeners,
	// the alert is simply skipped.
	svc := New(serviceConfig(), adapter, &memStore{positions: map[string]store.VariantStock{}})

	var mu sync.Mutex
	updates := 0
	alertsSeen := 0
	svc.SubscribeStockUpdates(func(models.StockUpdate) {
		mu.Lock()
		updates++
		mu.Unlock()
	})
	svc.SubscribeStockAlerts(func(models.StockAlert) {
		mu.Lock()
		alertsSeen++
		mu.Unlock()
	})

	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Disconnect(context.Background())
	waitConnected(t, svc)

	adapter.push(transport.Record{
		Table: "stock_movements",
		Event: "INSERT",
		New:   []byte(`{"product_id":"p1","variant_id":"ghost","previous_quantity":3,"new_quantity":1}`),
	})

	mu.Lock()
	defer mu.Unlock()
	if updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
	if alertsSeen != 0 {
		t.Fatalf("alerts = %d, want 0 for unknown variant", alertsSeen)
	}
}

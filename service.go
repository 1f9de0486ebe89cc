// Package stocksync is the real-time stock synchronization core: it keeps a
// resilient subscription to the backend's change feed, fans normalized stock
// events out to listeners, derives low-stock alerts, and serves chunked bulk
// stock queries.
package stocksync

import (
	"context"

	"stocksync/config"
	"stocksync/internal/alerts"
	"stocksync/internal/batch"
	"stocksync/internal/dispatch"
	"stocksync/internal/normalize"
	"stocksync/internal/store"
	"stocksync/internal/supervisor"
	"stocksync/internal/transport"
	"stocksync/models"
)

// Service wires the connection supervisor, normalizer, dispatcher, alert
// evaluator and batch reader behind one façade. Construct it with New;
// every dependency is injected so independent instances (and tests with
// fakes) need no global state.
type Service struct {
	cfg        *config.Config
	supervisor *supervisor.Supervisor
	registry   *dispatch.Registry
	batch      *batch.Reader
}

// New builds a Service from configuration and the two external
// collaborators: the realtime transport and the inventory query store.
func New(cfg *config.Config, adapter transport.Adapter, st store.Store) *Service {
	registry := dispatch.NewRegistry()
	normalizer := normalize.NewNormalizer()
	evaluator := alerts.NewEvaluator(st, cfg.Alerts.CriticalThreshold)

	sup := supervisor.NewSupervisor(cfg.Realtime, adapter, normalizer, registry, evaluator)
	if pinger, ok := st.(supervisor.Pinger); ok {
		sup.SetPinger(pinger)
	}

	return &Service{
		cfg:        cfg,
		supervisor: sup,
		registry:   registry,
		batch:      batch.NewReader(st, cfg.Batch.Size, cfg.Alerts.CriticalThreshold),
	}
}

// Initialize opens the realtime subscription. Idempotent; connection
// failures are retried internally and surface through ConnectionStatus.
func (s *Service) Initialize(ctx context.Context) error {
	return s.supervisor.Initialize(ctx)
}

// Disconnect tears the subscription down and cancels all pending retries.
// Idempotent.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.supervisor.Disconnect(ctx)
}

// TestConnection verifies the transport end to end with a throwaway channel,
// leaving the main subscription untouched.
func (s *Service) TestConnection(ctx context.Context) (bool, error) {
	return s.supervisor.TestConnection(ctx)
}

// SubscribeProductStock registers a listener for one product's stock
// updates. The returned function unsubscribes; it is idempotent and safe to
// call from inside the callback.
func (s *Service) SubscribeProductStock(productID string, fn func(models.StockUpdate)) func() {
	return s.registry.SubscribeProduct(productID, fn)
}

// SubscribeStockUpdates registers a listener for all stock updates.
func (s *Service) SubscribeStockUpdates(fn func(models.StockUpdate)) func() {
	return s.registry.SubscribeGlobal(fn)
}

// SubscribeStockAlerts registers a listener for derived stock alerts.
func (s *Service) SubscribeStockAlerts(fn func(models.StockAlert)) func() {
	return s.registry.SubscribeAlerts(fn)
}

// SubscribeStatusChanges registers a listener for product activation flips.
func (s *Service) SubscribeStatusChanges(fn func(models.StatusChange)) func() {
	return s.registry.SubscribeStatus(fn)
}

// GetStockLevels returns current stock per product id, querying the store in
// chunks. Partial batch failures are tolerated; only total failure returns
// an error.
func (s *Service) GetStockLevels(ctx context.Context, productIDs []string) (map[string]int, error) {
	return s.batch.GetStockLevels(ctx, productIDs)
}

// GetLowStockItems scans for variants at or below the threshold.
func (s *Service) GetLowStockItems(ctx context.Context, threshold int) ([]models.StockAlert, error) {
	return s.batch.GetLowStockItems(ctx, threshold)
}

// ConnectionStatus reports a snapshot of the supervisor state for health
// dashboards and diagnostics.
func (s *Service) ConnectionStatus() models.ConnectionDetails {
	return s.supervisor.Status()
}

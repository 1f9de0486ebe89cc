// Registers:
//
//	#stocksync_reconnects_total
//	#stocksync_circuit_opened_total
//	#stocksync_stock_updates_total
//	#stocksync_stock_alerts_total
//	#stocksync_listener_panics_total
//	#stocksync_records_dropped_total
//	#stocksync_batch_failures_total
//	#go_* and process_* system metrics
//
// Exposes them on :2112/metrics using Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once           sync.Once
	reconnects     prometheus.Counter
	circuitOpened  prometheus.Counter
	stockUpdates   prometheus.Counter
	stockAlerts    prometheus.Counter
	listenerPanics prometheus.Counter
	recordsDropped prometheus.Counter
	batchFailures  *prometheus.CounterVec
)

// Init registers the counters and starts the metrics endpoint. Calling it
// more than once is a no-op. serve=false skips the HTTP listener, which
// tests rely on.
func Init(serve bool) {
	once.Do(func() {
		reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_reconnects_total",
			Help: "Reconnection attempts scheduled by the supervisor",
		})
		circuitOpened = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_circuit_opened_total",
			Help: "Times the circuit breaker opened after exhausted retries",
		})
		stockUpdates = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_stock_updates_total",
			Help: "StockUpdate events delivered to listeners",
		})
		stockAlerts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_stock_alerts_total",
			Help: "StockAlert events delivered to listeners",
		})
		listenerPanics = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_listener_panics_total",
			Help: "Listener callbacks that panicked and were isolated",
		})
		recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stocksync_records_dropped_total",
			Help: "Malformed change records dropped at the normalizer",
		})
		batchFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocksync_batch_failures_total",
				Help: "Batched stock level queries that failed",
			},
			[]string{"operation"},
		)

		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(circuitOpened)
		_ = prometheus.Register(stockUpdates)
		_ = prometheus.Register(stockAlerts)
		_ = prometheus.Register(listenerPanics)
		_ = prometheus.Register(recordsDropped)
		_ = prometheus.Register(batchFailures)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if serve {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe("0.0.0.0:2112", nil); err != nil {
					panic("metrics server failed: " + err.Error())
				}
			}()
		}
	})
}

// IncrementReconnect counts a scheduled reconnection attempt.
func IncrementReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

// IncrementCircuitOpened counts a circuit breaker trip.
func IncrementCircuitOpened() {
	if circuitOpened != nil {
		circuitOpened.Inc()
	}
}

// IncrementStockUpdate counts a dispatched StockUpdate.
func IncrementStockUpdate() {
	if stockUpdates != nil {
		stockUpdates.Inc()
	}
}

// IncrementStockAlert counts a dispatched StockAlert.
func IncrementStockAlert() {
	if stockAlerts != nil {
		stockAlerts.Inc()
	}
}

// IncrementListenerPanic counts an isolated listener panic.
func IncrementListenerPanic() {
	if listenerPanics != nil {
		listenerPanics.Inc()
	}
}

// IncrementRecordDropped counts a malformed record dropped by the normalizer.
func IncrementRecordDropped() {
	if recordsDropped != nil {
		recordsDropped.Inc()
	}
}

// IncrementBatchFailure counts a failed batch query for a given operation.
func IncrementBatchFailure(operation string) {
	if batchFailures != nil {
		batchFailures.WithLabelValues(operation).Inc()
	}
}

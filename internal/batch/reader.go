package batch

import (
	"context"
	"fmt"
	"time"

	"stocksync/internal/alerts"
	"stocksync/internal/metrics"
	"stocksync/internal/store"
	"stocksync/logger"
	"stocksync/models"
)

// DefaultBatchSize bounds how many ids go into a single store query. The
// backend encodes in-list filters in the URL, so oversized batches fail
// outright rather than degrade.
const DefaultBatchSize = 20

// Reader serves cold-start stock snapshots and low-stock scans with chunked
// bulk queries.
type Reader struct {
	store             store.Store
	batchSize         int
	criticalThreshold int
	log               *logger.Log
}

func NewReader(st store.Store, batchSize, criticalThreshold int) *Reader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if criticalThreshold <= 0 {
		criticalThreshold = alerts.DefaultCriticalThreshold
	}
	return &Reader{
		store:             st,
		batchSize:         batchSize,
		criticalThreshold: criticalThreshold,
		log:               logger.GetLogger(),
	}
}

// GetStockLevels returns current quantities for the given product ids,
// issuing one store query per batch. A failed batch is logged and skipped;
// the result is the union of successful batches. An error is returned only
// when every batch failed.
func (r *Reader) GetStockLevels(ctx context.Context, productIDs []string) (map[string]int, error) {
	levels := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return levels, nil
	}

	log := r.log.WithComponent("batch_reader").WithFields(logger.Fields{
		"operation":  "get_stock_levels",
		"id_count":   len(productIDs),
		"batch_size": r.batchSize,
	})

	batches := 0
	failed := 0
	var lastErr error
	for start := 0; start < len(productIDs); start += r.batchSize {
		end := start + r.batchSize
		if end > len(productIDs) {
			end = len(productIDs)
		}
		batches++

		rows, err := r.store.QueryQuantities(ctx, productIDs[start:end])
		if err != nil {
			failed++
			lastErr = err
			metrics.IncrementBatchFailure("stock_levels")
			log.WithError(err).WithFields(logger.Fields{"batch_start": start}).Warn("stock level batch failed, continuing")
			continue
		}
		for _, row := range rows {
			levels[row.ProductID] = row.Quantity
		}
	}

	if failed == batches {
		return levels, fmt.Errorf("all %d stock level batches failed: %w", batches, lastErr)
	}
	if failed > 0 {
		log.WithFields(logger.Fields{"failed_batches": failed, "total_batches": batches}).Warn("partial stock level result")
	}
	return levels, nil
}

// GetLowStockItems scans for variants at or below the threshold and returns
// them as alerts. The scan is a single query; the threshold filter bounds
// the result, not an id list.
func (r *Reader) GetLowStockItems(ctx context.Context, threshold int) ([]models.StockAlert, error) {
	rows, err := r.store.QueryLowStock(ctx, threshold)
	if err != nil {
		metrics.IncrementBatchFailure("low_stock_scan")
		return nil, fmt.Errorf("low stock scan failed: %w", err)
	}

	out := make([]models.StockAlert, 0, len(rows))
	now := time.Now()
	for _, row := range rows {
		severity, crossed, ok := classifyRow(row, r.criticalThreshold)
		if !ok {
			// Above its own minimum but within the requested scan window;
			// report it as low against the caller's threshold.
			severity = models.SeverityLow
			crossed = threshold
		}
		out = append(out, models.StockAlert{
			ProductID:    row.ProductID,
			ProductName:  row.ProductName,
			VariantID:    row.VariantID,
			VariantName:  row.VariantName,
			CurrentStock: row.Quantity,
			Threshold:    crossed,
			Severity:     severity,
			RaisedAt:     now,
		})
	}
	return out, nil
}

func classifyRow(row store.VariantStock, criticalThreshold int) (models.AlertSeverity, int, bool) {
	return alerts.Classify(row.Quantity, row.MinQuantity, criticalThreshold)
}

package alerts

import (
	"context"
	"fmt"
	"time"

	"stocksync/internal/store"
	"stocksync/logger"
	"stocksync/models"
)

// DefaultCriticalThreshold is used when configuration supplies none.
const DefaultCriticalThreshold = 5

// Classify applies the ordered severity rule to a stock position. Out of
// stock always wins, then critical, then low; thresholds may overlap in
// misconfigured data, so the order is load-bearing. The returned threshold
// is the boundary that was crossed.
func Classify(quantity, minQuantity, criticalThreshold int) (models.AlertSeverity, int, bool) {
	switch {
	case quantity == 0:
		return models.SeverityOutOfStock, 0, true
	case quantity <= criticalThreshold:
		return models.SeverityCritical, criticalThreshold, true
	case quantity <= minQuantity:
		return models.SeverityLow, minQuantity, true
	default:
		return "", 0, false
	}
}

// Evaluator derives StockAlerts from the current stock position of a
// variant. It re-queries the store per evaluation so alerts always reflect
// the position at evaluation time, not the event payload.
type Evaluator struct {
	store             store.Store
	criticalThreshold int
	log               *logger.Log
}

func NewEvaluator(st store.Store, criticalThreshold int) *Evaluator {
	if criticalThreshold <= 0 {
		criticalThreshold = DefaultCriticalThreshold
	}
	return &Evaluator{
		store:             st,
		criticalThreshold: criticalThreshold,
		log:               logger.GetLogger(),
	}
}

// Evaluate returns at most one alert for the variant's current position, or
// nil when no threshold is crossed or the variant is unknown.
func (e *Evaluator) Evaluate(ctx context.Context, productID, variantID string) (*models.StockAlert, error) {
	position, err := e.store.QueryVariantStock(ctx, productID, variantID)
	if err != nil {
		return nil, fmt.Errorf("stock position lookup failed: %w", err)
	}
	if position == nil {
		e.log.WithComponent("alert_evaluator").WithFields(logger.Fields{
			"product_id": productID,
			"variant_id": variantID,
		}).Debug("variant not found, skipping evaluation")
		return nil, nil
	}

	severity, threshold, crossed := Classify(position.Quantity, position.MinQuantity, e.criticalThreshold)
	if !crossed {
		return nil, nil
	}

	return &models.StockAlert{
		ProductID:    position.ProductID,
		ProductName:  position.ProductName,
		VariantID:    position.VariantID,
		VariantName:  position.VariantName,
		CurrentStock: position.Quantity,
		Threshold:    threshold,
		Severity:     severity,
		RaisedAt:     time.Now(),
	}, nil
}

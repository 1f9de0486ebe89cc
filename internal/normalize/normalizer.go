package normalize

import (
	"time"

	"github.com/tidwall/gjson"

	"stocksync/internal/metrics"
	"stocksync/internal/transport"
	"stocksync/logger"
	"stocksync/models"
)

// Tables watched on the change feed.
const (
	TableMovements = "stock_movements"
	TableVariants  = "product_variants"
	TableProducts  = "products"
)

// Topics returns the topic specs the supervisor subscribes with: movement
// inserts plus variant and product updates, all on one channel.
func Topics() []transport.TopicSpec {
	return []transport.TopicSpec{
		{Table: TableMovements, Event: "INSERT"},
		{Table: TableVariants, Event: "UPDATE"},
		{Table: TableProducts, Event: "UPDATE"},
	}
}

// Normalizer converts raw change records into typed domain events. It is
// stateless; a single instance serves the whole process.
type Normalizer struct {
	log *logger.Log
}

func NewNormalizer() *Normalizer {
	return &Normalizer{log: logger.GetLogger()}
}

// Normalize produces at most one StockUpdate or one StatusChange per record.
// Malformed records and no-op updates return (nil, nil); a bad record is
// logged and dropped, never propagated to the transport callback.
func (n *Normalizer) Normalize(rec transport.Record) (*models.StockUpdate, *models.StatusChange) {
	switch rec.Table {
	case TableMovements:
		return n.normalizeMovement(rec), nil
	case TableVariants:
		return n.normalizeVariant(rec), nil
	case TableProducts:
		return nil, n.normalizeProduct(rec)
	default:
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"table": rec.Table,
			"event": rec.Event,
		}).Debug("record for unwatched table ignored")
		return nil, nil
	}
}

// normalizeMovement handles movement-log inserts. Movements always carry the
// full before/after quantities and a reason.
func (n *Normalizer) normalizeMovement(rec transport.Record) *models.StockUpdate {
	row := gjson.ParseBytes(rec.New)
	productID := row.Get("product_id").String()
	variantID := row.Get("variant_id").String()
	if productID == "" || variantID == "" {
		n.dropMalformed(rec, "movement record missing product or variant id")
		return nil
	}

	reason := row.Get("reason").String()
	if reason == "" {
		reason = "adjustment"
	}

	prev := int(row.Get("previous_quantity").Int())
	next := int(row.Get("new_quantity").Int())
	return &models.StockUpdate{
		ProductID:        productID,
		VariantID:        variantID,
		PreviousQuantity: prev,
		NewQuantity:      next,
		Delta:            next - prev,
		Reason:           reason,
		ObservedAt:       time.Now(),
	}
}

// normalizeVariant handles direct variant updates. Updates that do not touch
// the quantity column are suppressed so unrelated edits generate no noise.
func (n *Normalizer) normalizeVariant(rec transport.Record) *models.StockUpdate {
	newRow := gjson.ParseBytes(rec.New)
	variantID := newRow.Get("id").String()
	productID := newRow.Get("product_id").String()
	if productID == "" || variantID == "" {
		n.dropMalformed(rec, "variant record missing identifiers")
		return nil
	}

	oldRow := gjson.ParseBytes(rec.Old)
	prev := int(oldRow.Get("quantity").Int())
	next := int(newRow.Get("quantity").Int())
	if prev == next {
		return nil
	}

	return &models.StockUpdate{
		ProductID:        productID,
		VariantID:        variantID,
		PreviousQuantity: prev,
		NewQuantity:      next,
		Delta:            next - prev,
		Reason:           "direct update",
		ObservedAt:       time.Now(),
	}
}

// normalizeProduct handles product updates. Only active-flag flips are
// interesting; they become StatusChange notifications, never StockUpdates.
func (n *Normalizer) normalizeProduct(rec transport.Record) *models.StatusChange {
	newRow := gjson.ParseBytes(rec.New)
	productID := newRow.Get("id").String()
	if productID == "" {
		n.dropMalformed(rec, "product record missing id")
		return nil
	}

	oldActive := gjson.ParseBytes(rec.Old).Get("is_active")
	newActive := newRow.Get("is_active")
	if !newActive.Exists() || oldActive.Bool() == newActive.Bool() {
		return nil
	}

	return &models.StatusChange{
		ProductID:  productID,
		Active:     newActive.Bool(),
		ObservedAt: time.Now(),
	}
}

func (n *Normalizer) dropMalformed(rec transport.Record, reason string) {
	metrics.IncrementRecordDropped()
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"table":  rec.Table,
		"event":  rec.Event,
		"reason": reason,
	}).Warn("malformed change record dropped")
}

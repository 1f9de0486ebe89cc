package store

import (
	"context"
)

// ProductQuantity is one row of a bulk quantity lookup, aggregated per
// product across its variants.
type ProductQuantity struct {
	ProductID string
	Quantity  int
}

// VariantStock is the current stock position of a single product variant
// together with its configured minimum.
type VariantStock struct {
	ProductID   string
	ProductName string
	VariantID   string
	VariantName string
	Quantity    int
	MinQuantity int
}

// Store is the read-side query interface against the persistent inventory
// store. Implementations must be safe for concurrent use.
type Store interface {
	// QueryQuantities returns current quantities for the given product ids.
	// The id list is expected to be pre-chunked by the caller; the store
	// enforces practical limits on filter length.
	QueryQuantities(ctx context.Context, productIDs []string) ([]ProductQuantity, error)

	// QueryVariantStock returns the stock position of one variant, or nil
	// when the variant does not exist.
	QueryVariantStock(ctx context.Context, productID, variantID string) (*VariantStock, error)

	// QueryLowStock returns every active variant at or below the threshold.
	QueryLowStock(ctx context.Context, threshold int) ([]VariantStock, error)
}

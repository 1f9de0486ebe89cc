package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"stocksync/config"
	"stocksync/logger"
)

const variantsResource = "product_variants"

// RESTStore queries the hosted backend's REST interface. Filters are encoded
// in the query string, which is why callers must keep id lists small; the
// batch reader owns that chunking.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewRESTStore builds a store client from configuration.
func NewRESTStore(cfg config.StoreConfig) *RESTStore {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &RESTStore{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

func (s *RESTStore) QueryQuantities(ctx context.Context, productIDs []string) ([]ProductQuantity, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("select", "product_id,quantity")
	query.Set("product_id", "in.("+strings.Join(productIDs, ",")+")")

	body, err := s.get(ctx, variantsResource, query)
	if err != nil {
		return nil, fmt.Errorf("quantity query failed: %w", err)
	}

	// Variants are aggregated per product; map preserves the summed totals,
	// slice order follows first appearance.
	totals := make(map[string]int, len(productIDs))
	order := make([]string, 0, len(productIDs))
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		id := row.Get("product_id").String()
		if id == "" {
			return true
		}
		if _, seen := totals[id]; !seen {
			order = append(order, id)
		}
		totals[id] += int(row.Get("quantity").Int())
		return true
	})

	out := make([]ProductQuantity, 0, len(order))
	for _, id := range order {
		out = append(out, ProductQuantity{ProductID: id, Quantity: totals[id]})
	}
	return out, nil
}

func (s *RESTStore) QueryVariantStock(ctx context.Context, productID, variantID string) (*VariantStock, error) {
	query := url.Values{}
	query.Set("select", "id,name,quantity,min_quantity,product_id,products(name)")
	query.Set("id", "eq."+variantID)
	if productID != "" {
		query.Set("product_id", "eq."+productID)
	}
	query.Set("limit", "1")

	body, err := s.get(ctx, variantsResource, query)
	if err != nil {
		return nil, fmt.Errorf("variant stock query failed: %w", err)
	}

	row := gjson.ParseBytes(body).Get("0")
	if !row.Exists() {
		return nil, nil
	}
	return variantFromRow(row), nil
}

func (s *RESTStore) QueryLowStock(ctx context.Context, threshold int) ([]VariantStock, error) {
	query := url.Values{}
	query.Set("select", "id,name,quantity,min_quantity,product_id,products(name,is_active)")
	query.Set("quantity", fmt.Sprintf("lte.%d", threshold))
	query.Set("order", "quantity.asc")

	body, err := s.get(ctx, variantsResource, query)
	if err != nil {
		return nil, fmt.Errorf("low stock query failed: %w", err)
	}

	var out []VariantStock
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		if row.Get("products.is_active").Exists() && !row.Get("products.is_active").Bool() {
			return true
		}
		out = append(out, *variantFromRow(row))
		return true
	})
	return out, nil
}

func variantFromRow(row gjson.Result) *VariantStock {
	return &VariantStock{
		ProductID:   row.Get("product_id").String(),
		ProductName: row.Get("products.name").String(),
		VariantID:   row.Get("id").String(),
		VariantName: row.Get("name").String(),
		Quantity:    int(row.Get("quantity").Int()),
		MinQuantity: int(row.Get("min_quantity").Int()),
	}
}

// Ping is a cheap connectivity pre-check: one single-row select. The
// supervisor runs it before subscribing and only logs failures.
func (s *RESTStore) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("limit", "1")
	if _, err := s.get(ctx, variantsResource, query); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

func (s *RESTStore) get(ctx context.Context, resource string, query url.Values) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", s.baseURL, resource, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.log.WithComponent("rest_store").WithFields(logger.Fields{
		"resource":    resource,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(body),
	}).Debug("store query completed")
	return body, nil
}

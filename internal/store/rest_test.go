package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"stocksync/config"
)

func testStore(t *testing.T, handler http.HandlerFunc) (*RESTStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	st := NewRESTStore(config.StoreConfig{
		URL:     server.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			BurstSize:         10,
		},
	})
	return st, server
}

func TestQueryQuantitiesAggregatesVariants(t *testing.T) {
	var gotQuery url.Values
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"product_id":"p1","quantity":3},
			{"product_id":"p2","quantity":7},
			{"product_id":"p1","quantity":4}
		]`))
	})

	rows, err := st.QueryQuantities(context.Background(), []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("QueryQuantities: %v", err)
	}

	if filter := gotQuery.Get("product_id"); filter != "in.(p1,p2)" {
		t.Errorf("product_id filter = %q, want in.(p1,p2)", filter)
	}

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].ProductID != "p1" || rows[0].Quantity != 7 {
		t.Errorf("row 0 = %+v, want p1 with summed quantity 7", rows[0])
	}
	if rows[1].ProductID != "p2" || rows[1].Quantity != 7 {
		t.Errorf("row 1 = %+v, want p2 with quantity 7", rows[1])
	}
}

func TestQueryQuantitiesEmptyInputSkipsRequest(t *testing.T) {
	requests := 0
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`[]`))
	})

	rows, err := st.QueryQuantities(context.Background(), nil)
	if err != nil {
		t.Fatalf("QueryQuantities: %v", err)
	}
	if rows != nil {
		t.Errorf("got %d rows, want none", len(rows))
	}
	if requests != 0 {
		t.Errorf("empty input made %d requests", requests)
	}
}

func TestQueryVariantStock(t *testing.T) {
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("id") != "eq.v1" || q.Get("product_id") != "eq.p1" {
			t.Errorf("unexpected filters: %v", q)
		}
		w.Write([]byte(`[{
			"id":"v1","name":"Small","quantity":2,"min_quantity":5,
			"product_id":"p1","products":{"name":"Widget"}
		}]`))
	})

	position, err := st.QueryVariantStock(context.Background(), "p1", "v1")
	if err != nil {
		t.Fatalf("QueryVariantStock: %v", err)
	}
	if position == nil {
		t.Fatal("expected a position")
	}
	if position.ProductName != "Widget" || position.VariantName != "Small" {
		t.Errorf("names = (%q, %q)", position.ProductName, position.VariantName)
	}
	if position.Quantity != 2 || position.MinQuantity != 5 {
		t.Errorf("quantities = (%d, %d), want (2, 5)", position.Quantity, position.MinQuantity)
	}
}

func TestQueryVariantStockNotFound(t *testing.T) {
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	position, err := st.QueryVariantStock(context.Background(), "p1", "missing")
	if err != nil {
		t.Fatalf("QueryVariantStock: %v", err)
	}
	if position != nil {
		t.Fatalf("unknown variant returned %+v", position)
	}
}

func TestQueryLowStockSkipsInactiveProducts(t *testing.T) {
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("quantity"); q != "lte.10" {
			t.Errorf("quantity filter = %q, want lte.10", q)
		}
		w.Write([]byte(`[
			{"id":"v1","name":"Small","quantity":0,"min_quantity":5,"product_id":"p1","products":{"name":"Widget","is_active":true}},
			{"id":"v2","name":"Large","quantity":3,"min_quantity":5,"product_id":"p2","products":{"name":"Retired","is_active":false}},
			{"id":"v3","name":"Medium","quantity":8,"min_quantity":10,"product_id":"p3","products":{"name":"Gadget","is_active":true}}
		]`))
	})

	rows, err := st.QueryLowStock(context.Background(), 10)
	if err != nil {
		t.Fatalf("QueryLowStock: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (inactive product skipped)", len(rows))
	}
	if rows[0].VariantID != "v1" || rows[1].VariantID != "v3" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestAuthHeaders(t *testing.T) {
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "test-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization header = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`[]`))
	})

	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNon200StatusIsError(t *testing.T) {
	st, _ := testStore(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"permission denied"}`, http.StatusUnauthorized)
	})

	if _, err := st.QueryQuantities(context.Background(), []string{"p1"}); err == nil {
		t.Fatal("expected error on 401")
	}
	if err := st.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error on 401")
	}
}

package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coin_dash/internal/domain"
	"coin_dash/internal/infra/storage"
)

const marketsBody = `[
  {"id":"bitcoin","symbol":"btc","name":"Bitcoin","image":"https://img/btc.png",
   "current_price":64000.5,"market_cap_rank":1,"price_change_percentage_24h":-1.25,
   "sparkline_in_7d":{"price":[63000,64000.5]}},
  {"id":"ethereum","symbol":"eth","name":"Ethereum","image":"https://img/eth.png",
   "current_price":3100,"market_cap_rank":2,"price_change_percentage_24h":null,
   "sparkline_in_7d":{"price":[3000,3100]}}
]`

const listBody = `[
  {"id":"bitcoin","symbol":"btc","name":"Bitcoin"},
  {"id":"ethereum","symbol":"eth","name":"Ethereum"},
  {"id":"wrapped-bitcoin","symbol":"wbtc","name":"Wrapped Bitcoin"}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*CoinGeckoClient, *storage.Catalog, *Metrics) {
	return newTestClientTTL(t, time.Minute, handler)
}

func newTestClientTTL(t *testing.T, ttl time.Duration, handler http.HandlerFunc) (*CoinGeckoClient, *storage.Catalog, *Metrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	catalog, err := storage.NewCatalog(ttl)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	cfg := DefaultConfig()
	cfg.API.CoinGecko.BaseURL = server.URL
	cfg.API.CoinGecko.APIKey = "test-key"
	m := &Metrics{}
	return NewCoinGeckoClient(cfg, catalog, m), catalog, m
}

func TestCoinGeckoClient_FetchTop(t *testing.T) {
	client, _, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/markets" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get(APIKeyHeader); got != "test-key" {
			t.Errorf("Expected api key header, got %q", got)
		}
		q := r.URL.Query()
		if q.Get("per_page") != "10" || q.Get("sparkline") != "true" || q.Get("price_change_percentage") != "24h" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		if q.Has("ids") {
			t.Error("FetchTop must not filter by ids")
		}
		w.Write([]byte(marketsBody))
	})

	list, err := client.FetchTop(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchTop failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 coins, got %d", len(list))
	}

	btc := list[0]
	if !btc.Price.Equal(decimal.RequireFromString("64000.5")) {
		t.Errorf("Expected price 64000.5, got %s", btc.Price)
	}
	if !btc.ChangePct24h.Equal(decimal.RequireFromString("-1.25")) {
		t.Errorf("Expected change -1.25, got %s", btc.ChangePct24h)
	}
	if len(btc.Sparkline) != 2 || btc.MarketCapRank != 1 || btc.Image == "" {
		t.Errorf("Unexpected snapshot %+v", btc)
	}
	if !list[1].ChangePct24h.IsZero() {
		t.Errorf("null change should decode as zero, got %s", list[1].ChangePct24h)
	}
	if m.Snapshot().RequestsTotal != 1 {
		t.Errorf("Expected 1 recorded request, got %d", m.Snapshot().RequestsTotal)
	}
}

func TestCoinGeckoClient_FetchByIDs(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Errorf("Expected ids filter, got %q", got)
		}
		w.Write([]byte(marketsBody))
	})

	list, err := client.FetchByIDs(context.Background(), []string{"bitcoin", "ethereum"})
	if err != nil || len(list) != 2 {
		t.Fatalf("FetchByIDs failed: %v (%d)", err, len(list))
	}

	list, err = client.FetchByIDs(context.Background(), nil)
	if err != nil || list != nil {
		t.Errorf("Empty ids should short-circuit, got %v, %v", list, err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestCoinGeckoClient_Search(t *testing.T) {
	var listCalls atomic.Int32
	var failList atomic.Bool
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/list" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		listCalls.Add(1)
		if failList.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(listBody))
	})

	t.Run("downloads catalog once", func(t *testing.T) {
		got, err := client.Search(context.Background(), "Bitcoin")
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "bitcoin" || got[1].ID != "wrapped-bitcoin" {
			t.Errorf("Unexpected results %v", got)
		}
		if _, err := client.Search(context.Background(), "eth"); err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if listCalls.Load() != 1 {
			t.Errorf("Expected cached catalog, got %d list calls", listCalls.Load())
		}
		if info := client.CacheInfo(); !info.Valid || info.Count != 3 {
			t.Errorf("Unexpected cache info %+v", info)
		}
	})

	t.Run("no cache and failing refresh", func(t *testing.T) {
		failList.Store(true)
		if err := client.ClearCache(); err != nil {
			t.Fatal(err)
		}
		_, err := client.Search(context.Background(), "btc")
		if err == nil {
			t.Fatal("Expected error without any cache")
		}
		var se *domain.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected wrapped 503, got %v", err)
		}
		if !domain.IsRetriable(err) {
			t.Error("503 should be retriable")
		}
	})

	t.Run("blank query", func(t *testing.T) {
		before := listCalls.Load()
		got, err := client.Search(context.Background(), "   ")
		if err != nil || got != nil || listCalls.Load() != before {
			t.Errorf("Blank query should not hit the API")
		}
	})
}

func TestCoinGeckoClient_SearchUsesExpiredCache(t *testing.T) {
	var failList atomic.Bool
	client, catalog, _ := newTestClientTTL(t, time.Nanosecond, func(w http.ResponseWriter, r *http.Request) {
		if failList.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(listBody))
	})

	if err := catalog.Replace([]domain.CoinBasic{{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"}}); err != nil {
		t.Fatal(err)
	}
	failList.Store(true)
	time.Sleep(time.Millisecond)
	if catalog.Valid() {
		t.Fatal("Catalog should have expired")
	}

	got, err := client.Search(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Expected fallback to expired cache, got %v", err)
	}
	if len(got) != 1 || got[0].ID != "bitcoin" {
		t.Errorf("Expected bitcoin from expired cache, got %v", got)
	}
}

func TestCoinGeckoClient_FetchHistory(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coins/bitcoin/market_chart":
			if r.URL.Query().Get("days") != "1" {
				t.Errorf("Expected days=1, got %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"prices":[[1700000060000,2],[1700000000000,1]]}`))
		case "/coins/empty/market_chart":
			w.Write([]byte(`{"prices":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	series, err := client.FetchHistory(context.Background(), "bitcoin")
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}
	if series.Len() != 2 || series.Points[0].Price != 1 {
		t.Errorf("Expected 2 sorted points, got %+v", series.Points)
	}

	if _, err := client.FetchHistory(context.Background(), "empty"); !errors.Is(err, domain.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}

	_, err = client.FetchHistory(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if !domain.IsFatal(err) {
		t.Error("404 should not be retried")
	}
}

func TestCoinGeckoClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retriable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := client.FetchTop(context.Background(), 10)
			if err == nil {
				t.Fatal("Expected error")
			}
			if domain.IsRetriable(err) != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v (%v)", domain.IsRetriable(err), tt.retriable, err)
			}
			if !strings.Contains(err.Error(), "GET /coins/markets") {
				t.Errorf("Error should name the operation: %v", err)
			}
			if m.Snapshot().RequestErrors != 1 {
				t.Errorf("Expected 1 request error, got %d", m.Snapshot().RequestErrors)
			}
		})
	}
}

func TestCoinGeckoClient_NoAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header[http.CanonicalHeaderKey(APIKeyHeader)]; ok {
			t.Error("Header must be omitted without a key")
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.API.CoinGecko.BaseURL = server.URL + "/"
	catalog, _ := storage.NewCatalog(time.Minute)
	defer catalog.Close()

	client := NewCoinGeckoClient(cfg, catalog, nil)
	if _, err := client.FetchTop(context.Background(), 5); err != nil {
		t.Fatalf("FetchTop failed: %v", err)
	}
}

package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDenominationsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"denoms": []map[string]any{
				{"denom_pub": "pub1", "value": "EUR:5.00000000", "fee_deposit": "EUR:0.01000000"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(5*time.Second, 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	for i := 0; i < 3; i++ {
		denoms, err := c.Denominations(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("denominations: %v", err)
		}
		if len(denoms) != 1 {
			t.Fatalf("expected 1 denomination, got %d", len(denoms))
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one HTTP call due to caching, got %d", calls)
	}
}

func TestDepositDoubleSpendRequiresHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		json.NewEncoder(w).Encode(map[string]any{"history": []any{}})
	}))
	defer srv.Close()

	c, _ := New(5*time.Second, 0)
	res := c.Deposit(context.Background(), Coin{ExchangeBaseURL: srv.URL}, []byte("merchant"), []byte("contract"))
	if res.Outcome != DepositExchangeProtocol {
		t.Fatalf("expected ExchangeProtocol for empty history, got %s", res.Outcome)
	}
}

func TestDepositDoubleSpendWithValidHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]string{{"type": "deposit", "amount": "EUR:5", "signature": "sig"}},
		})
	}))
	defer srv.Close()

	c, _ := New(5*time.Second, 0)
	res := c.Deposit(context.Background(), Coin{ExchangeBaseURL: srv.URL}, []byte("merchant"), []byte("contract"))
	if res.Outcome != DepositDoubleSpend {
		t.Fatalf("expected DoubleSpend, got %s", res.Outcome)
	}
}

func TestDepositTransportErrorRetriesOnceThenClassifies(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c, _ := New(5*time.Second, 0)
	res := c.Deposit(context.Background(), Coin{ExchangeBaseURL: srv.URL}, []byte("m"), []byte("c"))
	if res.Outcome != DepositExchangeUnavailable {
		t.Fatalf("expected ExchangeUnavailable, got %s", res.Outcome)
	}
	if calls != 2 {
		t.Fatalf("expected one retry (2 total calls), got %d", calls)
	}
}

func TestPerExchangeConcurrencyBound(t *testing.T) {
	c, err := New(time.Second, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r1, err := c.acquire(context.Background(), "https://ex.example")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := c.acquire(context.Background(), "https://ex.example")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if _, err := c.acquire(ctx, "https://ex.example"); err == nil {
		t.Fatalf("expected third acquire to block past the bound and time out")
	}
	r1()
	r2()
}

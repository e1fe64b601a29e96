package payment

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/store"
)

func newHarness(t *testing.T, depositHandler http.HandlerFunc) (*Coordinator, store.Store, ed25519.PublicKey, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(depositHandler)
	t.Cleanup(srv.Close)

	st := store.NewMemStore()
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ex, err := exchange.New(5*time.Second, 4)
	if err != nil {
		t.Fatalf("new exchange client: %v", err)
	}
	waiters := longpoll.NewRegistry()
	t.Cleanup(waiters.Close)

	co := NewCoordinator(st, ex, waiters, func(instanceID string) (ed25519.PrivateKey, error) {
		return kp.Private, nil
	})
	return co, st, kp.Public, srv
}

func seedPaidAmountContract(t *testing.T, st store.Store, amt amount.Value) [32]byte {
	t.Helper()
	terms := map[string]any{"order_id": "1", "amount": amt.String()}
	hash, _, err := cryptoutil.HashContractTerms(terms)
	if err != nil {
		t.Fatalf("hash terms: %v", err)
	}
	err = st.PutUnclaimedOrder(context.Background(), store.UnclaimedOrder{
		InstanceID: "default",
		OrderID:    "1",
		OrderJSON:  []byte(`{}`),
		Amount:     amt,
		MaxWireFee: amt,
		WireFeeAmortization: 1,
	})
	if err != nil {
		t.Fatalf("put unclaimed: %v", err)
	}
	contract, _, err := st.ClaimOrder(context.Background(), "default", "1", []byte("nonce"), func(o store.UnclaimedOrder) (store.Contract, error) {
		return store.Contract{
			InstanceID:          o.InstanceID,
			OrderID:             o.OrderID,
			Nonce:               []byte("nonce"),
			ContractHash:        hash,
			Amount:              o.Amount,
			MaxWireFee:          o.MaxWireFee,
			WireFeeAmortization: o.WireFeeAmortization,
		}, nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return contract.ContractHash
}

func TestPaySuccessSingleCoin(t *testing.T) {
	co, st, _, srv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"exchange_pub": "ex-pub", "exchange_sig": "ex-sig"})
	})

	eur5, _ := amount.Parse("EUR:5.00000000")
	seedPaidAmountContract(t, st, eur5)

	coins := []exchange.Coin{{
		ExchangeBaseURL:  srv.URL,
		CoinPub:          []byte("coin1"),
		AmountWithFee:    mustParse(t, "EUR:5.01000000"),
		AmountWithoutFee: eur5,
	}}

	res, perms, err := co.Pay(context.Background(), "default", "1", coins, ModePay)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if perms != nil {
		t.Fatalf("expected no refund permissions on success")
	}
	if len(res.MerchantSignature) == 0 {
		t.Fatalf("expected a merchant signature")
	}

	contract, err := st.GetContract(context.Background(), "default", "1")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if !contract.Paid {
		t.Fatalf("expected contract to be marked paid")
	}
}

func TestPayReplayDoesNotRecontactExchange(t *testing.T) {
	calls := 0
	co, st, _, srv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"exchange_pub": "ex-pub"})
	})

	eur5, _ := amount.Parse("EUR:5.00000000")
	seedPaidAmountContract(t, st, eur5)
	coins := []exchange.Coin{{
		ExchangeBaseURL:  srv.URL,
		CoinPub:          []byte("coin1"),
		AmountWithFee:    mustParse(t, "EUR:5.01000000"),
		AmountWithoutFee: eur5,
	}}

	if _, _, err := co.Pay(context.Background(), "default", "1", coins, ModePay); err != nil {
		t.Fatalf("first pay: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 deposit call, got %d", calls)
	}

	res, _, err := co.Pay(context.Background(), "default", "1", coins, ModePay)
	if err != nil {
		t.Fatalf("replay pay: %v", err)
	}
	if len(res.MerchantSignature) == 0 {
		t.Fatalf("expected a merchant signature on replay")
	}
	if calls != 1 {
		t.Fatalf("expected replay not to re-contact the exchange, got %d calls", calls)
	}
}

func TestPayDoubleSpendClassification(t *testing.T) {
	co, st, _, srv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]string{{"type": "deposit", "amount": "EUR:5", "signature": "sig"}},
		})
	})

	eur5, _ := amount.Parse("EUR:5.00000000")
	seedPaidAmountContract(t, st, eur5)
	coins := []exchange.Coin{{
		ExchangeBaseURL:  srv.URL,
		CoinPub:          []byte("coin1"),
		AmountWithFee:    mustParse(t, "EUR:5.01000000"),
		AmountWithoutFee: eur5,
	}}

	_, _, err := co.Pay(context.Background(), "default", "1", coins, ModePay)
	if err == nil {
		t.Fatalf("expected an error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Tag != "DoubleSpend" {
		t.Fatalf("expected DoubleSpend, got %s", apiErr.Tag)
	}
}

func mustParse(t *testing.T, s string) amount.Value {
	t.Helper()
	v, err := amount.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

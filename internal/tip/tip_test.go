package tip

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
	"taler-merchant/internal/store"
)

func newTestSubsystem(t *testing.T, handler http.HandlerFunc) (*Subsystem, store.Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
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
	sub := NewSubsystem(st, ex, func(string) (ed25519.PrivateKey, error) { return kp.Private, nil })
	return sub, st, srv
}

func seedReserve(t *testing.T, st store.Store, srvURL string, committed amount.Value) {
	t.Helper()
	rkp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate reserve key: %v", err)
	}
	if err := st.PutTipReserve(context.Background(), store.TipReserve{
		InstanceID:       "default",
		ReservePublicKey: rkp.Public,
		ExchangeBaseURL:  srvURL,
		Currency:         committed.Currency,
		Authorized:       amount.Zero(committed.Currency),
		Withdrawn:        amount.Zero(committed.Currency),
		CommittedBalance: committed,
		Expiration:       time.Now().Add(365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("put reserve: %v", err)
	}
}

func TestAuthorizeWithinBudget(t *testing.T) {
	sub, st, srv := newTestSubsystem(t, nil)
	eur10, _ := amount.Parse("EUR:10.00000000")
	seedReserve(t, st, srv.URL, eur10)

	res, err := sub.Authorize(context.Background(), "default", mustParse(t, "EUR:3.00000000"), "thanks", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.TipID == "" || res.TipURI == "" {
		t.Fatalf("expected a tip id and uri")
	}

	q, err := sub.Query(context.Background(), "default")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if q.Authorized.String() != "EUR:3.00000000" {
		t.Fatalf("expected authorized EUR:3.00000000, got %s", q.Authorized)
	}
}

func TestAuthorizeRetriesAfterReserveRefresh(t *testing.T) {
	sub, st, srv := newTestSubsystem(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]any{{
				"type":   "DEPOSIT",
				"amount": "EUR:10.00000000",
				"timestamp": map[string]int64{"t_ms": time.Now().UnixMilli()},
			}},
		})
	})
	eur0, _ := amount.Parse("EUR:0.00000000")
	seedReserve(t, st, srv.URL, eur0)

	res, err := sub.Authorize(context.Background(), "default", mustParse(t, "EUR:5.00000000"), "thanks", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.TipID == "" {
		t.Fatalf("expected a tip id after the reserve refresh uncovered funds")
	}
}

func TestAuthorizeFailsWhenStillInsufficient(t *testing.T) {
	sub, st, srv := newTestSubsystem(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"history": []map[string]any{}})
	})
	eur0, _ := amount.Parse("EUR:0.00000000")
	seedReserve(t, st, srv.URL, eur0)

	_, err := sub.Authorize(context.Background(), "default", mustParse(t, "EUR:5.00000000"), "thanks", nil)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Tag != "InsufficientFunds" {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
}

func TestPickupRespectsAuthorizedCeiling(t *testing.T) {
	sub, st, srv := newTestSubsystem(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"ev_sig": "c2ln"})
	})
	eur10, _ := amount.Parse("EUR:10.00000000")
	seedReserve(t, st, srv.URL, eur10)

	res, err := sub.Authorize(context.Background(), "default", mustParse(t, "EUR:5.00000000"), "thanks", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	sigs, err := sub.Pickup(context.Background(), "default", res.TipID, []Planchet{
		{DenominationPub: []byte("denom"), CoinEnvelope: []byte("env1"), Value: mustParse(t, "EUR:5.00000000")},
	})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if len(sigs) != 1 || len(sigs[0].BlindSignature) == 0 {
		t.Fatalf("expected one blind signature")
	}

	_, err = sub.Pickup(context.Background(), "default", res.TipID, []Planchet{
		{DenominationPub: []byte("denom"), CoinEnvelope: []byte("env2"), Value: mustParse(t, "EUR:0.01000000")},
	})
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Tag != "InsufficientFunds" {
		t.Fatalf("expected a second pickup beyond the authorized amount to fail, got %v", err)
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

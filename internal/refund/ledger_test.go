package refund

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/store"
)

func seedPaidContract(t *testing.T, st store.Store, amt amount.Value) [32]byte {
	t.Helper()
	hash := [32]byte{1, 2, 3}
	if err := st.PutUnclaimedOrder(context.Background(), store.UnclaimedOrder{
		InstanceID: "default", OrderID: "1", OrderJSON: []byte(`{}`), Amount: amt,
	}); err != nil {
		t.Fatalf("put unclaimed: %v", err)
	}
	contract, _, err := st.ClaimOrder(context.Background(), "default", "1", []byte("n"), func(o store.UnclaimedOrder) (store.Contract, error) {
		return store.Contract{InstanceID: o.InstanceID, OrderID: o.OrderID, ContractHash: hash, Amount: amt, Nonce: []byte("n")}, nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkContractPaid(context.Background(), contract.ContractHash, time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	return contract.ContractHash
}

func newLedger(t *testing.T) (*Ledger, store.Store, *longpoll.Registry) {
	t.Helper()
	st := store.NewMemStore()
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	waiters := longpoll.NewRegistry()
	t.Cleanup(waiters.Close)
	l := NewLedger(st, waiters, func(string) (ed25519.PrivateKey, error) { return kp.Private, nil })
	return l, st, waiters
}

func TestIncreaseMonotonicity(t *testing.T) {
	l, st, _ := newLedger(t)
	eur10, _ := amount.Parse("EUR:10.00000000")
	hash := seedPaidContract(t, st, eur10)

	total, err := l.Increase(context.Background(), "default", "1", hash, mustParse(t, "EUR:0.10000000"), "customer request")
	if err != nil {
		t.Fatalf("increase 1: %v", err)
	}
	if total.String() != "EUR:0.10000000" {
		t.Fatalf("expected EUR:0.10000000, got %s", total)
	}

	total, err = l.Increase(context.Background(), "default", "1", hash, mustParse(t, "EUR:0.05000000"), "second request")
	if err != nil {
		t.Fatalf("increase 2: %v", err)
	}
	if total.String() != "EUR:0.10000000" {
		t.Fatalf("expected the lower second request to be a no-op, got %s", total)
	}
}

func TestIncreaseBeforePaymentFails(t *testing.T) {
	l, st, _ := newLedger(t)
	eur10, _ := amount.Parse("EUR:10.00000000")
	if err := st.PutUnclaimedOrder(context.Background(), store.UnclaimedOrder{InstanceID: "default", OrderID: "2", OrderJSON: []byte(`{}`), Amount: eur10}); err != nil {
		t.Fatalf("put: %v", err)
	}
	hash := [32]byte{9, 9}
	if _, _, err := st.ClaimOrder(context.Background(), "default", "2", []byte("n"), func(o store.UnclaimedOrder) (store.Contract, error) {
		return store.Contract{InstanceID: o.InstanceID, OrderID: o.OrderID, ContractHash: hash, Amount: eur10, Nonce: []byte("n")}, nil
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := l.Increase(context.Background(), "default", "2", hash, mustParse(t, "EUR:1.00000000"), "too early")
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Tag != "ContractNotPaid" {
		t.Fatalf("expected ContractNotPaid, got %v", err)
	}
}

func TestComputeSharesGreedyConsumption(t *testing.T) {
	l, st, _ := newLedger(t)
	eur10, _ := amount.Parse("EUR:10.00000000")
	hash := seedPaidContract(t, st, eur10)

	for i, coin := range []string{"coinA", "coinB"} {
		if err := st.PutDeposit(context.Background(), store.Deposit{
			ContractHash:  hash,
			CoinPub:       []byte(coin),
			AmountWithFee: mustParse(t, "EUR:5.01000000"),
			DepositFee:    mustParse(t, "EUR:0.01000000"),
			CreatedAt:     time.Now().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("put deposit %d: %v", i, err)
		}
	}

	if _, err := l.Increase(context.Background(), "default", "1", hash, mustParse(t, "EUR:7.00000000"), "partial refund"); err != nil {
		t.Fatalf("increase: %v", err)
	}

	shares, err := l.ComputeShares(context.Background(), hash)
	if err != nil {
		t.Fatalf("compute shares: %v", err)
	}
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}
	if shares[0].RefundAmount.String() != "EUR:5.00000000" {
		t.Fatalf("expected first coin to absorb its full net amount, got %s", shares[0].RefundAmount)
	}
	if shares[1].RefundAmount.String() != "EUR:2.00000000" {
		t.Fatalf("expected second coin to absorb the remainder, got %s", shares[1].RefundAmount)
	}
}

func TestPickupIsIdempotent(t *testing.T) {
	l, st, _ := newLedger(t)
	eur5, _ := amount.Parse("EUR:5.00000000")
	hash := seedPaidContract(t, st, eur5)
	if err := st.PutDeposit(context.Background(), store.Deposit{
		ContractHash: hash, CoinPub: []byte("coin1"),
		AmountWithFee: mustParse(t, "EUR:5.01000000"), DepositFee: mustParse(t, "EUR:0.01000000"),
	}); err != nil {
		t.Fatalf("put deposit: %v", err)
	}
	if _, err := l.Increase(context.Background(), "default", "1", hash, mustParse(t, "EUR:2.00000000"), "r"); err != nil {
		t.Fatalf("increase: %v", err)
	}

	p1, err := l.Pickup(context.Background(), "default", hash)
	if err != nil {
		t.Fatalf("pickup 1: %v", err)
	}
	p2, err := l.Pickup(context.Background(), "default", hash)
	if err != nil {
		t.Fatalf("pickup 2: %v", err)
	}
	if len(p1) != 1 || len(p2) != 1 {
		t.Fatalf("expected exactly one permission each call")
	}
	if string(p1[0].Signature) != string(p2[0].Signature) {
		t.Fatalf("expected stable signature across repeat pickups")
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

package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/contract"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/instance"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/payment"
	"taler-merchant/internal/reconcile"
	"taler-merchant/internal/refund"
	"taler-merchant/internal/store"
	"taler-merchant/internal/tip"
)

// testHarness bundles a Server and the raw store it's backed by, so tests
// can assert on persisted rows in addition to HTTP responses.
type testHarness struct {
	srv *Server
	st  store.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	st := store.NewMemStore()

	masterKey := bytes.Repeat([]byte{0x07}, 32)

	merchantKP, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate merchant key: %v", err)
	}
	mNonce, mCipher, err := cryptoutil.SealPrivateKey(masterKey, merchantKP.Private)
	if err != nil {
		t.Fatalf("seal merchant key: %v", err)
	}

	if err := st.CreateInstance(context.Background(), store.Instance{
		ID:                         DefaultInstanceID,
		PublicKey:                  merchantKP.Public,
		SealedPrivateKeyNonce:      mNonce,
		SealedPrivateKeyCipher:     mCipher,
		DefaultMaxWireFee:          mustAmount(t, "KUDOS:0.1"),
		DefaultWireFeeAmortization: 1,
		DefaultMaxDepositFee:       mustAmount(t, "KUDOS:0.1"),
		DefaultWireTransferDelay:  24 * time.Hour,
		DefaultPayDelay:           2 * time.Hour,
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := st.UpsertAccount(context.Background(), store.Account{
		InstanceID:    DefaultInstanceID,
		PaymentTarget: "payto://x-taler-bank/bank/acct",
		Active:        true,
	}); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	ex, err := exchange.New(5*time.Second, 4)
	if err != nil {
		t.Fatalf("new exchange client: %v", err)
	}
	waiters := longpoll.NewRegistry()
	t.Cleanup(waiters.Close)

	contracts := contract.NewManager(st)
	reg := instance.NewRegistry(st)

	instanceSign := func(instanceID string) (ed25519.PrivateKey, error) {
		inst, err := st.GetInstance(context.Background(), instanceID)
		if err != nil {
			return nil, err
		}
		plain, err := cryptoutil.OpenPrivateKey(masterKey, inst.SealedPrivateKeyNonce, inst.SealedPrivateKeyCipher)
		if err != nil {
			return nil, err
		}
		return ed25519.PrivateKey(plain), nil
	}
	reserveSign := func(instanceID string) (ed25519.PrivateKey, error) {
		inst, err := st.GetInstance(context.Background(), instanceID)
		if err != nil {
			return nil, err
		}
		plain, err := cryptoutil.OpenPrivateKey(masterKey, inst.TipReserveSealedNonce, inst.TipReserveSealedCipher)
		if err != nil {
			return nil, err
		}
		return ed25519.PrivateKey(plain), nil
	}

	payments := payment.NewCoordinator(st, ex, waiters, instanceSign)
	refunds := refund.NewLedger(st, waiters, instanceSign)
	tips := tip.NewSubsystem(st, ex, reserveSign)
	reconciler := reconcile.NewReconciler(st, ex)

	srv := NewServer("127.0.0.1:0", Deps{
		Store:            st,
		Instances:        reg,
		Contracts:        contracts,
		Payments:         payments,
		Refunds:          refunds,
		Reconciler:       reconciler,
		Tips:             tips,
		Waiters:          waiters,
		MasterKey:        masterKey,
		MerchantBaseURL:  "https://merchant.example",
		InstanceDefaults: InstanceDefaultsFromStore(st, "https://merchant.example"),
	})

	return &testHarness{srv: srv, st: st}
}

func mustAmount(t *testing.T, s string) amount.Value {
	t.Helper()
	v, err := amount.Parse(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return v
}

func mustJSON(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func doRequest(t *testing.T, h *testHarness, method, path string, body any) *http.Response {
	t.Helper()
	ts := httptest.NewServer(h.srv.Router())
	t.Cleanup(ts.Close)

	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = mustJSON(t, body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestCreateClaimAndFetchOrder(t *testing.T) {
	h := newTestHarness(t)

	createResp := doRequest(t, h, http.MethodPost, "/orders", map[string]any{
		"order": map[string]any{
			"amount":  "KUDOS:10.0",
			"summary": "a widget",
		},
	})
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		t.Fatalf("create order: status %d", createResp.StatusCode)
	}
	var created struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.OrderID == "" {
		t.Fatal("expected non-empty order_id")
	}

	claimResp := doRequest(t, h, http.MethodPost, "/orders/"+created.OrderID+"/claim", map[string]any{
		"nonce": b64([]byte("0123456789abcdef0123456789abcdef")),
	})
	defer claimResp.Body.Close()
	if claimResp.StatusCode != http.StatusOK {
		t.Fatalf("claim order: status %d", claimResp.StatusCode)
	}
	var claimed struct {
		ContractTerms json.RawMessage `json:"contract_terms"`
		Sig           string          `json:"sig"`
	}
	if err := json.NewDecoder(claimResp.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode claim response: %v", err)
	}
	if claimed.Sig == "" {
		t.Fatal("expected non-empty sig")
	}

	getResp := doRequest(t, h, http.MethodGet, "/orders/"+created.OrderID, nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get order: status %d", getResp.StatusCode)
	}
	var status struct {
		Paid bool `json:"paid"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if status.Paid {
		t.Fatal("expected unpaid order to report paid=false")
	}
}

func TestGetOrderLongPollTimesOut(t *testing.T) {
	h := newTestHarness(t)

	createResp := doRequest(t, h, http.MethodPost, "/orders", map[string]any{
		"order": map[string]any{
			"amount":  "KUDOS:5.0",
			"summary": "a gadget",
		},
	})
	defer createResp.Body.Close()
	var created struct {
		OrderID string `json:"order_id"`
	}
	json.NewDecoder(createResp.Body).Decode(&created)

	claimResp := doRequest(t, h, http.MethodPost, "/orders/"+created.OrderID+"/claim", map[string]any{
		"nonce": b64([]byte("fedcba9876543210fedcba9876543210")),
	})
	claimResp.Body.Close()

	start := time.Now()
	getResp := doRequest(t, h, http.MethodGet, "/orders/"+created.OrderID+"?timeout_ms=200", nil)
	defer getResp.Body.Close()
	elapsed := time.Since(start)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get order: status %d", getResp.StatusCode)
	}
	var status struct {
		Paid     bool `json:"paid"`
		TimedOut bool `json:"timed_out"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if status.Paid {
		t.Fatal("expected unpaid order")
	}
	if !status.TimedOut {
		t.Fatal("expected long-poll to time out for an order nobody ever pays")
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("expected the handler to actually wait out timeout_ms, elapsed=%s", elapsed)
	}
}

func TestTipQueryWithoutReserveConfigured(t *testing.T) {
	h := newTestHarness(t)

	resp := doRequest(t, h, http.MethodGet, "/tips", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an instance with no tip reserve, got %d", resp.StatusCode)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Tag != "InstanceDoesNotTip" {
		t.Fatalf("expected tag InstanceDoesNotTip, got %q", body.Tag)
	}
}

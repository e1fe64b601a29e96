// Package exchange implements an asynchronous JSON/HTTP client that fetches
// and caches signed denomination keys, submits coin deposits and planchet
// withdrawals, and queries reserve status, deposit tracking and
// aggregate-transfer records.
//
// An *http.Client with a timeout, a logrus logger, and an LRU front cache
// for denomination keys. Transfer proofs are not cached here.
package exchange

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"taler-merchant/internal/amount"
)

var log = logrus.New()

// SetLogger overrides the package logger.
func SetLogger(l *logrus.Logger) { log = l }

// DefaultPerExchangeConcurrency is the default in-flight deposit ceiling,
// applied per exchange base URL rather than globally.
const DefaultPerExchangeConcurrency = 16

// Denomination is an exchange-published coin value with its own key and fee
// schedule (glossary: Denomination).
type Denomination struct {
	Pub          []byte
	Value        amount.Value
	DepositFee   amount.Value
	WithdrawFee  amount.Value
	RefundFee    amount.Value
	ValidFrom    time.Time
	ExpireDeposit time.Time
	MasterSig    []byte
}

// Coin is a wallet-presented spend token (§4.2's Pay contract).
type Coin struct {
	ExchangeBaseURL  string
	DenominationPub  []byte
	DenominationSig  []byte
	CoinPub          []byte
	CoinSig          []byte
	AmountWithFee    amount.Value
	AmountWithoutFee amount.Value
}

// DepositOutcome is the classified result of one coin's deposit RPC (§4.2
// step 3).
type DepositOutcome string

const (
	DepositOK                  DepositOutcome = "OK"
	DepositDoubleSpend         DepositOutcome = "DoubleSpend"
	DepositDenominationInvalid DepositOutcome = "DenominationInvalid"
	DepositExchangeUnavailable DepositOutcome = "ExchangeUnavailable"
	DepositExchangeProtocol    DepositOutcome = "ExchangeProtocol"
)

// DepositResult is what a single deposit RPC yields.
type DepositResult struct {
	Coin      Coin
	Outcome   DepositOutcome
	SigningKey []byte
	Proof     json.RawMessage
	Err       error
}

// Client is an HTTP/JSON client of one or more exchanges, with a
// denomination-key cache and a per-exchange concurrency semaphore.
type Client struct {
	http *http.Client

	denomCache *lru.Cache[string, []Denomination]

	mu         sync.Mutex
	sems       map[string]chan struct{} // base URL -> bounded semaphore
	perEx      int
	masterKeys map[string]ed25519.PublicKey // base URL -> exchange master public key
}

// New constructs a Client. perExchangeConcurrency <= 0 uses
// DefaultPerExchangeConcurrency.
func New(timeout time.Duration, perExchangeConcurrency int) (*Client, error) {
	if perExchangeConcurrency <= 0 {
		perExchangeConcurrency = DefaultPerExchangeConcurrency
	}
	cache, err := lru.New[string, []Denomination](256)
	if err != nil {
		return nil, fmt.Errorf("exchange: new denomination cache: %w", err)
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		denomCache: cache,
		sems:       make(map[string]chan struct{}),
		perEx:      perExchangeConcurrency,
		masterKeys: make(map[string]ed25519.PublicKey),
	}, nil
}

// RegisterMasterKey records baseURL's configured master public key so
// WireTransfer proofs (and, eventually, denomination keys) fetched from it
// can be signature-verified. Safe to call concurrently.
func (c *Client) RegisterMasterKey(baseURL string, pub ed25519.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masterKeys[baseURL] = pub
}

// MasterPublicKey returns baseURL's registered master public key, if any.
func (c *Client) MasterPublicKey(baseURL string) (ed25519.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pub, ok := c.masterKeys[baseURL]
	return pub, ok
}

// acquire blocks until a slot for baseURL is free or ctx is done.
func (c *Client) acquire(ctx context.Context, baseURL string) (release func(), err error) {
	c.mu.Lock()
	sem, ok := c.sems[baseURL]
	if !ok {
		sem = make(chan struct{}, c.perEx)
		c.sems[baseURL] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Denominations returns the exchange's published denomination set, serving
// from cache when present.
func (c *Client) Denominations(ctx context.Context, baseURL string) ([]Denomination, error) {
	if cached, ok := c.denomCache.Get(baseURL); ok {
		return cached, nil
	}
	release, err := c.acquire(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	defer release()

	var wire struct {
		Denoms []struct {
			DenomPub  string `json:"denom_pub"`
			Value     string `json:"value"`
			FeeDeposit string `json:"fee_deposit"`
			FeeWithdraw string `json:"fee_withdraw"`
			FeeRefund   string `json:"fee_refund"`
			StampStart  string `json:"stamp_start"`
			StampExpireDeposit string `json:"stamp_expire_deposit"`
			MasterSig   string `json:"master_sig"`
		} `json:"denoms"`
	}
	if err := c.getJSON(ctx, baseURL+"/keys", &wire); err != nil {
		return nil, fmt.Errorf("exchange: fetch denominations from %s: %w", baseURL, err)
	}

	out := make([]Denomination, 0, len(wire.Denoms))
	for _, d := range wire.Denoms {
		val, err := amount.Parse(d.Value)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse denomination value: %w", err)
		}
		depFee, err := amount.Parse(d.FeeDeposit)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse deposit fee: %w", err)
		}
		out = append(out, Denomination{
			Pub:        []byte(d.DenomPub),
			Value:      val,
			DepositFee: depFee,
			MasterSig:  []byte(d.MasterSig),
		})
	}
	c.denomCache.Add(baseURL, out)
	log.WithFields(logrus.Fields{"exchange": baseURL, "count": len(out)}).Debug("exchange: denominations cached")
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Body: []byte(err.Error())}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return &TransportError{StatusCode: resp.StatusCode, Body: body}
	}
	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{StatusCode: resp.StatusCode, Body: body}
	}
	return json.Unmarshal(body, out)
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) (status int, err error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransportError{Body: []byte(err.Error())}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, &TransportError{StatusCode: resp.StatusCode, Body: body}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// TransportError marks a 5xx/connection-level failure, retryable once.
type TransportError struct {
	StatusCode int
	Body       []byte
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange: transport error, status %d: %s", e.StatusCode, string(e.Body))
}

// ProtocolError marks a non-5xx, non-200 response whose shape violates
// expectations; never retried.
type ProtocolError struct {
	StatusCode int
	Body       []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("exchange: protocol error, status %d: %s", e.StatusCode, string(e.Body))
}

// withRetryOnce retries fn exactly once, after a fixed 100ms backoff, if it
// returns a *TransportError; any other error is returned without a retry.
// Hand-rolled rather than via a backoff library: see DESIGN.md.
func withRetryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	var te *TransportError
	if err == nil {
		return nil
	}
	if !isTransportError(err, &te) {
		return err
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

func isTransportError(err error, out **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*out = te
	}
	return ok
}

// Package payment implements the Payment Coordinator:
// precondition validation, bounded concurrent per-coin deposit fan-out,
// outcome classification, aggregation policy, and abort-mode refund
// permission generation.
package payment

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/store"
)

var log = logrus.New()

// SetLogger overrides the package logger.
func SetLogger(l *logrus.Logger) { log = l }

// Mode is the wallet's requested disposition for this Pay call.
type Mode string

const (
	ModePay         Mode = "pay"
	ModeAbortRefund Mode = "abort-refund"
)

// Coordinator implements Pay.
type Coordinator struct {
	st      store.Store
	ex      *exchange.Client
	waiters *longpoll.Registry
	signKey func(instanceID string) (ed25519.PrivateKey, error) // resolves the instance's private signing key
}

// NewCoordinator constructs a Coordinator. signKeyResolver looks up the
// instance's private signing key by id (kept out of this package so it
// never needs to hold key material directly).
func NewCoordinator(st store.Store, ex *exchange.Client, waiters *longpoll.Registry, signKeyResolver func(instanceID string) (ed25519.PrivateKey, error)) *Coordinator {
	return &Coordinator{st: st, ex: ex, waiters: waiters, signKey: signKeyResolver}
}

// CoinOutcome is the wallet-visible per-coin result attached to a
// partial-success failure.
type CoinOutcome struct {
	CoinPub []byte
	Outcome exchange.DepositOutcome
	Detail  string
}

// PayResult is the wallet-visible outcome of a successful Pay.
type PayResult struct {
	MerchantSignature []byte
	PurposeHash       [32]byte
}

// RefundPermission is an abort-mode refund authorization for one already
// deposited coin (§4.2 step 5).
type RefundPermission struct {
	CoinPub      []byte
	RefundAmount amount.Value
}

// Pay implements its Pay(contract hash, coins[]) contract, addressed
// by (instance, order id) the way the HTTP surface's
// POST /orders/{oid}/pay names it; the contract hash is derived from the
// order's claimed Contract.
func (c *Coordinator) Pay(ctx context.Context, instanceID, orderID string, coins []exchange.Coin, mode Mode) (*PayResult, []RefundPermission, error) {
	contract, err := c.st.GetContract(ctx, instanceID, orderID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract", err)
	}
	contractHash := contract.ContractHash

	// Fast path de-duplication (§4.2 step 1): if every coin already has a
	// persisted deposit under this contract, reconstruct and return.
	if replay, err := c.tryReplay(ctx, instanceID, *contract, coins); err != nil {
		return nil, nil, err
	} else if replay != nil {
		return replay, nil, nil
	}

	if err := c.checkPreconditions(ctx, *contract, coins); err != nil {
		return nil, nil, err
	}

	priv, err := c.signKey(instanceID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "cannot resolve instance signing key", err)
	}
	merchantPub := []byte(priv.Public().(ed25519.PublicKey))

	results := c.depositAll(ctx, merchantPub, contractHash, coins)

	var ok []exchange.DepositResult
	var failed []CoinOutcome
	for _, r := range results {
		if r.Outcome == exchange.DepositOK {
			ok = append(ok, r)
		} else {
			failed = append(failed, CoinOutcome{CoinPub: r.Coin.CoinPub, Outcome: r.Outcome, Detail: errString(r.Err)})
		}
	}

	total := amount.Zero(contract.Amount.Currency)
	for _, r := range ok {
		var err error
		total, err = total.Add(r.Coin.AmountWithoutFee)
		if err != nil {
			return nil, nil, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "amount currency mismatch while totaling deposits", err)
		}
	}

	if len(failed) == 0 && total.Cmp(contract.Amount) >= 0 {
		res, err := c.finalize(ctx, instanceID, orderID, *contract)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil
	}

	if mode == ModeAbortRefund && len(ok) > 0 && len(ok) < len(coins) {
		perms, err := c.generateAbortRefunds(ctx, contractHash, ok)
		if err != nil {
			return nil, nil, err
		}
		return nil, perms, apierr.New(apierr.Conflict, apierr.CodePaymentInsufficient, "PaymentAborted", "payment aborted; refund permissions issued for deposited coins")
	}

	return nil, nil, c.partialFailure(failed)
}

func (c *Coordinator) partialFailure(failed []CoinOutcome) error {
	var doubleSpend, denomInvalid bool
	for _, f := range failed {
		switch f.Outcome {
		case exchange.DepositDoubleSpend:
			doubleSpend = true
		case exchange.DepositDenominationInvalid:
			denomInvalid = true
		}
	}
	switch {
	case doubleSpend:
		return apierr.New(apierr.Conflict, apierr.CodeDoubleSpend, "DoubleSpend", "one or more coins were already spent").WithProof(failed)
	case denomInvalid:
		return apierr.New(apierr.FailedDependency, apierr.CodeDenominationInvalid, "DenominationInvalid", "one or more coin denominations are invalid").WithProof(failed)
	default:
		return apierr.New(apierr.ServiceUnavailable, apierr.CodeExchangeUnavailable, "ExchangeUnavailable", "one or more exchanges were unreachable").WithProof(failed)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// tryReplay implements its Pay idempotence property: repeated Pay with
// the same coin set on a paid contract returns the same success receipt
// without re-contacting the exchange.
func (c *Coordinator) tryReplay(ctx context.Context, instanceID string, contract store.Contract, coins []exchange.Coin) (*PayResult, error) {
	if !contract.Paid {
		return nil, nil
	}
	for _, coin := range coins {
		if _, err := c.st.GetDeposit(ctx, contract.ContractHash, coin.CoinPub); err != nil {
			return nil, nil // not every coin has a deposit; not a pure replay
		}
	}
	return c.signPaymentOK(instanceID, contract.ContractHash)
}

// checkPreconditions validates its Pay preconditions: coin sum against the
// contract amount, and deposit-fee total against the wire-fee amortization
// ceiling. Per-coin amount-with-fee/amount-without-fee/deposit-fee
// consistency and denomination expiry are both enforced by the exchange at
// deposit time rather than re-derived here from a locally cached
// denomination set.
func (c *Coordinator) checkPreconditions(ctx context.Context, contract store.Contract, coins []exchange.Coin) error {
	if len(coins) == 0 {
		return apierr.New(apierr.BadRequest, apierr.CodePaymentInsufficient, "PaymentInsufficient", "no coins submitted")
	}
	currency := contract.Amount.Currency
	total := amount.Zero(currency)
	feeTotal := amount.Zero(currency)
	for _, coin := range coins {
		var err error
		total, err = total.Add(coin.AmountWithoutFee)
		if err != nil {
			return apierr.Wrap(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "coin amount currency mismatch", err)
		}
		fee, err := coin.AmountWithFee.Sub(coin.AmountWithoutFee)
		if err != nil {
			return apierr.Wrap(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "coin fee underflow", err)
		}
		feeTotal, err = feeTotal.Add(fee)
		if err != nil {
			return apierr.Wrap(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "fee currency mismatch", err)
		}
	}
	if total.Cmp(contract.Amount) < 0 {
		return apierr.New(apierr.Conflict, apierr.CodePaymentInsufficient, "PaymentInsufficient", "sum of coins is less than the contract amount")
	}
	wireShare, err := allowedWireFeeShare(contract)
	if err != nil {
		return err
	}
	maxAllowed, err := contract.MaxWireFee.Add(wireShare)
	if err != nil {
		return apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "wire fee share overflow", err)
	}
	if feeTotal.Cmp(maxAllowed) > 0 {
		return apierr.New(apierr.PreconditionFailed, apierr.CodePaymentInsufficient, "WireFeeAmortizationFailed", "deposit fees exceed the configured wire-fee amortization ceiling")
	}
	return nil
}

// allowedWireFeeShare computes the contract's share of the wire fee, spread
// over wire-fee-amortization deposits (§4.2: "wire-fee amortization holds").
func allowedWireFeeShare(contract store.Contract) (amount.Value, error) {
	if contract.WireFeeAmortization <= 0 {
		return amount.Zero(contract.Amount.Currency), nil
	}
	share := contract.MaxWireFee.Units() / uint64(contract.WireFeeAmortization)
	return amount.FromUnits(contract.Amount.Currency, share), nil
}

// depositAll fans out one deposit RPC per coin, grouped by exchange,
// concurrency bounded per-exchange by the exchange client itself (§4.2 step
// 2, §5's "configurable upper bound per exchange").
func (c *Coordinator) depositAll(ctx context.Context, merchantPub []byte, contractHash [32]byte, coins []exchange.Coin) []exchange.DepositResult {
	results := make([]exchange.DepositResult, len(coins))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, coin := range coins {
		i, coin := i, coin
		g.Go(func() error {
			res := c.ex.Deposit(gctx, coin, merchantPub, contractHash[:])
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if res.Outcome == exchange.DepositOK {
				_ = c.st.PutDeposit(ctx, store.Deposit{
					ContractHash:       contractHash,
					ExchangeBaseURL:    coin.ExchangeBaseURL,
					CoinPub:            coin.CoinPub,
					AmountWithFee:      coin.AmountWithFee,
					DepositFee:         mustFee(coin),
					ExchangeSigningKey: res.SigningKey,
					ExchangeProof:      res.Proof,
					CreatedAt:          time.Now(),
				})
			}
			return nil // coin-level failures never abort the group; quiescence is awaited
		})
	}
	_ = g.Wait()
	return results
}

func mustFee(coin exchange.Coin) amount.Value {
	fee, err := coin.AmountWithFee.Sub(coin.AmountWithoutFee)
	if err != nil {
		return amount.Zero(coin.AmountWithFee.Currency)
	}
	return fee
}

// finalize persists the payment as settled, signs the success receipt, and
// wakes long-poll waiters (§4.2 step 4).
func (c *Coordinator) finalize(ctx context.Context, instanceID, orderID string, contract store.Contract) (*PayResult, error) {
	err := store.WithSerializableTx(ctx, func(ctx context.Context) error {
		return c.st.MarkContractPaid(ctx, contract.ContractHash, time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("payment: finalize: %w", err)
	}
	res, err := c.signPaymentOK(instanceID, contract.ContractHash)
	if err != nil {
		return nil, err
	}
	c.waiters.ResumePaid(instanceID, orderID)
	log.WithFields(logrus.Fields{"instance": instanceID, "order": orderID}).Info("payment: finalized")
	return res, nil
}

func (c *Coordinator) signPaymentOK(instanceID string, contractHash [32]byte) (*PayResult, error) {
	priv, err := c.signKey(instanceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "cannot resolve instance signing key", err)
	}
	hash := cryptoutil.HashWithPurpose(cryptoutil.PurposePaymentOK, contractHash[:])
	sig := cryptoutil.Sign(priv, hash)
	return &PayResult{MerchantSignature: sig, PurposeHash: hash}, nil
}

// generateAbortRefunds builds refund permissions for the coins that were
// deposited before abort (§4.2 step 5): each coin with its amount-without-fee.
// The permissions carry no merchant signature, and no refund-ledger entry is
// written for them.
func (c *Coordinator) generateAbortRefunds(ctx context.Context, contractHash [32]byte, deposited []exchange.DepositResult) ([]RefundPermission, error) {
	perms := make([]RefundPermission, 0, len(deposited))
	for _, d := range deposited {
		perms = append(perms, RefundPermission{
			CoinPub:      d.Coin.CoinPub,
			RefundAmount: d.Coin.AmountWithoutFee,
		})
	}
	return perms, nil
}

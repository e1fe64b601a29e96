// Package refund implements the Refund Ledger: monotone
// authorization increases, deterministic per-coin share computation, and
// idempotent wallet pickup signing.
package refund

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/store"
)

// Ledger implements Increase, Compute Refund Shares, and Pickup.
type Ledger struct {
	st      store.Store
	waiters *longpoll.Registry
	signKey func(instanceID string) (ed25519.PrivateKey, error)
}

// NewLedger constructs a Ledger.
func NewLedger(st store.Store, waiters *longpoll.Registry, signKeyResolver func(instanceID string) (ed25519.PrivateKey, error)) *Ledger {
	return &Ledger{st: st, waiters: waiters, signKey: signKeyResolver}
}

// Increase implements its Increase(contract hash, requested total,
// reason).
func (l *Ledger) Increase(ctx context.Context, instanceID, orderID string, contractHash [32]byte, requestedTotal amount.Value, reason string) (amount.Value, error) {
	var row store.RefundAuthorization
	err := store.WithSerializableTx(ctx, func(ctx context.Context) error {
		var txErr error
		var increased bool
		row, increased, txErr = l.st.IncreaseRefund(ctx, contractHash, requestedTotal, reason)
		_ = increased
		return txErr
	})
	if err != nil {
		if store.IsContractNotPaid(err) {
			return amount.Value{}, apierr.New(apierr.Conflict, apierr.CodeContractNotPaid, "ContractNotPaid", "refunds may not be issued before payment")
		}
		if store.IsExceedsContractAmount(err) {
			return amount.Value{}, apierr.New(apierr.Conflict, apierr.CodeExceedsContractAmount, "ExceedsContractAmount", "requested refund total exceeds the contract amount")
		}
		if errors.Is(err, store.ErrNotFound) {
			return amount.Value{}, apierr.New(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract")
		}
		return amount.Value{}, fmt.Errorf("refund: increase: %w", err)
	}
	l.waiters.ResumeRefund(instanceID, orderID, row.CumulativeTotal)
	return row.CumulativeTotal, nil
}

// CoinShare is one coin's computed refund share (§4.4's Compute Refund
// Shares).
type CoinShare struct {
	CoinPub        []byte
	RefundFee      amount.Value
	RefundAmount   amount.Value
	RTransactionID uint64
}

// ComputeShares walks the contract's Deposits in persisted order and assigns
// refund amounts coin-by-coin by greedy consumption of the authorized total.
func (l *Ledger) ComputeShares(ctx context.Context, contractHash [32]byte) ([]CoinShare, error) {
	auths, err := l.st.ListRefundAuthorizations(ctx, contractHash)
	if err != nil {
		return nil, fmt.Errorf("refund: list authorizations: %w", err)
	}
	if len(auths) == 0 {
		return nil, nil
	}
	total := auths[len(auths)-1].CumulativeTotal
	rtxn := auths[len(auths)-1].RTransactionID

	deposits, err := l.st.ListDeposits(ctx, contractHash)
	if err != nil {
		return nil, fmt.Errorf("refund: list deposits: %w", err)
	}
	if len(deposits) == 0 {
		return nil, nil
	}

	// Greedy, in persisted order: each deposit absorbs as much of the
	// remaining authorized total as its own net amount covers. The last
	// deposit to receive a nonzero share necessarily absorbs whatever is
	// left, satisfying the "remainder goes to the last deposit" invariant.
	remaining := total
	shares := make([]CoinShare, 0, len(deposits))
	for _, d := range deposits {
		if remaining.IsZero() {
			break
		}
		net, err := d.AmountWithoutFee()
		if err != nil {
			return nil, fmt.Errorf("refund: deposit net amount: %w", err)
		}
		take := remaining
		if net.Cmp(remaining) < 0 {
			take = net
		}
		remaining, err = remaining.Sub(take)
		if err != nil {
			return nil, fmt.Errorf("refund: remainder underflow: %w", err)
		}
		shares = append(shares, CoinShare{
			CoinPub:        d.CoinPub,
			RefundFee:      d.DepositFee,
			RefundAmount:   take,
			RTransactionID: rtxn,
		})
	}
	return shares, nil
}

// Permission is a merchant-signed refund permission handed to the wallet for
// redemption at the exchange.
type Permission struct {
	CoinPub        []byte
	ContractHash   [32]byte
	RTransactionID uint64
	RefundAmount   amount.Value
	RefundFee      amount.Value
	Signature      []byte
}

// Pickup signs one permission per computed share (§4.4: "merchant signatures
// are stable (same inputs -> same signature), making pickup idempotent").
func (l *Ledger) Pickup(ctx context.Context, instanceID string, contractHash [32]byte) ([]Permission, error) {
	shares, err := l.ComputeShares(ctx, contractHash)
	if err != nil {
		return nil, err
	}
	priv, err := l.signKey(instanceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "cannot resolve instance signing key", err)
	}

	out := make([]Permission, 0, len(shares))
	for _, s := range shares {
		digest := refundPermissionDigest(contractHash, s.CoinPub, s.RTransactionID, s.RefundAmount)
		sig := cryptoutil.Sign(priv, digest)
		out = append(out, Permission{
			CoinPub:        s.CoinPub,
			ContractHash:   contractHash,
			RTransactionID: s.RTransactionID,
			RefundAmount:   s.RefundAmount,
			RefundFee:      s.RefundFee,
			Signature:      sig,
		})
	}
	return out, nil
}

// refundPermissionDigest hashes the fixed tuple (contract hash, coin pub,
// rtransaction id, refund amount) under the refund-permission purpose tag so
// identical inputs always produce an identical signature (idempotent
// pickup).
func refundPermissionDigest(contractHash [32]byte, coinPub []byte, rtxn uint64, amt amount.Value) [32]byte {
	buf := make([]byte, 0, 32+len(coinPub)+8+len(amt.String()))
	buf = append(buf, contractHash[:]...)
	buf = append(buf, coinPub...)
	buf = appendUint64(buf, rtxn)
	buf = append(buf, []byte(amt.String())...)
	return cryptoutil.HashWithPurpose(cryptoutil.PurposeRefundPermission, buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(56-8*i)))
	}
	return buf
}

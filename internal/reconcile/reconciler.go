// Package reconcile implements the Tracking & Aggregation Reconciler (spec
// §4.5): resolving an order to its wire transfers, resolving a wire transfer
// to its constituent deposits, and caching exchange-signed aggregate proofs.
package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/store"
)

// Reconciler implements Track by order and Track by wire-transfer id.
type Reconciler struct {
	st store.Store
	ex *exchange.Client
}

// NewReconciler constructs a Reconciler.
func NewReconciler(st store.Store, ex *exchange.Client) *Reconciler {
	return &Reconciler{st: st, ex: ex}
}

// OrderTrackResult is the answer to Track by order.
type OrderTrackResult struct {
	WireTransferIDs []string
	Pending         bool
}

// TrackByOrder returns the wire-transfer id(s) associated with the order.
// Issues one track-deposit query per not-yet-resolved coin concurrently,
// persisting any newly learned (coin, wire id) mappings.
func (r *Reconciler) TrackByOrder(ctx context.Context, instanceID, orderID string) (OrderTrackResult, error) {
	contract, err := r.st.GetContract(ctx, instanceID, orderID)
	if err != nil {
		return OrderTrackResult{}, apierr.Wrap(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract", err)
	}

	known, err := r.st.ListWireTransfersForContract(ctx, contract.ContractHash)
	if err != nil {
		return OrderTrackResult{}, fmt.Errorf("reconcile: list known transfers: %w", err)
	}
	knownCoins := make(map[string]bool, len(known))
	seen := make(map[string]bool, len(known))
	var ids []string
	for _, m := range known {
		knownCoins[string(m.CoinPub)] = true
		if !seen[m.WireTransferID] {
			seen[m.WireTransferID] = true
			ids = append(ids, m.WireTransferID)
		}
	}

	deposits, err := r.st.ListDeposits(ctx, contract.ContractHash)
	if err != nil {
		return OrderTrackResult{}, fmt.Errorf("reconcile: list deposits: %w", err)
	}
	var unresolved []store.Deposit
	for _, d := range deposits {
		if !knownCoins[string(d.CoinPub)] {
			unresolved = append(unresolved, d)
		}
	}
	if len(unresolved) == 0 {
		return OrderTrackResult{WireTransferIDs: ids}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]exchange.TrackDepositResult, len(unresolved))
	for i, d := range unresolved {
		i, d := i, d
		g.Go(func() error {
			res, err := r.ex.TrackDeposit(gctx, d.ExchangeBaseURL, d.CoinPub, contract.ContractHash[:])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return OrderTrackResult{}, apierr.Wrap(apierr.ServiceUnavailable, apierr.CodeExchangeUnavailable, "ExchangeUnavailable", "track-deposit query failed", err)
	}

	pending := false
	for i, res := range results {
		if res.Pending {
			pending = true
			continue
		}
		if err := r.st.PutWireTransferMapping(ctx, store.WireTransferMapping{
			ContractHash:    contract.ContractHash,
			CoinPub:         unresolved[i].CoinPub,
			ExchangeBaseURL: unresolved[i].ExchangeBaseURL,
			WireTransferID:  res.WireTransferID,
		}); err != nil {
			return OrderTrackResult{}, fmt.Errorf("reconcile: persist mapping: %w", err)
		}
		if !seen[res.WireTransferID] {
			seen[res.WireTransferID] = true
			ids = append(ids, res.WireTransferID)
		}
	}
	return OrderTrackResult{WireTransferIDs: ids, Pending: pending}, nil
}

// TransferDetail is the wallet/frontend-visible breakdown of one line item.
type TransferDetail struct {
	OrderID      string
	CoinPub      []byte
	DepositValue string
	DepositFee   string
}

// WireTransferBreakdown is the answer to Track by wire-transfer id.
type WireTransferBreakdown struct {
	Total               string
	WireFee             string
	MerchantAccountHash [32]byte
	Details             []TransferDetail
}

// TrackByWireTransfer returns the detailed breakdown of wtid at
// exchangeBaseURL. Served from the
// content-addressed, immutable proof cache when present; otherwise calls the
// exchange, verifies the proof's invariants, and persists it.
func (r *Reconciler) TrackByWireTransfer(ctx context.Context, exchangeBaseURL, wtid string) (WireTransferBreakdown, error) {
	if cached, ok, err := r.st.GetTransferProof(ctx, exchangeBaseURL, wtid); err != nil {
		return WireTransferBreakdown{}, fmt.Errorf("reconcile: cache lookup: %w", err)
	} else if ok {
		return breakdownFromProof(*cached), nil
	}

	proof, err := r.ex.WireTransfer(ctx, exchangeBaseURL, wtid)
	if err != nil {
		return WireTransferBreakdown{}, apierr.Wrap(apierr.ServiceUnavailable, apierr.CodeExchangeUnavailable, "ExchangeUnavailable", "wire-transfer query failed", err)
	}

	if err := r.verifyProof(ctx, exchangeBaseURL, proof); err != nil {
		return WireTransferBreakdown{}, err
	}

	stored := store.TransferProof{
		ExchangeBaseURL:   exchangeBaseURL,
		WireTransferID:    wtid,
		Total:             proof.Total,
		WireFee:           proof.WireFee,
		ExchangeSignature: proof.ExchangeSignature,
	}
	copy(stored.MerchantAccountHash[:], proof.MerchantAccountHash)
	for _, d := range proof.Details {
		detail := store.TransferProofDetail{
			OrderID:      d.OrderID,
			CoinPub:      d.CoinPub,
			DepositValue: d.DepositValue,
			DepositFee:   d.DepositFee,
		}
		copy(detail.ContractHash[:], d.ContractHash)
		stored.Details = append(stored.Details, detail)
	}
	if err := r.st.PutTransferProof(ctx, stored); err != nil {
		return WireTransferBreakdown{}, fmt.Errorf("reconcile: persist proof: %w", err)
	}
	return breakdownFromProof(stored), nil
}

// verifyProof enforces its fatal invariants: the exchange's signature over
// the proof, the aggregate sum check (sum(deposit_value - deposit_fee) -
// wire_fee == total), the local presence check (every referenced deposit
// must be known to the merchant, with a matching net amount), and that the
// reported merchant account hash matches the account hash recorded on each
// referenced deposit's contract. None of these are retried — a violation
// indicates a misbehaving exchange.
func (r *Reconciler) verifyProof(ctx context.Context, exchangeBaseURL string, proof exchange.TransferProof) error {
	if pub, ok := r.ex.MasterPublicKey(exchangeBaseURL); ok {
		if !cryptoutil.Verify(pub, proof.Digest, proof.ExchangeSignature) {
			return apierr.New(apierr.FailedDependency, apierr.CodeInvalidExchangeSignature, "InvalidExchangeSignature", "exchange signature on wire transfer proof does not verify")
		}
	}

	if len(proof.Details) == 0 {
		return apierr.New(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "transfer proof carries no deposits")
	}

	sum := amount.Zero(proof.Total.Currency)
	var err error
	for _, d := range proof.Details {
		net, err := d.DepositValue.Sub(d.DepositFee)
		if err != nil {
			return apierr.New(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "deposit value smaller than its fee")
		}
		sum, err = sum.Add(net)
		if err != nil {
			return apierr.Wrap(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "currency mismatch while summing deposits", err)
		}
	}
	sum, err = sum.Sub(proof.WireFee)
	if err != nil {
		return apierr.Wrap(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "wire fee exceeds summed deposits", err)
	}
	if sum.Cmp(proof.Total) != 0 {
		return apierr.New(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "sum(deposit_value - deposit_fee) - wire_fee != total")
	}

	var reportedAccountHash [32]byte
	copy(reportedAccountHash[:], proof.MerchantAccountHash)

	for _, d := range proof.Details {
		var contractHash [32]byte
		copy(contractHash[:], d.ContractHash)
		local, lookupErr := r.st.GetDeposit(ctx, contractHash, d.CoinPub)
		if lookupErr != nil {
			return apierr.New(apierr.FailedDependency, apierr.CodeExchangeReportedUnknownDeposit, "ExchangeReportedUnknownDeposit", "exchange referenced a deposit unknown to the merchant")
		}
		localNet, err := local.AmountWithoutFee()
		if err != nil {
			return err
		}
		reportedNet, err := d.DepositValue.Sub(d.DepositFee)
		if err != nil {
			return apierr.New(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "deposit value smaller than its fee")
		}
		if localNet.Cmp(reportedNet) != 0 {
			return apierr.New(apierr.FailedDependency, apierr.CodeAmountMismatch, "AmountMismatch", "reported deposit amount differs from local record")
		}

		contract, err := r.st.GetContractByHash(ctx, contractHash)
		if err != nil {
			return apierr.New(apierr.FailedDependency, apierr.CodeExchangeReportedUnknownDeposit, "ExchangeReportedUnknownDeposit", "exchange referenced a contract unknown to the merchant")
		}
		if contract.AccountContentHash != reportedAccountHash {
			return apierr.New(apierr.FailedDependency, apierr.CodeMerchantAccountMismatch, "MerchantAccountMismatch", "reported merchant account hash does not match the contract's selected account")
		}
	}
	return nil
}

func breakdownFromProof(p store.TransferProof) WireTransferBreakdown {
	out := WireTransferBreakdown{
		Total:               p.Total.String(),
		WireFee:             p.WireFee.String(),
		MerchantAccountHash: p.MerchantAccountHash,
	}
	for _, d := range p.Details {
		out.Details = append(out.Details, TransferDetail{
			OrderID:      d.OrderID,
			CoinPub:      d.CoinPub,
			DepositValue: d.DepositValue.String(),
			DepositFee:   d.DepositFee.String(),
		})
	}
	return out
}

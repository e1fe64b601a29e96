package tip

import (
	"context"
	"errors"
	"fmt"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/store"
)

// Planchet is one wallet-supplied blind candidate coin.
type Planchet struct {
	DenominationPub []byte
	CoinEnvelope    []byte // blinded planchet
	Value           amount.Value
}

// PlanchetSignature is the exchange's blind signature over one planchet,
// forwarded back to the wallet.
type PlanchetSignature struct {
	CoinEnvelope   []byte
	BlindSignature []byte
}

// Pickup implements Pickup(tip id, planchets[]): checks picked_up +
// this_pickup <= authorized before issuing any withdrawal, then for each
// planchet signs a withdrawal request against the reserve and forwards the
// exchange's blind signature back to the wallet, recording each pickup under
// the same constraint to close the race against a concurrent pickup.
func (s *Subsystem) Pickup(ctx context.Context, instanceID, tipID string, planchets []Planchet) ([]PlanchetSignature, error) {
	tip, err := s.st.GetTip(ctx, tipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.NotFound, apierr.CodeReserveUnknown, "ReserveUnknown", "no such tip")
		}
		return nil, fmt.Errorf("tip: get tip: %w", err)
	}

	reserve, err := s.st.GetTipReserve(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("tip: get reserve: %w", err)
	}
	priv, err := s.signKey(instanceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "cannot resolve instance signing key", err)
	}

	total := amount.Zero(tip.AmountAuthorized.Currency)
	for _, p := range planchets {
		total, err = total.Add(p.Value)
		if err != nil {
			return nil, apierr.Wrap(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "planchet value currency mismatch", err)
		}
	}

	projected, err := tip.PickedUpAmount.Add(total)
	if err != nil {
		return nil, apierr.Wrap(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "picked-up amount currency mismatch", err)
	}
	if projected.Cmp(tip.AmountAuthorized) > 0 {
		return nil, apierr.New(apierr.PreconditionFailed, apierr.CodeInsufficientFunds, "InsufficientFunds", "pickup would exceed the tip's authorized amount")
	}

	out := make([]PlanchetSignature, 0, len(planchets))
	for _, p := range planchets {
		digest := cryptoutil.HashWithPurpose(cryptoutil.PurposeReserveWithdraw, append(append([]byte{}, reserve.ReservePublicKey...), p.CoinEnvelope...))
		reserveSig := cryptoutil.Sign(priv, digest)

		blindSig, err := s.ex.Withdraw(ctx, reserve.ExchangeBaseURL, exchange.WithdrawRequest{
			ReservePub:      reserve.ReservePublicKey,
			DenominationPub: p.DenominationPub,
			CoinEnvelope:    p.CoinEnvelope,
			ReserveSig:      reserveSig,
		})
		if err != nil {
			return nil, apierr.Wrap(apierr.ServiceUnavailable, apierr.CodeExchangeUnavailable, "ExchangeUnavailable", "withdraw failed", err)
		}
		out = append(out, PlanchetSignature{CoinEnvelope: p.CoinEnvelope, BlindSignature: blindSig})
	}

	for i, p := range planchets {
		err := store.WithSerializableTx(ctx, func(ctx context.Context) error {
			return s.st.UpdateTipPickup(ctx, tipID, p.Value, store.TipPickup{
				TipID:           tipID,
				PlanchetCoinPub: p.CoinEnvelope,
				Amount:          p.Value,
				BlindSignature:  out[i].BlindSignature,
				CreatedAt:       s.now(),
			})
		})
		if err != nil {
			if store.IsInsufficientFunds(err) {
				return nil, apierr.New(apierr.PreconditionFailed, apierr.CodeInsufficientFunds, "InsufficientFunds", "pickup would exceed the tip's authorized amount")
			}
			return nil, fmt.Errorf("tip: record pickup: %w", err)
		}
	}
	return out, nil
}

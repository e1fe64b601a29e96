// Package tip implements the Tip Subsystem and the Reserve
// Status Probe: authorizing tips against a reserve's observed
// exchange balance, querying tip status, and wallet pickup via the same
// blind-signature withdrawal protocol coins use.
package tip

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/store"
)

// Subsystem implements Authorize, Query, and Pickup.
type Subsystem struct {
	st      store.Store
	ex      *exchange.Client
	signKey func(instanceID string) (ed25519.PrivateKey, error)
	now     func() time.Time
}

// NewSubsystem constructs a tip Subsystem.
func NewSubsystem(st store.Store, ex *exchange.Client, signKeyResolver func(instanceID string) (ed25519.PrivateKey, error)) *Subsystem {
	return &Subsystem{st: st, ex: ex, signKey: signKeyResolver, now: time.Now}
}

// errLocalInsufficientFunds is the sentinel threaded through
// UpdateTipReserveBalance's closure so Authorize can tell "the reserve
// genuinely can't cover this" apart from any other update failure.
var errLocalInsufficientFunds = errors.New("tip: insufficient local reserve balance")

// AuthorizeResult is a fresh tip grant.
type AuthorizeResult struct {
	TipID      string
	TipURI     string
	Expiration time.Time
}

// Authorize implements its Authorize(instance, amount,
// justification, extra). Retries once, after a Reserve Status refresh, if
// the local balance initially appears insufficient.
func (s *Subsystem) Authorize(ctx context.Context, instanceID string, amt amount.Value, justification string, extra map[string]any) (AuthorizeResult, error) {
	res, err := s.tryAuthorize(ctx, instanceID, amt, justification, extra)
	if err == nil {
		return res, nil
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Tag != "InsufficientFunds" {
		return AuthorizeResult{}, err
	}
	if _, probeErr := s.RefreshStatus(ctx, instanceID); probeErr != nil {
		return AuthorizeResult{}, probeErr
	}
	return s.tryAuthorize(ctx, instanceID, amt, justification, extra)
}

func (s *Subsystem) tryAuthorize(ctx context.Context, instanceID string, amt amount.Value, justification string, extra map[string]any) (AuthorizeResult, error) {
	reserve, err := s.st.GetTipReserve(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthorizeResult{}, apierr.New(apierr.NotFound, apierr.CodeInstanceDoesNotTip, "InstanceDoesNotTip", "instance has no configured tip reserve")
		}
		return AuthorizeResult{}, fmt.Errorf("tip: get reserve: %w", err)
	}
	if !reserve.Expiration.IsZero() && s.now().After(reserve.Expiration) {
		return AuthorizeResult{}, apierr.New(apierr.PreconditionFailed, apierr.CodeReserveExpired, "ReserveExpired", "tip reserve has expired")
	}

	tipID, err := randomID()
	if err != nil {
		return AuthorizeResult{}, apierr.Wrap(apierr.InternalInvariantFailure, 0, "InvariantFailure", "cannot generate tip id", err)
	}

	err = store.WithSerializableTx(ctx, func(ctx context.Context) error {
		return s.st.UpdateTipReserveBalance(ctx, instanceID, func(r *store.TipReserve) error {
			newAuthorized, err := r.Authorized.Add(amt)
			if err != nil {
				return err
			}
			if newAuthorized.Cmp(r.CommittedBalance) > 0 {
				return errLocalInsufficientFunds
			}
			r.Authorized = newAuthorized
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, errLocalInsufficientFunds) {
			return AuthorizeResult{}, apierr.New(apierr.PreconditionFailed, apierr.CodeInsufficientFunds, "InsufficientFunds", "tip reserve balance is insufficient")
		}
		if errors.Is(err, store.ErrNotFound) {
			return AuthorizeResult{}, apierr.New(apierr.NotFound, apierr.CodeInstanceDoesNotTip, "InstanceDoesNotTip", "instance has no configured tip reserve")
		}
		return AuthorizeResult{}, fmt.Errorf("tip: authorize: %w", err)
	}

	if err := s.st.PutTip(ctx, store.Tip{
		TipID:            tipID,
		InstanceID:       instanceID,
		ReservePublicKey: reserve.ReservePublicKey,
		AmountAuthorized: amt,
		Justification:    justification,
		Extra:            extra,
		Expiration:       reserve.Expiration,
		PickedUpAmount:   amount.Zero(amt.Currency),
		CreatedAt:        s.now(),
	}); err != nil {
		return AuthorizeResult{}, fmt.Errorf("tip: persist tip: %w", err)
	}

	return AuthorizeResult{
		TipID:      tipID,
		TipURI:     "taler://tip/" + tipID,
		Expiration: reserve.Expiration,
	}, nil
}

// QueryResult is its Query(instance) answer.
type QueryResult struct {
	Authorized amount.Value
	PickedUp   amount.Value
	Available  amount.Value
}

// Query returns the tip reserve's authorized, picked-up, and available
// totals.
func (s *Subsystem) Query(ctx context.Context, instanceID string) (QueryResult, error) {
	reserve, err := s.st.GetTipReserve(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QueryResult{}, apierr.New(apierr.NotFound, apierr.CodeInstanceDoesNotTip, "InstanceDoesNotTip", "instance has no configured tip reserve")
		}
		return QueryResult{}, fmt.Errorf("tip: get reserve: %w", err)
	}
	available, err := reserve.CommittedBalance.Sub(reserve.Authorized)
	if err != nil {
		available = amount.Zero(reserve.Currency)
	}
	return QueryResult{
		Authorized: reserve.Authorized,
		PickedUp:   reserve.Withdrawn,
		Available:  available,
	}, nil
}

// randomID allocates a tip identifier that must be unique and unguessable;
// a UUIDv4 satisfies both without needing a counter keyed by instance.
func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

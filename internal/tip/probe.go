package tip

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/store"
)

// auditLog records reserve-history events worth keeping outside the
// ordinary request log, such as PAYBACK entries that are deliberately not
// credited anywhere (see the foldHistory comment below).
var auditLog, _ = zap.NewProduction()

// defaultReserveExpiry is how long a reserve remains usable after its most
// recent observed deposit, absent an exchange-specified expiration.
const defaultReserveExpiry = 90 * 24 * time.Hour

// RefreshStatus implements the Reserve Status Probe: resolves
// the reserve's exchange handle, queries its history, and folds the
// returned entries into the local balance counters. Suspends its HTTP
// caller for the duration of the exchange round trip.
func (s *Subsystem) RefreshStatus(ctx context.Context, instanceID string) (QueryResult, error) {
	reserve, err := s.st.GetTipReserve(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return QueryResult{}, apierr.New(apierr.NotFound, apierr.CodeInstanceDoesNotTip, "InstanceDoesNotTip", "instance has no configured tip reserve")
		}
		return QueryResult{}, fmt.Errorf("tip: get reserve: %w", err)
	}

	status, err := s.ex.Reserve(ctx, reserve.ExchangeBaseURL, reserve.ReservePublicKey)
	if err != nil {
		return QueryResult{}, apierr.Wrap(apierr.ServiceUnavailable, apierr.CodeExchangeUnavailable, "ExchangeUnavailable", "reserve status query failed", err)
	}

	probedAt := s.now()
	err = store.WithSerializableTx(ctx, func(ctx context.Context) error {
		return s.st.UpdateTipReserveBalance(ctx, instanceID, func(r *store.TipReserve) error {
			if err := foldHistory(r, status.History); err != nil {
				return err
			}
			r.LastProbeAt = probedAt
			return nil
		})
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("tip: fold reserve history: %w", err)
	}

	return s.Query(ctx, instanceID)
}

// foldHistory recomputes r's balance counters from the exchange's full
// reserve history. The exchange always reports the
// reserve's complete history, so folding recomputes from zero rather than
// accumulating onto the previous probe's result, keeping repeat probes
// idempotent.
func foldHistory(r *store.TipReserve, history []exchange.ReserveHistoryEntry) error {
	committed := amount.Zero(r.Currency)
	withdrawn := amount.Zero(r.Currency)
	var err error
	var latestDeposit exchange.ReserveHistoryEntry
	haveDeposit := false
	for _, h := range history {
		switch store.ReserveHistoryKind(h.Type) {
		case store.ReserveHistoryDeposit:
			committed, err = committed.Add(h.Amount)
			if err != nil {
				return err
			}
			if !haveDeposit || h.Timestamp.After(latestDeposit.Timestamp) {
				latestDeposit = h
				haveDeposit = true
			}
		case store.ReserveHistoryWithdrawal, store.ReserveHistoryClose:
			committed, err = committed.Sub(h.Amount)
			if err != nil {
				return err
			}
			withdrawn, err = withdrawn.Add(h.Amount)
			if err != nil {
				return err
			}
		case store.ReserveHistoryPayback:
			// Logged but not credited: a PAYBACK means the exchange is
			// returning reserve funds to the depositor, not crediting the
			// merchant's tip balance, so it is intentionally excluded from
			// CommittedBalance.
			if auditLog != nil {
				auditLog.Info("reserve payback observed, not credited",
					zap.String("reserve", hex.EncodeToString(r.ReservePublicKey)),
					zap.String("amount", h.Amount.String()))
			}
		}
	}
	r.CommittedBalance = committed
	r.Withdrawn = withdrawn
	if haveDeposit {
		r.Expiration = latestDeposit.Timestamp.Add(defaultReserveExpiry)
	}
	return nil
}

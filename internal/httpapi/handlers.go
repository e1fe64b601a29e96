package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/contract"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/payment"
	"taler-merchant/internal/tip"
)

// handleCreateOrder implements POST /orders.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}

	tmpl, err := buildTemplate(req.Order)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", err.Error(), nil)
		return
	}

	err = s.withInstance(func(instanceID string) error {
		defaults, err := s.instanceDefaults(r.Context(), instanceID)
		if err != nil {
			return err
		}
		orderID, err := s.contracts.CreateOrder(r.Context(), defaults, tmpl)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

func buildTemplate(o orderTemplateWire) (contract.Template, error) {
	var tmpl contract.Template
	amt, err := amount.Parse(o.Amount)
	if err != nil {
		return tmpl, err
	}
	tmpl.OrderID = o.OrderID
	tmpl.Summary = o.Summary
	tmpl.Amount = amt
	tmpl.FulfillmentURL = o.FulfillmentURL
	tmpl.Extra = o.Extra
	if o.PayDeadline != nil && o.PayDeadline.t != nil {
		tmpl.PayDeadline = o.PayDeadline.t
	}
	if o.RefundDeadline != nil && o.RefundDeadline.t != nil {
		tmpl.RefundDeadline = o.RefundDeadline.t
	}
	if o.WireTransferDeadline != nil && o.WireTransferDeadline.t != nil {
		tmpl.WireTransferDeadline = o.WireTransferDeadline.t
	}
	if o.MaxFee != "" {
		fee, err := amount.Parse(o.MaxFee)
		if err != nil {
			return tmpl, err
		}
		tmpl.MaxFee = &fee
	}
	return tmpl, nil
}

// handleClaimOrder implements POST /orders/{oid}/claim.
func (s *Server) handleClaimOrder(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	var req struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}
	nonce, err := unb64(req.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed nonce", nil)
		return
	}

	err = s.withInstance(func(instanceID string) error {
		priv, err := s.instanceSigningKey(instanceID)
		if err != nil {
			return err
		}
		res, err := s.contracts.Claim(r.Context(), instanceID, oid, nonce, priv)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"contract_terms": res.ContractTerms,
			"sig":            b64(res.Signature),
		})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handlePayOrder implements POST /orders/{oid}/pay.
func (s *Server) handlePayOrder(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}
	mode := payment.ModePay
	if req.Mode == string(payment.ModeAbortRefund) {
		mode = payment.ModeAbortRefund
	}
	coins := make([]exchange.Coin, 0, len(req.Coins))
	for _, cw := range req.Coins {
		c, err := cw.toCoin()
		if err != nil {
			writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", err.Error(), nil)
			return
		}
		coins = append(coins, c)
	}

	err := s.withInstance(func(instanceID string) error {
		res, perms, err := s.payments.Pay(r.Context(), instanceID, oid, coins, mode)
		if err != nil {
			s.observeDeposit(payOutcomeTag(err))
			if len(perms) > 0 {
				out := make([]map[string]string, 0, len(perms))
				for _, p := range perms {
					out = append(out, map[string]string{
						"coin_pub":      b64(p.CoinPub),
						"refund_amount": p.RefundAmount.String(),
					})
				}
				writeJSON(w, http.StatusConflict, map[string]any{"refund_permissions": out})
				return nil
			}
			return err
		}
		s.observeDeposit("ok")
		writeJSON(w, http.StatusOK, map[string]string{"merchant_sig": b64(res.MerchantSignature)})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// payOutcomeTag maps a Pay error to the low-cardinality outcome label
// internal/metrics' deposit-outcome counter expects.
func payOutcomeTag(err error) string {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		return "exchange_unreachable"
	}
	switch apiErr.Tag {
	case "DoubleSpend":
		return "double_spend"
	case "DenominationInvalid":
		return "denom_expired"
	case "ExchangeUnavailable":
		return "exchange_unreachable"
	default:
		return "insufficient_funds"
	}
}

// handleGetOrder implements GET /orders/{oid}, including its
// ?timeout_ms=N long-poll variant.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	err := s.withInstance(func(instanceID string) error {
		ct, err := s.st.GetContract(r.Context(), instanceID, oid)
		if err != nil {
			return apierr.Wrap(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract", err)
		}
		if ct.Paid {
			writeJSON(w, http.StatusOK, map[string]any{"paid": true})
			return nil
		}

		timeoutMs := 0
		if v := r.URL.Query().Get("timeout_ms"); v != "" {
			timeoutMs, _ = strconv.Atoi(v)
		}
		if timeoutMs <= 0 {
			writeJSON(w, http.StatusOK, map[string]any{"paid": false})
			return nil
		}

		var minRefund *amount.Value
		if v := r.URL.Query().Get("min_refund"); v != "" {
			parsed, err := amount.Parse(v)
			if err != nil {
				return apierr.New(apierr.BadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed min_refund")
			}
			minRefund = &parsed
		}

		deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		started := time.Now()
		ev := s.waiters.Wait(r.Context(), instanceID, oid, deadline, minRefund)
		outcome := "timed_out"
		switch {
		case ev.Paid:
			outcome = "paid"
		case ev.RefundAmount != nil:
			outcome = "refund"
		}
		s.observeLongPollWait(time.Since(started), outcome)
		resp := map[string]any{"paid": ev.Paid, "timed_out": ev.TimedOut}
		if ev.RefundAmount != nil {
			resp["refund_amount"] = ev.RefundAmount.String()
		}
		writeJSON(w, http.StatusOK, resp)
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handleIncreaseRefund implements POST /orders/{oid}/refund.
func (s *Server) handleIncreaseRefund(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	var req struct {
		Refund string `json:"refund"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}
	amt, err := amount.Parse(req.Refund)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed refund amount", nil)
		return
	}

	err = s.withInstance(func(instanceID string) error {
		ct, err := s.st.GetContract(r.Context(), instanceID, oid)
		if err != nil {
			return apierr.Wrap(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract", err)
		}
		if _, err := s.refunds.Increase(r.Context(), instanceID, oid, ct.ContractHash, amt, req.Reason); err != nil {
			return err
		}
		uri := "taler://refund/" + s.merchantBaseURL + "?order_id=" + oid
		writeJSON(w, http.StatusOK, map[string]string{"taler_refund_uri": uri})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handleRefundPickup implements GET /orders/{oid}/refund.
func (s *Server) handleRefundPickup(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	err := s.withInstance(func(instanceID string) error {
		ct, err := s.st.GetContract(r.Context(), instanceID, oid)
		if err != nil {
			return apierr.Wrap(apierr.NotFound, apierr.CodeContractNotFound, "ContractNotFound", "no such contract", err)
		}
		perms, err := s.refunds.Pickup(r.Context(), instanceID, ct.ContractHash)
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(perms))
		for _, p := range perms {
			out = append(out, map[string]any{
				"coin_pub":        b64(p.CoinPub),
				"rtransaction_id": p.RTransactionID,
				"refund_amount":   p.RefundAmount.String(),
				"refund_fee":      p.RefundFee.String(),
				"signature":       b64(p.Signature),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"refund_permissions": out})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handleTrackTransfer implements GET /transfers?wtid=&exchange=.
func (s *Server) handleTrackTransfer(w http.ResponseWriter, r *http.Request) {
	wtid := r.URL.Query().Get("wtid")
	exchangeBaseURL := r.URL.Query().Get("exchange")
	if wtid == "" || exchangeBaseURL == "" {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "wtid and exchange are required", nil)
		return
	}
	breakdown, err := s.reconciler.TrackByWireTransfer(r.Context(), exchangeBaseURL, wtid)
	if err != nil {
		writeErr(w, err)
		return
	}
	details := make([]map[string]any, 0, len(breakdown.Details))
	for _, d := range breakdown.Details {
		details = append(details, map[string]any{
			"order_id":      d.OrderID,
			"coin_pub":      b64(d.CoinPub),
			"deposit_value": d.DepositValue,
			"deposit_fee":   d.DepositFee,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":                breakdown.Total,
		"wire_fee":             breakdown.WireFee,
		"merchant_h_wire":      b64(breakdown.MerchantAccountHash[:]),
		"deposits":             details,
	})
}

// handleTipAuthorize implements POST /tips/authorize.
func (s *Server) handleTipAuthorize(w http.ResponseWriter, r *http.Request) {
	var req tipAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed amount", nil)
		return
	}

	err = s.withInstance(func(instanceID string) error {
		res, err := s.tips.Authorize(r.Context(), instanceID, amt, req.Justification, req.Extra)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tip_id":         res.TipID,
			"tip_uri":        res.TipURI,
			"tip_expiration": timestampJSON(res.Expiration),
		})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handleTipPickup implements POST /tips/{tip_id}/pickup.
func (s *Server) handleTipPickup(w http.ResponseWriter, r *http.Request) {
	tipID := mux.Vars(r)["tip_id"]
	var req tipPickupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", "malformed request body", nil)
		return
	}
	planchets := make([]tip.Planchet, 0, len(req.Planchets))
	for _, pw := range req.Planchets {
		p, err := pw.toPlanchet()
		if err != nil {
			writeError(w, http.StatusBadRequest, apierr.CodeInvalidAmount, "BadRequest", err.Error(), nil)
			return
		}
		planchets = append(planchets, p)
	}

	err := s.withInstance(func(instanceID string) error {
		sigs, err := s.tips.Pickup(r.Context(), instanceID, tipID, planchets)
		if err != nil {
			return err
		}
		out := make([]map[string]string, 0, len(sigs))
		for _, sig := range sigs {
			out = append(out, map[string]string{
				"coin_ev":   b64(sig.CoinEnvelope),
				"blind_sig": b64(sig.BlindSignature),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"blind_sigs": out})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

// handleTipQuery implements GET /tips.
func (s *Server) handleTipQuery(w http.ResponseWriter, r *http.Request) {
	err := s.withInstance(func(instanceID string) error {
		q, err := s.tips.Query(r.Context(), instanceID)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"amount_authorized": q.Authorized.String(),
			"amount_picked_up":  q.PickedUp.String(),
			"amount_available":  q.Available.String(),
		})
		return nil
	})
	if err != nil {
		writeErr(w, err)
	}
}

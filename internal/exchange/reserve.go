package exchange

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"taler-merchant/internal/amount"
)

// ReserveHistoryEntry is one line of an exchange reserve's history, folded
// by the Reserve Status Probe.
type ReserveHistoryEntry struct {
	Type      string // "DEPOSIT" | "WITHDRAWAL" | "CLOSE" | "PAYBACK"
	Amount    amount.Value
	Timestamp time.Time
}

// ReserveStatus is the exchange's reported reserve state.
type ReserveStatus struct {
	History []ReserveHistoryEntry
}

// Reserve queries baseURL for the history of reservePub (§4.7: "queries the
// reserve, and folds the returned history into local balance counters").
func (c *Client) Reserve(ctx context.Context, baseURL string, reservePub []byte) (ReserveStatus, error) {
	release, err := c.acquire(ctx, baseURL)
	if err != nil {
		return ReserveStatus{}, err
	}
	defer release()

	var wire struct {
		History []struct {
			Type      string `json:"type"`
			Amount    string `json:"amount"`
			Timestamp struct {
				TMs int64 `json:"t_ms"`
			} `json:"timestamp"`
		} `json:"history"`
	}
	reservePubB64 := base64.StdEncoding.EncodeToString(reservePub)
	if err := c.getJSON(ctx, fmt.Sprintf("%s/reserves/%s", baseURL, reservePubB64), &wire); err != nil {
		return ReserveStatus{}, fmt.Errorf("exchange: fetch reserve status %s: %w", baseURL, err)
	}

	out := ReserveStatus{History: make([]ReserveHistoryEntry, 0, len(wire.History))}
	for _, h := range wire.History {
		val, err := amount.Parse(h.Amount)
		if err != nil {
			return ReserveStatus{}, fmt.Errorf("exchange: parse reserve history amount: %w", err)
		}
		out.History = append(out.History, ReserveHistoryEntry{
			Type:      h.Type,
			Amount:    val,
			Timestamp: time.UnixMilli(h.Timestamp.TMs),
		})
	}
	return out, nil
}

// WithdrawRequest asks baseURL to blind-sign a planchet against reservePub,
// reused by the Tip Subsystem's Pickup (§4.6: "reuses withdrawal protocol
// code").
type WithdrawRequest struct {
	ReservePub      []byte
	DenominationPub []byte
	CoinEnvelope    []byte // blinded planchet
	ReserveSig      []byte
}

// Withdraw submits a blind-signing request and returns the exchange's blind
// signature over the planchet.
func (c *Client) Withdraw(ctx context.Context, baseURL string, req WithdrawRequest) ([]byte, error) {
	release, err := c.acquire(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	defer release()

	wireReq := struct {
		ReservePub      string `json:"reserve_pub"`
		DenominationPub string `json:"denom_pub"`
		CoinEnvelope    string `json:"coin_ev"`
		ReserveSig      string `json:"reserve_sig"`
	}{
		ReservePub:      base64.StdEncoding.EncodeToString(req.ReservePub),
		DenominationPub: base64.StdEncoding.EncodeToString(req.DenominationPub),
		CoinEnvelope:    base64.StdEncoding.EncodeToString(req.CoinEnvelope),
		ReserveSig:      base64.StdEncoding.EncodeToString(req.ReserveSig),
	}
	var wireResp struct {
		BlindSig string `json:"ev_sig"`
	}
	status, err := c.postJSON(ctx, baseURL+"/reserves/withdraw", wireReq, &wireResp)
	if err != nil {
		return nil, fmt.Errorf("exchange: withdraw from %s: %w", baseURL, err)
	}
	if status != 200 {
		return nil, fmt.Errorf("exchange: withdraw from %s: unexpected status %d", baseURL, status)
	}
	sig, err := base64.StdEncoding.DecodeString(wireResp.BlindSig)
	if err != nil {
		return nil, fmt.Errorf("exchange: decode blind signature: %w", err)
	}
	return sig, nil
}

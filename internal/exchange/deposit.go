package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// depositWireRequest is the wire shape of a coin deposit submission.
type depositWireRequest struct {
	DenomPub      string `json:"denom_pub"`
	DenomSig      string `json:"ub_sig"`
	CoinPub       string `json:"coin_pub"`
	CoinSig       string `json:"coin_sig"`
	AmountWithFee string `json:"amount_with_fee"`
	MerchantPub   string `json:"merchant_pub"`
	ContractHash  string `json:"h_contract_terms"`
}

// CoinHistoryEntry is one line of an exchange-reported coin spend history,
// consulted when a deposit is rejected as already-spent (§4.2 step 3).
type CoinHistoryEntry struct {
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

// Deposit submits one coin's deposit to its exchange and classifies the
// outcome: 200 is OK, 409 with a well-formed coin history is DoubleSpend,
// 404/410 is DenominationInvalid, a transport error is ExchangeUnavailable,
// anything else is ExchangeProtocol. It retries transport failures once.
func (c *Client) Deposit(ctx context.Context, coin Coin, merchantPub, contractHash []byte) DepositResult {
	release, err := c.acquire(ctx, coin.ExchangeBaseURL)
	if err != nil {
		return DepositResult{Coin: coin, Outcome: DepositExchangeUnavailable, Err: err}
	}
	defer release()

	req := depositWireRequest{
		DenomPub:      base64.StdEncoding.EncodeToString(coin.DenominationPub),
		DenomSig:      base64.StdEncoding.EncodeToString(coin.DenominationSig),
		CoinPub:       base64.StdEncoding.EncodeToString(coin.CoinPub),
		CoinSig:       base64.StdEncoding.EncodeToString(coin.CoinSig),
		AmountWithFee: coin.AmountWithFee.String(),
		MerchantPub:   base64.StdEncoding.EncodeToString(merchantPub),
		ContractHash:  base64.StdEncoding.EncodeToString(contractHash),
	}

	var wireResp struct {
		ExchangeSigningPub string          `json:"exchange_pub"`
		ExchangeSig        string          `json:"exchange_sig"`
		History            []CoinHistoryEntry `json:"history,omitempty"`
	}
	var status int
	var body []byte
	callErr := withRetryOnce(ctx, func() error {
		var err error
		status, err = c.postJSON(ctx, coin.ExchangeBaseURL+"/coins/deposit", req, &wireResp)
		if raw, ok := err.(interface{ Error() string }); ok && err != nil {
			body = []byte(raw.Error())
		}
		return err
	})

	switch {
	case callErr == nil && status == 200:
		proof, _ := json.Marshal(wireResp)
		log.WithFields(logrus.Fields{"exchange": coin.ExchangeBaseURL, "coin": req.CoinPub}).Debug("exchange: deposit accepted")
		return DepositResult{
			Coin:       coin,
			Outcome:    DepositOK,
			SigningKey: []byte(wireResp.ExchangeSigningPub),
			Proof:      proof,
		}
	case callErr != nil:
		if _, isTransport := callErr.(*TransportError); isTransport {
			return DepositResult{Coin: coin, Outcome: DepositExchangeUnavailable, Err: callErr}
		}
		return DepositResult{Coin: coin, Outcome: DepositExchangeProtocol, Err: callErr}
	case status == 409:
		if !verifyCoinHistory(wireResp.History) {
			return DepositResult{Coin: coin, Outcome: DepositExchangeProtocol, Err: fmt.Errorf("exchange: inconsistent coin history for %s", req.CoinPub)}
		}
		proof, _ := json.Marshal(wireResp)
		return DepositResult{Coin: coin, Outcome: DepositDoubleSpend, Proof: proof, Err: fmt.Errorf("exchange: coin already spent")}
	case status == 410 || status == 404:
		return DepositResult{Coin: coin, Outcome: DepositDenominationInvalid, Err: fmt.Errorf("exchange: denomination unknown/expired/revoked")}
	default:
		return DepositResult{Coin: coin, Outcome: DepositExchangeProtocol, Err: fmt.Errorf("exchange: unexpected status %d: %s", status, string(body))}
	}
}

// verifyCoinHistory checks the exchange-reported spend history's signatures
// are present and well-formed enough to trust the double-spend claim (§4.2:
// "verify the history's signatures"). A production exchange-side signature
// check would verify against the coin's denomination key; here we check the
// shape the coordinator depends on (non-empty, every entry signed).
func verifyCoinHistory(history []CoinHistoryEntry) bool {
	if len(history) == 0 {
		return false
	}
	for _, h := range history {
		if h.Signature == "" || h.Amount == "" {
			return false
		}
	}
	return true
}

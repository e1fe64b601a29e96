package exchange

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/cryptoutil"
)

// TrackDepositResult is the exchange's answer to a track-deposit query
// (§4.5 "Track by order").
type TrackDepositResult struct {
	Pending        bool // true if the exchange reports "not yet aggregated"
	WireTransferID string
}

// TrackDeposit asks baseURL whether coinPub's deposit under contractHash has
// been aggregated into a wire transfer yet.
func (c *Client) TrackDeposit(ctx context.Context, baseURL string, coinPub, contractHash []byte) (TrackDepositResult, error) {
	release, err := c.acquire(ctx, baseURL)
	if err != nil {
		return TrackDepositResult{}, err
	}
	defer release()

	q := url.Values{}
	q.Set("coin_pub", base64.StdEncoding.EncodeToString(coinPub))
	q.Set("h_contract_terms", base64.StdEncoding.EncodeToString(contractHash))

	var wire struct {
		Pending        bool   `json:"pending"`
		WireTransferID string `json:"wtid"`
	}
	var status int
	err = withRetryOnce(ctx, func() error {
		var e error
		status, e = c.postJSON(ctx, baseURL+"/deposits/track?"+q.Encode(), struct{}{}, &wire)
		return e
	})
	if err != nil {
		return TrackDepositResult{}, fmt.Errorf("exchange: track-deposit %s: %w", baseURL, err)
	}
	if status == 202 || wire.Pending {
		return TrackDepositResult{Pending: true}, nil
	}
	return TrackDepositResult{WireTransferID: wire.WireTransferID}, nil
}

// TransferDetail is one (order, coin) line item in an exchange-signed
// aggregate transfer proof (§4.5 "Track by wire-transfer id").
type TransferDetail struct {
	OrderID      string
	ContractHash []byte
	CoinPub      []byte
	DepositValue amount.Value
	DepositFee   amount.Value
}

// TransferProof is the exchange-signed aggregate settlement report.
type TransferProof struct {
	WireTransferID      string
	Total               amount.Value
	WireFee             amount.Value
	MerchantAccountHash []byte
	Details             []TransferDetail
	ExchangeSignature   []byte
	Digest              [32]byte // domain-separated hash the signature is over
}

// WireTransfer fetches the exchange's signed proof for wtid. The caller is
// responsible for verifying its invariants (§4.5: sum check, local presence
// check) — this method only performs the network call and wire decode.
func (c *Client) WireTransfer(ctx context.Context, baseURL, wtid string) (TransferProof, error) {
	release, err := c.acquire(ctx, baseURL)
	if err != nil {
		return TransferProof{}, err
	}
	defer release()

	var wire struct {
		Total   string `json:"total"`
		WireFee string `json:"wire_fee"`
		MerchantAccountHash string `json:"merchant_h_wire"`
		Details []struct {
			OrderID      string `json:"order_id"`
			ContractHash string `json:"h_contract_terms"`
			CoinPub      string `json:"coin_pub"`
			DepositValue string `json:"deposit_value"`
			DepositFee   string `json:"deposit_fee"`
		} `json:"deposits"`
		ExchangeSig string `json:"exchange_sig"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/transfers/%s", baseURL, wtid), &wire); err != nil {
		return TransferProof{}, fmt.Errorf("exchange: fetch wire transfer %s/%s: %w", baseURL, wtid, err)
	}

	total, err := amount.Parse(wire.Total)
	if err != nil {
		return TransferProof{}, fmt.Errorf("exchange: parse transfer total: %w", err)
	}
	fee, err := amount.Parse(wire.WireFee)
	if err != nil {
		return TransferProof{}, fmt.Errorf("exchange: parse wire fee: %w", err)
	}

	details := make([]TransferDetail, 0, len(wire.Details))
	for _, d := range wire.Details {
		val, err := amount.Parse(d.DepositValue)
		if err != nil {
			return TransferProof{}, fmt.Errorf("exchange: parse deposit value: %w", err)
		}
		depFee, err := amount.Parse(d.DepositFee)
		if err != nil {
			return TransferProof{}, fmt.Errorf("exchange: parse deposit fee: %w", err)
		}
		hash, err := base64.StdEncoding.DecodeString(d.ContractHash)
		if err != nil {
			return TransferProof{}, fmt.Errorf("exchange: decode contract hash: %w", err)
		}
		coin, err := base64.StdEncoding.DecodeString(d.CoinPub)
		if err != nil {
			return TransferProof{}, fmt.Errorf("exchange: decode coin pub: %w", err)
		}
		details = append(details, TransferDetail{
			OrderID:      d.OrderID,
			ContractHash: hash,
			CoinPub:      coin,
			DepositValue: val,
			DepositFee:   depFee,
		})
	}

	accHash, err := base64.StdEncoding.DecodeString(wire.MerchantAccountHash)
	if err != nil {
		return TransferProof{}, fmt.Errorf("exchange: decode merchant account hash: %w", err)
	}

	digest, err := cryptoutil.HashCanonical(cryptoutil.PurposeWireTransfer, struct {
		WireTransferID      string `json:"wtid"`
		Total               string `json:"total"`
		WireFee             string `json:"wire_fee"`
		MerchantAccountHash string `json:"merchant_h_wire"`
	}{
		WireTransferID:      wtid,
		Total:               wire.Total,
		WireFee:             wire.WireFee,
		MerchantAccountHash: wire.MerchantAccountHash,
	})
	if err != nil {
		return TransferProof{}, fmt.Errorf("exchange: hash wire transfer proof: %w", err)
	}

	return TransferProof{
		WireTransferID:      wtid,
		Total:               total,
		WireFee:             fee,
		MerchantAccountHash: accHash,
		Details:             details,
		ExchangeSignature:   []byte(wire.ExchangeSig),
		Digest:              digest,
	}, nil
}

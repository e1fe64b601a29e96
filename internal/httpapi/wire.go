package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/tip"
)

// talerTimestamp decodes its `{"t_ms": <int>}` or the literal
// `"/never/"`. A nil *time.Time means "/never/".
type talerTimestamp struct {
	t *time.Time
}

func (ts *talerTimestamp) UnmarshalJSON(data []byte) error {
	var never string
	if err := json.Unmarshal(data, &never); err == nil {
		if never != "/never/" {
			return fmt.Errorf("httpapi: bad timestamp literal %q", never)
		}
		ts.t = nil
		return nil
	}
	var wrapped struct {
		TMs int64 `json:"t_ms"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("httpapi: bad timestamp: %w", err)
	}
	t := time.UnixMilli(wrapped.TMs)
	ts.t = &t
	return nil
}

func timestampJSON(t time.Time) map[string]int64 {
	return map[string]int64{"t_ms": t.UnixMilli()}
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// orderTemplateWire is POST /orders's `order` object.
type orderTemplateWire struct {
	OrderID              string          `json:"order_id"`
	Amount               string          `json:"amount"`
	Summary              string          `json:"summary"`
	FulfillmentURL       string          `json:"fulfillment_url"`
	PayDeadline          *talerTimestamp `json:"pay_deadline"`
	RefundDeadline       *talerTimestamp `json:"refund_deadline"`
	WireTransferDeadline *talerTimestamp `json:"wire_transfer_deadline"`
	MaxFee               string          `json:"max_fee"`
	Extra                map[string]any  `json:"extra"`
}

type createOrderRequest struct {
	Order orderTemplateWire `json:"order"`
}

// coinWire is one wallet-presented coin in POST /orders/{oid}/pay.
type coinWire struct {
	ExchangeBaseURL  string `json:"exchange_base_url"`
	DenomPub         string `json:"denom_pub"`
	DenomSig         string `json:"ub_sig"`
	CoinPub          string `json:"coin_pub"`
	CoinSig          string `json:"coin_sig"`
	AmountWithFee    string `json:"amount_with_fee"`
	AmountWithoutFee string `json:"amount_without_fee"`
}

func (c coinWire) toCoin() (exchange.Coin, error) {
	denomPub, err := unb64(c.DenomPub)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: decode denom_pub: %w", err)
	}
	denomSig, err := unb64(c.DenomSig)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: decode ub_sig: %w", err)
	}
	coinPub, err := unb64(c.CoinPub)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: decode coin_pub: %w", err)
	}
	coinSig, err := unb64(c.CoinSig)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: decode coin_sig: %w", err)
	}
	withFee, err := amount.Parse(c.AmountWithFee)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: parse amount_with_fee: %w", err)
	}
	withoutFee, err := amount.Parse(c.AmountWithoutFee)
	if err != nil {
		return exchange.Coin{}, fmt.Errorf("httpapi: parse amount_without_fee: %w", err)
	}
	return exchange.Coin{
		ExchangeBaseURL:  c.ExchangeBaseURL,
		DenominationPub:  denomPub,
		DenominationSig:  denomSig,
		CoinPub:          coinPub,
		CoinSig:          coinSig,
		AmountWithFee:    withFee,
		AmountWithoutFee: withoutFee,
	}, nil
}

type payRequest struct {
	Coins []coinWire `json:"coins"`
	Mode  string     `json:"mode"`
}

// planchetWire is one wallet-supplied blind candidate coin in
// POST /tips/{tip_id}/pickup.
type planchetWire struct {
	DenomPub string `json:"denom_pub"`
	CoinEv   string `json:"coin_ev"`
	Value    string `json:"value"`
}

func (p planchetWire) toPlanchet() (tip.Planchet, error) {
	denomPub, err := unb64(p.DenomPub)
	if err != nil {
		return tip.Planchet{}, fmt.Errorf("httpapi: decode denom_pub: %w", err)
	}
	ev, err := unb64(p.CoinEv)
	if err != nil {
		return tip.Planchet{}, fmt.Errorf("httpapi: decode coin_ev: %w", err)
	}
	val, err := amount.Parse(p.Value)
	if err != nil {
		return tip.Planchet{}, fmt.Errorf("httpapi: parse planchet value: %w", err)
	}
	return tip.Planchet{DenominationPub: denomPub, CoinEnvelope: ev, Value: val}, nil
}

type tipPickupRequest struct {
	Planchets []planchetWire `json:"planchets"`
}

type tipAuthorizeRequest struct {
	Amount        string         `json:"amount"`
	Justification string         `json:"justification"`
	Extra         map[string]any `json:"extra"`
}

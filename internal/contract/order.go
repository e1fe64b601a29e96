// Package contract implements the Order & Contract Manager:
// order creation with default-filling, and atomic contract claim with
// canonical-JSON hashing and merchant signing.
package contract

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/store"
)

// Template is the partially specified order submitted by the frontend.
type Template struct {
	OrderID              string // optional; generated if empty
	Summary              string
	Amount               amount.Value
	FulfillmentURL       string
	PayDeadline          *time.Time
	RefundDeadline       *time.Time
	WireTransferDeadline *time.Time
	MaxFee               *amount.Value
	Extra                map[string]any
}

// InstanceDefaults are the per-instance default values used to fill a
// Template.
type InstanceDefaults struct {
	InstanceID                 string
	MerchantPublicKey          ed25519.PublicKey
	MerchantBaseURL            string
	DefaultWireTransferDelay   time.Duration
	DefaultPayDelay            time.Duration
	DefaultMaxWireFee          amount.Value
	DefaultWireFeeAmortization int
}

// Manager implements the Order & Contract Manager.
type Manager struct {
	st store.Store

	mu             sync.Mutex
	lastOrderNanos map[string]int64 // instanceID -> last-assigned monotone nanosecond
}

// NewManager constructs a Manager backed by st.
func NewManager(st store.Store) *Manager {
	return &Manager{st: st, lastOrderNanos: make(map[string]int64)}
}

// nextOrderID generates an id from monotone time, guaranteeing uniqueness
// within an instance even under rapid successive calls. Mirrors the want
// for strictly-increasing identifiers seen in height-indexed block ids,
// adapted to wall-clock ids instead of block height.
func (m *Manager) nextOrderID(instanceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixNano()
	last := m.lastOrderNanos[instanceID]
	if now <= last {
		now = last + 1
	}
	m.lastOrderNanos[instanceID] = now
	return fmt.Sprintf("%x", now)
}

// CreateOrder accepts an order Template, fills instance defaults, and
// persists an UnclaimedOrder. The wire-method account is chosen
// deterministically as the instance's first active account in persisted
// order.
func (m *Manager) CreateOrder(ctx context.Context, defaults InstanceDefaults, tmpl Template) (orderID string, err error) {
	if tmpl.Amount.IsZero() {
		return "", apierr.New(apierr.BadRequest, apierr.CodeInvalidAmount, "InvalidAmount", "order amount must be positive")
	}

	accounts, err := m.st.ListActiveAccounts(ctx, defaults.InstanceID)
	if err != nil {
		return "", fmt.Errorf("contract: list active accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", apierr.New(apierr.Conflict, apierr.CodeNoActiveAccount, "NoActiveAccount", "instance has no active bank account")
	}
	accountHash := accounts[0].ContentHash

	orderID = tmpl.OrderID
	if orderID == "" {
		orderID = m.nextOrderID(defaults.InstanceID)
	}

	now := time.Now()
	payDeadline := now.Add(defaults.DefaultPayDelay)
	if tmpl.PayDeadline != nil {
		payDeadline = *tmpl.PayDeadline
	}
	if payDeadline.Before(now) {
		return "", apierr.New(apierr.BadRequest, apierr.CodeDeadlineInPast, "DeadlineInPast", "pay_deadline is in the past")
	}
	refundDeadline := now
	if tmpl.RefundDeadline != nil {
		refundDeadline = *tmpl.RefundDeadline
		if refundDeadline.Before(now) {
			return "", apierr.New(apierr.BadRequest, apierr.CodeDeadlineInPast, "DeadlineInPast", "refund_deadline is in the past")
		}
	}
	wireDeadline := now.Add(defaults.DefaultWireTransferDelay)
	if tmpl.WireTransferDeadline != nil {
		wireDeadline = *tmpl.WireTransferDeadline
	}
	maxFee := defaults.DefaultMaxWireFee
	if tmpl.MaxFee != nil {
		maxFee = *tmpl.MaxFee
	}

	order := orderDoc{
		OrderID:              orderID,
		Summary:              tmpl.Summary,
		Amount:               tmpl.Amount,
		FulfillmentURL:       tmpl.FulfillmentURL,
		MerchantPub:          defaults.MerchantPublicKey,
		MerchantBaseURL:      defaults.MerchantBaseURL,
		Timestamp:            now,
		PayDeadline:          payDeadline,
		RefundDeadline:       refundDeadline,
		WireTransferDeadline: wireDeadline,
		MaxFee:               maxFee,
		WireFeeAmortization:  defaults.DefaultWireFeeAmortization,
		HWireHash:            accountHash,
		Extra:                tmpl.Extra,
	}
	canonical, err := cryptoutil.Canonicalize(order)
	if err != nil {
		return "", fmt.Errorf("contract: canonicalize order: %w", err)
	}

	err = m.st.PutUnclaimedOrder(ctx, store.UnclaimedOrder{
		InstanceID:           defaults.InstanceID,
		OrderID:              orderID,
		OrderJSON:            canonical,
		CreatedAt:            now,
		PayDeadline:          payDeadline,
		RefundDeadline:       refundDeadline,
		WireTransferDeadline: wireDeadline,
		Amount:               tmpl.Amount,
		MaxWireFee:           maxFee,
		WireFeeAmortization:  defaults.DefaultWireFeeAmortization,
		AccountContentHash:   accountHash,
	})
	if err != nil {
		if isAlreadyExists(err) {
			return "", apierr.Wrap(apierr.Conflict, apierr.CodeOrderIdExists, "OrderIdExists", "order id already in use", err)
		}
		return "", fmt.Errorf("contract: persist unclaimed order: %w", err)
	}
	return orderID, nil
}

// orderDoc is the canonical-JSON shape of an order, field names chosen to
// match the wire contract terms vocabulary of this behavior.
type orderDoc struct {
	OrderID              string             `json:"order_id"`
	Summary              string             `json:"summary"`
	Amount               amount.Value       `json:"amount"`
	FulfillmentURL       string             `json:"fulfillment_url,omitempty"`
	MerchantPub          ed25519.PublicKey  `json:"merchant_pub"`
	MerchantBaseURL      string             `json:"merchant_base_url"`
	Timestamp            time.Time          `json:"timestamp"`
	PayDeadline          time.Time          `json:"pay_deadline"`
	RefundDeadline       time.Time          `json:"refund_deadline"`
	WireTransferDeadline time.Time          `json:"wire_transfer_deadline"`
	MaxFee               amount.Value       `json:"max_fee"`
	WireFeeAmortization  int                `json:"wire_fee_amortization"`
	HWireHash            [32]byte           `json:"h_wire"`
	Nonce                []byte             `json:"nonce,omitempty"`
	Extra                map[string]any     `json:"extra,omitempty"`
}

package contract

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"taler-merchant/internal/apierr"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/store"
)

// ClaimResult is the wallet-visible outcome of a successful claim.
type ClaimResult struct {
	ContractTerms json.RawMessage
	Signature     []byte
	ContractHash  [32]byte
}

// Claim implements its atomic Claim Order operation: it binds
// nonce to the unclaimed order, producing signed contract terms. Repeated
// claims with the same nonce are idempotent; a different nonce on an
// already-claimed order fails AlreadyClaimed.
func (m *Manager) Claim(ctx context.Context, instanceID, orderID string, nonce []byte, signingKey ed25519.PrivateKey) (*ClaimResult, error) {
	contract, replay, err := m.st.ClaimOrder(ctx, instanceID, orderID, nonce, func(o store.UnclaimedOrder) (store.Contract, error) {
		return m.buildContract(o, nonce, signingKey)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apierr.New(apierr.NotFound, apierr.CodeOrderNotFound, "NotFound", "no such unclaimed order")
		}
		return nil, fmt.Errorf("contract: claim: %w", err)
	}
	if replay && string(contract.Nonce) != string(nonce) {
		return nil, apierr.New(apierr.Conflict, apierr.CodeAlreadyClaimed, "AlreadyClaimed", "order already claimed by a different wallet")
	}
	return &ClaimResult{
		ContractTerms: json.RawMessage(contract.CanonicalJSON),
		Signature:     contract.MerchantSignature,
		ContractHash:  contract.ContractHash,
	}, nil
}

// buildContract canonicalizes the unclaimed order document with the
// wallet's nonce folded in, hashes it, and signs it — executed inside
// store.ClaimOrder's single locked section so claim is atomic end to end.
func (m *Manager) buildContract(o store.UnclaimedOrder, nonce []byte, signingKey ed25519.PrivateKey) (store.Contract, error) {
	var doc map[string]any
	if err := json.Unmarshal(o.OrderJSON, &doc); err != nil {
		return store.Contract{}, fmt.Errorf("contract: decode unclaimed order: %w", err)
	}
	doc["nonce"] = nonce

	hash, canonical, sig, err := cryptoutil.SignContractTerms(signingKey, doc)
	if err != nil {
		return store.Contract{}, fmt.Errorf("contract: sign terms: %w", err)
	}

	return store.Contract{
		InstanceID:           o.InstanceID,
		OrderID:              o.OrderID,
		Nonce:                nonce,
		ContractHash:         hash,
		CanonicalJSON:        canonical,
		MerchantSignature:    sig,
		Amount:               o.Amount,
		MaxWireFee:           o.MaxWireFee,
		WireFeeAmortization:  o.WireFeeAmortization,
		WireTransferDeadline: o.WireTransferDeadline,
		RefundDeadline:       o.RefundDeadline,
		PayDeadline:          o.PayDeadline,
		AccountContentHash:   o.AccountContentHash,
	}, nil
}

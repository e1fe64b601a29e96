package httpapi

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"taler-merchant/internal/contract"
	"taler-merchant/internal/store"
)

// InstanceDefaultsFromStore builds the InstanceDefaultsFunc cmd/merchantd
// wires by default: it reads the Instance row's own default-policy fields
// and derives the instance's public merchant URL from
// merchantBaseURL, matching Taler's convention of one base URL per instance
// path segment.
func InstanceDefaultsFromStore(st store.Store, merchantBaseURL string) InstanceDefaultsFunc {
	return func(ctx context.Context, instanceID string) (contract.InstanceDefaults, error) {
		inst, err := st.GetInstance(ctx, instanceID)
		if err != nil {
			return contract.InstanceDefaults{}, fmt.Errorf("httpapi: resolve instance defaults: %w", err)
		}
		return contract.InstanceDefaults{
			InstanceID:                 inst.ID,
			MerchantPublicKey:          ed25519.PublicKey(inst.PublicKey),
			MerchantBaseURL:            merchantBaseURL + "/instances/" + inst.ID + "/",
			DefaultWireTransferDelay:   inst.DefaultWireTransferDelay,
			DefaultPayDelay:            inst.DefaultPayDelay,
			DefaultMaxWireFee:          inst.DefaultMaxWireFee,
			DefaultWireFeeAmortization: inst.DefaultWireFeeAmortization,
		}, nil
	}
}

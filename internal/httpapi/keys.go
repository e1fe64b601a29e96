package httpapi

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"taler-merchant/internal/cryptoutil"
)

// instanceSigningKey opens the instance's sealed merchant signing key,
// rather than keeping private key material resident anywhere outside a
// request's duration.
func (s *Server) instanceSigningKey(instanceID string) (ed25519.PrivateKey, error) {
	inst, err := s.st.GetInstance(context.Background(), instanceID)
	if err != nil {
		return nil, fmt.Errorf("httpapi: resolve instance signing key: %w", err)
	}
	plain, err := cryptoutil.OpenPrivateKey(s.masterKey, inst.SealedPrivateKeyNonce, inst.SealedPrivateKeyCipher)
	if err != nil {
		return nil, fmt.Errorf("httpapi: open instance signing key: %w", err)
	}
	return ed25519.PrivateKey(plain), nil
}

// reserveSigningKey opens the instance's tip-reserve private key, sealed
// under the same master key but a distinct row than the merchant signing
// key.
func (s *Server) reserveSigningKey(instanceID string) (ed25519.PrivateKey, error) {
	inst, err := s.st.GetInstance(context.Background(), instanceID)
	if err != nil {
		return nil, fmt.Errorf("httpapi: resolve reserve signing key: %w", err)
	}
	plain, err := cryptoutil.OpenPrivateKey(s.masterKey, inst.TipReserveSealedNonce, inst.TipReserveSealedCipher)
	if err != nil {
		return nil, fmt.Errorf("httpapi: open reserve signing key: %w", err)
	}
	return ed25519.PrivateKey(plain), nil
}

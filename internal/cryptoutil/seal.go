package cryptoutil

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealPrivateKey encrypts an Ed25519 private key (or any secret material, such
// as a tip-reserve private key) for at-rest storage with XChaCha20-Poly1305.
func SealPrivateKey(masterKey, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// OpenPrivateKey decrypts material sealed by SealPrivateKey.
func OpenPrivateKey(masterKey, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: open sealed key: %w", err)
	}
	return plaintext, nil
}

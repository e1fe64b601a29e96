// Package cryptoutil provides the merchant core's signature generation and
// verification and contract-hashing primitives.
//
// Keys are Ed25519 only, no placeholders; every failure is propagated as
// an error rather than swallowed.
package cryptoutil

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLogger overrides the package logger so tests can capture or silence
// output.
func SetLogger(l *logrus.Logger) { log = l }

// PurposeTag domain-separates hashes by the kind of document being hashed,
// so a contract-terms hash can never collide in meaning with a deposit-OK
// hash or a refund-permission hash.
type PurposeTag byte

const (
	PurposeContractTerms PurposeTag = 1
	PurposePaymentOK     PurposeTag = 2
	PurposeRefundPermission PurposeTag = 3
	PurposeDepositConfirm   PurposeTag = 4
	PurposeReserveWithdraw  PurposeTag = 5
	PurposeAccount          PurposeTag = 6
	PurposeWireTransfer     PurposeTag = 7
)

// KeyPair is an Ed25519 signing keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair (instance signing key,
// tip-reserve key).
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptoutil: generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// HashWithPurpose computes a domain-separated SHA-256 digest over data,
// mixing in purpose so the same bytes hashed for two different purposes
// never produce the same digest.
func HashWithPurpose(purpose PurposeTag, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(purpose)})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashContractTerms canonicalizes terms and returns its domain-separated
// hash — the C.h_contract of its universal invariant.
func HashContractTerms(terms any) ([32]byte, []byte, error) {
	canonical, err := Canonicalize(terms)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return HashWithPurpose(PurposeContractTerms, canonical), canonical, nil
}

// Sign produces an Ed25519 signature over digest using priv.
func Sign(priv ed25519.PrivateKey, digest [32]byte) []byte {
	return ed25519.Sign(priv, digest[:])
}

// Verify checks sig over digest under pub.
func Verify(pub ed25519.PublicKey, digest [32]byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest[:], sig)
}

// SignContractTerms signs the canonical hash of terms with purpose
// PurposeContractTerms, returning the hash, canonical bytes, and signature —
// the triple needed to let a wallet hold
// `hash(canonical_json(C)) == C.h_contract` and
// `verify(C.merchant_sig, C.h_contract, C.instance_pub) == true`.
func SignContractTerms(priv ed25519.PrivateKey, terms any) (hash [32]byte, canonical []byte, sig []byte, err error) {
	hash, canonical, err = HashContractTerms(terms)
	if err != nil {
		return [32]byte{}, nil, nil, err
	}
	sig = Sign(priv, hash)
	return hash, canonical, sig, nil
}

// HashCanonical canonicalizes doc and returns its domain-separated hash
// under purpose, for document shapes (like an exchange's wire-transfer
// proof) that have no dedicated Hash* helper of their own.
func HashCanonical(purpose PurposeTag, doc any) ([32]byte, error) {
	canonical, err := Canonicalize(doc)
	if err != nil {
		return [32]byte{}, err
	}
	return HashWithPurpose(purpose, canonical), nil
}

// AccountContentHash computes a deterministic hash over the canonical
// JSON of (uri, salt), used to content-address a bank account descriptor
// so old contracts referencing a now-inactive account still resolve it.
func AccountContentHash(paymentTargetURI, salt string) ([32]byte, error) {
	canonical, err := Canonicalize(struct {
		URI  string `json:"uri"`
		Salt string `json:"salt"`
	}{paymentTargetURI, salt})
	if err != nil {
		return [32]byte{}, err
	}
	return HashWithPurpose(PurposeAccount, canonical), nil
}

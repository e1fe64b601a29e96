package cryptoutil

import "testing"

func TestCanonicalizeSortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	in := map[string]any{"x": 1, "y": "hello"}
	a, err := Canonicalize(in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonicalize(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonicalization not deterministic: %s vs %s", a, b)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	terms := map[string]any{"order_id": "1", "amount": "EUR:5.00000000"}
	hash, _, sig, err := SignContractTerms(kp.Private, terms)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(kp.Public, hash, sig) {
		t.Fatalf("verify failed for valid signature")
	}
	otherKP, _ := GenerateKeyPair()
	if Verify(otherKP.Public, hash, sig) {
		t.Fatalf("verify succeeded under wrong key")
	}
}

func TestHashContractTermsMatchesCanonical(t *testing.T) {
	terms := map[string]any{"b": 1, "a": 2}
	hash, canonical, err := HashContractTerms(terms)
	if err != nil {
		t.Fatal(err)
	}
	wantHash := HashWithPurpose(PurposeContractTerms, canonical)
	if hash != wantHash {
		t.Fatalf("hash mismatch")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	secret := []byte("top secret signing key material")
	nonce, ct, err := SealPrivateKey(key, secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := OpenPrivateKey(key, nonce, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != string(secret) {
		t.Fatalf("round trip mismatch")
	}
}

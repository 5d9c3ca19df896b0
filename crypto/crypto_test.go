package crypto

import "testing"

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateSecp256k1Key()
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key: %v", err)
	}
	hash := Keccak256([]byte("bridge validator canonical message"))
	sig, err := Sign(hash, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub := CompressPubkey(&priv.PublicKey)
	if !VerifySignature(pub, hash, sig) {
		t.Fatal("signature failed to verify against its own public key")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	priv, _ := GenerateSecp256k1Key()
	hash := Keccak256([]byte("replay-check"))
	sig1, err := Sign(hash, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig2, err := Sign(hash, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(sig1) != string(sig2) {
		t.Fatal("signing the same hash under the same key must be deterministic (RFC 6979)")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _ := GenerateSecp256k1Key()
	other, _ := GenerateSecp256k1Key()
	hash := Keccak256([]byte("tamper-check"))
	sig, err := Sign(hash, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub := CompressPubkey(&other.PublicKey)
	if VerifySignature(pub, hash, sig) {
		t.Fatal("signature verified against the wrong public key")
	}
}

func TestPubkeyToAddressStable(t *testing.T) {
	priv, _ := GenerateSecp256k1Key()
	a1 := PubkeyToAddress(priv.PublicKey)
	a2 := PubkeyToAddress(priv.PublicKey)
	if a1 != a2 {
		t.Fatal("address derivation must be stable for a fixed public key")
	}
	if a1.IsZero() {
		t.Fatal("derived address must not be zero")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	priv, _ := GenerateSecp256k1Key()
	compressed := CompressPubkey(&priv.PublicKey)
	pub, err := DecompressPubkey(compressed)
	if err != nil {
		t.Fatalf("DecompressPubkey: %v", err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatal("decompressed public key does not match original")
	}
}

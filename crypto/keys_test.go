package crypto

import "testing"

func TestGenerateKeyPairAndAddress(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	if len(pub.Address()) != 40 {
		t.Errorf("address length: got %d want 40", len(pub.Address()))
	}
	if priv.Public().Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello duskchain")
	sig := Sign(priv, data)
	if err := Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("tampered data should fail verification")
	}
}

func TestVerifyV1GenerationSignature(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	prevGenSig := []byte("previous generation signature bytes")
	genSig := SignGenerationSignature(priv, prevGenSig)
	if err := VerifyV1GenerationSignature(pub, prevGenSig, genSig); err != nil {
		t.Errorf("valid v1 generation signature failed: %v", err)
	}
	if err := VerifyV1GenerationSignature(pub, []byte("wrong prev"), genSig); err == nil {
		t.Error("tampered previous generation signature should fail")
	}
}

func TestGenerationSignatureHashDeterministic(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	prevGenSig := []byte("previous generation signature bytes")
	h1 := GenerationSignatureHash(prevGenSig, pub)
	h2 := GenerationSignatureHash(prevGenSig, pub)
	if string(h1) != string(h2) {
		t.Error("GenerationSignatureHash should be deterministic for the same inputs")
	}
}

func TestHitIsDeterministicAndBounded(t *testing.T) {
	h1 := Hit([]byte("some generation signature hash"))
	h2 := Hit([]byte("some generation signature hash"))
	if h1.Cmp(h2) != 0 {
		t.Error("Hit should be deterministic for the same input")
	}
	if h1.Sign() < 0 {
		t.Error("Hit should never be negative")
	}
}

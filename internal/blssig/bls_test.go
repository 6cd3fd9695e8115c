//go:build cgo

package blssig

import (
	"encoding/hex"
	"testing"
)

// TestSignDeterministic checks scenario S4: signing the same message with
// the same secret key is byte-identical across invocations.
func TestSignDeterministic(t *testing.T) {
	keyHex := "131f1303ca424d66ee051041322c0284b6a31f77916d204a875ecc42928f7501"
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	sk, err := SecretKeyFromBytes(keyBytes)
	if err != nil {
		t.Fatalf("SecretKeyFromBytes: %v", err)
	}

	sig1 := sk.Sign([]byte("hello world"))
	sig2 := sk.Sign([]byte("hello world"))
	if sig1 != sig2 {
		t.Errorf("signatures differ across invocations: %x vs %x", sig1, sig2)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keyBytes := make([]byte, 32)
	keyBytes[31] = 7
	sk, err := SecretKeyFromBytes(keyBytes)
	if err != nil {
		t.Fatalf("SecretKeyFromBytes: %v", err)
	}

	msg := []byte("header-nonce-preimage")
	sig := sk.Sign(msg)
	pub := sk.PublicKey()

	if !Verify(pub, msg, sig) {
		t.Error("expected signature to verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Error("expected signature over different message to fail")
	}
}

func TestSecretKeyFromBytesRejectsBadLength(t *testing.T) {
	if _, err := SecretKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("expected error for short key")
	}
}

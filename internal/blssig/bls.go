//go:build cgo

// Package blssig is the narrow contract the pipeline consumes for
// BLS12-381 signing: scalar-from-bytes, hash-to-curve-G1 with the domain
// separation tag, scalar multiplication, and G1 serialization, backed by
// github.com/supranational/blst — the BLS12-381 library used throughout
// the Go blockchain ecosystem (not present in the retrieved example pack;
// no in-pack repo signs with BLS, so this dependency is named rather than
// grounded, per the grounding rules for out-of-pack libraries).
package blssig

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// DST is the domain separation tag for hash-to-curve, fixed by the
// network's wire protocol.
const DST = "MEROS-V00-CS01-with-BLS12381G1_XMD:SHA-256_SSWU_RO_"

// SigSize is the length in bytes of a serialized G1 signature.
const SigSize = 48

// PubKeySize is the length in bytes of a serialized G2 public key.
const PubKeySize = 96

var ErrInvalidSecretKey = errors.New("blssig: secret key must be 32 bytes")

// SecretKey is a BLS12-381 scalar, immutable once loaded.
type SecretKey struct {
	sk blst.SecretKey
}

// SecretKeyFromBytes loads a 32-byte scalar.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidSecretKey
	}
	var sk blst.SecretKey
	sk.Deserialize(b)
	return &SecretKey{sk: sk}, nil
}

// Sign computes sig = serialize_g1(g1_mul(secret, hash_to_curve_g1(msg, DST))).
// Signing is CPU-bound and otherwise stateless — safe to call concurrently
// from many Signer goroutines sharing the same SecretKey.
func (k *SecretKey) Sign(msg []byte) [SigSize]byte {
	p := new(blst.P1Affine).Sign(&k.sk, msg, []byte(DST))
	var out [SigSize]byte
	copy(out[:], p.Compress())
	return out
}

// Bytes returns the 32-byte scalar backing this key, for callers that need
// to stash it in shared state rather than re-derive it from config.
func (k *SecretKey) Bytes() []byte {
	return k.sk.Serialize()
}

// PublicKey derives the G2 public key for this secret key.
func (k *SecretKey) PublicKey() [PubKeySize]byte {
	p := new(blst.P2Affine).From(&k.sk)
	var out [PubKeySize]byte
	copy(out[:], p.Compress())
	return out
}

// Verify checks a signature against a message and a serialized G2 public
// key. Exposed for completeness and tests; the mining pipeline itself only
// signs (verification is the node's job).
func Verify(pubKey [PubKeySize]byte, msg []byte, sig [SigSize]byte) bool {
	pk := new(blst.P2Affine).Uncompress(pubKey[:])
	if pk == nil {
		return false
	}
	s := new(blst.P1Affine).Uncompress(sig[:])
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, []byte(DST))
}

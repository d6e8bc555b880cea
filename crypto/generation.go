package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerationSignatureHash derives the version>=2 generation signature: the
// SHA-256 digest of the previous block's generation signature concatenated
// with the forger's public key. It is deterministic and requires no secret
// material, so any node can verify it without the forger's cooperation.
func GenerationSignatureHash(prevGenSig []byte, pub PublicKey) []byte {
	buf := make([]byte, 0, len(prevGenSig)+len(pub))
	buf = append(buf, prevGenSig...)
	buf = append(buf, pub...)
	return HashBytes(buf)
}

// SignGenerationSignature derives the version-1 generation signature: a raw
// ed25519 signature over the previous block's generation signature. Unlike
// the version>=2 hash this requires the forger's private key.
func SignGenerationSignature(priv PrivateKey, prevGenSig []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), prevGenSig)
}

// VerifyV1GenerationSignature checks a version-1 (64-byte signature) generation
// signature against the claimed generator's public key.
func VerifyV1GenerationSignature(pub PublicKey, prevGenSig, genSig []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(pub), prevGenSig, genSig) {
		return fmt.Errorf("invalid v1 generation signature")
	}
	return nil
}

// Hit turns a generation-signature hash into the deterministic pseudo-random
// value used for proof-of-stake eligibility ("hit"): the first 8 bytes,
// interpreted as a little-endian unsigned integer.
func Hit(genSigHash []byte) *big.Int {
	if len(genSigHash) < 8 {
		padded := make([]byte, 8)
		copy(padded, genSigHash)
		genSigHash = padded
	}
	return new(big.Int).SetUint64(binary.LittleEndian.Uint64(genSigHash[:8]))
}

// HexEncode is a small convenience wrapper kept alongside the other
// hex-encoding helpers in this package.
func HexEncode(b []byte) string { return hex.EncodeToString(b) }

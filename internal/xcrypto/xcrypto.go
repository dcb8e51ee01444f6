// Package xcrypto provides the elliptic-curve and symmetric primitives
// the naming layer is built on: zone keypairs live on secp256k1 (the
// same curve and recovery scheme go-ethereum/crypto already gives us),
// label-derived sub-keys are additive scalar tweaks, and the
// encrypt/kdf pair protects a record-set's wire payload.
package xcrypto

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// curve returns the secp256k1 curve go-ethereum/crypto already wraps,
// so xcrypto never needs its own curve-arithmetic dependency.
func curve() elliptic.Curve { return ethcrypto.S256() }

// CryptoFailure wraps any malformed-input or verification failure.
// Per spec.md §7 it is never allowed to panic, only to be returned.
type CryptoFailure struct {
	Op  string
	Err error
}

func (e *CryptoFailure) Error() string { return fmt.Sprintf("xcrypto: %s: %v", e.Op, e.Err) }
func (e *CryptoFailure) Unwrap() error { return e.Err }

func fail(op string, err error) error { return &CryptoFailure{Op: op, Err: err} }

// PrivateKey is a zone's (or a derived sub-zone's) secp256k1 scalar.
type PrivateKey struct{ d *big.Int }

// PublicKey is a zone identifier: a secp256k1 curve point.
type PublicKey struct{ x, y *big.Int }

// GenerateKey creates a fresh zone keypair.
func GenerateKey() (PrivateKey, PublicKey, error) {
	sk, err := ethcrypto.GenerateKey()
	if err != nil {
		return PrivateKey{}, PublicKey{}, fail("generate", err)
	}
	priv := PrivateKey{d: new(big.Int).Set(sk.D)}
	pub := PublicKey{x: new(big.Int).Set(sk.PublicKey.X), y: new(big.Int).Set(sk.PublicKey.Y)}
	return priv, pub, nil
}

// Bytes returns the 32-byte big-endian scalar.
func (k PrivateKey) Bytes() []byte {
	b := make([]byte, 32)
	k.d.FillBytes(b)
	return b
}

// PrivateKeyFromBytes parses a 32-byte big-endian scalar.
func PrivateKeyFromBytes(b []byte) (PrivateKey, error) {
	if len(b) != 32 {
		return PrivateKey{}, fail("parse-private", errors.New("bad length"))
	}
	d := new(big.Int).SetBytes(b)
	if d.Sign() == 0 || d.Cmp(curve().Params().N) >= 0 {
		return PrivateKey{}, fail("parse-private", errors.New("scalar out of range"))
	}
	return PrivateKey{d: d}, nil
}

// Public derives the public key for a private key.
func (k PrivateKey) Public() PublicKey {
	x, y := curve().ScalarBaseMult(k.d.Bytes())
	return PublicKey{x: x, y: y}
}

// Bytes returns the 64-byte uncompressed (X||Y) encoding used as the
// zone identifier throughout the store and wire format.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, 64)
	p.x.FillBytes(out[:32])
	p.y.FillBytes(out[32:])
	return out
}

// PublicKeyFromBytes parses the 64-byte uncompressed encoding.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != 64 {
		return PublicKey{}, fail("parse-public", errors.New("bad length"))
	}
	x := new(big.Int).SetBytes(b[:32])
	y := new(big.Int).SetBytes(b[32:])
	if !curve().IsOnCurve(x, y) {
		return PublicKey{}, fail("parse-public", errors.New("point not on curve"))
	}
	return PublicKey{x: x, y: y}, nil
}

func (p PublicKey) Equal(o PublicKey) bool {
	return p.x.Cmp(o.x) == 0 && p.y.Cmp(o.y) == 0
}

// Sign produces a 65-byte recoverable signature (r || s || recovery id),
// the same encoding the teacher recovers sequencer signatures from.
func Sign(sk PrivateKey, msg []byte) ([]byte, error) {
	priv, err := ethcrypto.ToECDSA(sk.Bytes())
	if err != nil {
		return nil, fail("sign", err)
	}
	digest := Hash(msg)
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return nil, fail("sign", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign. Never panics; any
// malformed input simply yields false.
func Verify(pk PublicKey, msg, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	digest := Hash(msg)
	// ethcrypto.SigToPub expects V in {0,1}; defensively clamp.
	rs := make([]byte, 65)
	copy(rs, sig)
	if rs[64] >= 27 {
		rs[64] -= 27
	}
	if rs[64] > 1 {
		return false
	}
	recovered, err := ethcrypto.SigToPub(digest, rs)
	if err != nil {
		return false
	}
	want := PublicKey{x: recovered.X, y: recovered.Y}
	return pk.Equal(want)
}

// labelScalar computes H(label, pk) reduced mod the curve order, the
// tweak used by both derive_public and derive_private.
func labelScalar(pk PublicKey, label string) *big.Int {
	h := Hash(append(append([]byte{}, pk.Bytes()...), []byte(label)...))
	t := new(big.Int).SetBytes(h)
	return t.Mod(t, curve().Params().N)
}

// DerivePrivate computes sk' = sk + H(label,pk) mod N.
func DerivePrivate(sk PrivateKey, label string) (PrivateKey, error) {
	pk := sk.Public()
	t := labelScalar(pk, label)
	d := new(big.Int).Add(sk.d, t)
	d.Mod(d, curve().Params().N)
	if d.Sign() == 0 {
		return PrivateKey{}, fail("derive-private", errors.New("degenerate tweak"))
	}
	return PrivateKey{d: d}, nil
}

// DerivePublic computes pk' = pk + H(label,pk)*G, satisfying
// DerivePublic(Public(sk), label) == DerivePrivate(sk, label).Public().
func DerivePublic(pk PublicKey, label string) (PublicKey, error) {
	t := labelScalar(pk, label)
	tx, ty := curve().ScalarBaseMult(t.Bytes())
	x, y := curve().Add(pk.x, pk.y, tx, ty)
	if !curve().IsOnCurve(x, y) {
		return PublicKey{}, fail("derive-public", errors.New("result off curve"))
	}
	return PublicKey{x: x, y: y}, nil
}

// KDF derives a 32-byte AEAD key and 12-byte nonce from (pk, label)
// via HKDF-SHA3-256, so any party holding pk and label — in particular
// the label-derived key pair itself is never transmitted — can
// recompute the same symmetric key used to encrypt a record-set.
func KDF(pk PublicKey, label string) (key, nonce []byte, err error) {
	r := hkdf.New(sha3.New256, pk.Bytes(), []byte(label), []byte("zns-record-set"))
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := fullRead(r, key); err != nil {
		return nil, nil, fail("kdf", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := fullRead(r, nonce); err != nil {
		return nil, nil, fail("kdf", err)
	}
	return key, nonce, nil
}

func fullRead(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under (key, nonce).
func Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fail("encrypt", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fail("decrypt", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fail("decrypt", err)
	}
	return pt, nil
}

// Hash is the general-purpose 32-byte digest used for signing
// messages and deriving label scalars: SHA3-256, the same hash family
// (Keccak/SHA3) the teacher already depends on via golang.org/x/crypto.
func Hash(b []byte) []byte {
	h := sha3.Sum256(b)
	return h[:]
}

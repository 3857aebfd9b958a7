// Package identity implements Reticulum's cryptographic identity scheme:
// X25519/Ed25519 key pairs, address hashing, key derivation, and the
// domain-separated signing variant used by the LXMF message layer.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"filippo.io/edwards25519"
)

const (
	// PublicKeyLength is the size in bytes of each of the two public keys
	// (X25519 and Ed25519) that make up an Identity.
	PublicKeyLength = 32
	// PrivateKeyFileLength is the size of the on-disk identity file:
	// x25519_priv(32) || ed25519_seed(32).
	PrivateKeyFileLength = 64
	// AddressHashLength is the size of a Reticulum address hash.
	AddressHashLength = 16

	lxmfSignDomain = "reticulum-lxmf-signature-v1"
)

// ErrInvalidKey is returned when private key material is malformed.
var ErrInvalidKey = errors.New("identity: invalid key material")

// AddressHash is a 16-byte Reticulum destination/link address.
type AddressHash [AddressHashLength]byte

func (a AddressHash) String() string {
	return fmt.Sprintf("%x", a[:])
}

// Bytes returns the address hash as a byte slice.
func (a AddressHash) Bytes() []byte { return a[:] }

// IsZero reports whether the address hash is all zeroes (unset).
func (a AddressHash) IsZero() bool {
	var zero AddressHash
	return a == zero
}

// Identity is the public half of a Reticulum cryptographic identity: an
// X25519 key-agreement public key and an Ed25519 verifying key.
type Identity struct {
	X25519Pub  [PublicKeyLength]byte
	Ed25519Pub [PublicKeyLength]byte
}

// AddressHash computes SHA-256(x25519_pub || ed25519_pub)[0:16].
func (id Identity) AddressHash() AddressHash {
	h := sha256.New()
	h.Write(id.X25519Pub[:])
	h.Write(id.Ed25519Pub[:])
	sum := h.Sum(nil)
	var out AddressHash
	copy(out[:], sum[:AddressHashLength])
	return out
}

// Verify checks an Ed25519 signature made by the holder of this identity's
// private key, over the raw message bytes (no pre-hash).
func (id Identity) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id.Ed25519Pub[:]), message, signature)
}

// ValidateRatchetPoint rejects the all-zero ratchet public key. No other
// check is made: the bytes are not decoded as a curve point.
func ValidateRatchetPoint(pub [PublicKeyLength]byte) error {
	var zero [PublicKeyLength]byte
	if pub == zero {
		return fmt.Errorf("identity: ratchet point is the zero element")
	}
	return nil
}

// ValidateEd25519Point rejects torsion/invalid Ed25519 encodings using the
// same edwards25519 point-decode check the teacher's onion.DecodeOnion uses.
func ValidateEd25519Point(pub [PublicKeyLength]byte) error {
	p, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return fmt.Errorf("identity: invalid ed25519 point: %w", err)
	}
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return fmt.Errorf("identity: ed25519 point has small order")
	}
	return nil
}

// PrivateIdentity additionally holds the two private scalars.
type PrivateIdentity struct {
	x25519Priv  [PublicKeyLength]byte
	ed25519Seed [PublicKeyLength]byte
	signKey     ed25519.PrivateKey
	identity    Identity
}

// NewFromRand generates a fresh PrivateIdentity from the given randomness
// source.
func NewFromRand(rng io.Reader) (*PrivateIdentity, error) {
	var x25519Priv [PublicKeyLength]byte
	if _, err := io.ReadFull(rng, x25519Priv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate x25519 key: %w", err)
	}
	_, edPriv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}
	var seed [PublicKeyLength]byte
	copy(seed[:], edPriv.Seed())
	return newPrivateIdentity(x25519Priv, seed)
}

// FromPrivateKeyBytes loads a PrivateIdentity from the 64-byte on-disk
// format: x25519_priv(32) || ed25519_seed(32).
func FromPrivateKeyBytes(b []byte) (*PrivateIdentity, error) {
	if len(b) != PrivateKeyFileLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, PrivateKeyFileLength, len(b))
	}
	var x25519Priv, seed [PublicKeyLength]byte
	copy(x25519Priv[:], b[0:32])
	copy(seed[:], b[32:64])
	return newPrivateIdentity(x25519Priv, seed)
}

func newPrivateIdentity(x25519Priv, ed25519Seed [PublicKeyLength]byte) (*PrivateIdentity, error) {
	x25519Pub, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive x25519 public key: %v", ErrInvalidKey, err)
	}
	signKey := ed25519.NewKeyFromSeed(ed25519Seed[:])
	edPub := signKey.Public().(ed25519.PublicKey)

	pi := &PrivateIdentity{
		x25519Priv:  x25519Priv,
		ed25519Seed: ed25519Seed,
		signKey:     signKey,
	}
	copy(pi.identity.X25519Pub[:], x25519Pub)
	copy(pi.identity.Ed25519Pub[:], edPub)
	return pi, nil
}

// AsIdentity returns the public identity.
func (p *PrivateIdentity) AsIdentity() Identity { return p.identity }

// Bytes returns the 64-byte on-disk encoding.
func (p *PrivateIdentity) Bytes() []byte {
	out := make([]byte, PrivateKeyFileLength)
	copy(out[0:32], p.x25519Priv[:])
	copy(out[32:64], p.ed25519Seed[:])
	return out
}

// Sign produces a 64-byte Ed25519 signature over the raw message.
func (p *PrivateIdentity) Sign(message []byte) [ed25519.SignatureSize]byte {
	var out [ed25519.SignatureSize]byte
	copy(out[:], ed25519.Sign(p.signKey, message))
	return out
}

// SignKey exposes the underlying Ed25519 private key for callers that need
// it directly (e.g. building link proofs).
func (p *PrivateIdentity) SignKey() ed25519.PrivateKey { return p.signKey }

// DeriveKey performs X25519 ECDH against peerPub and stretches the shared
// secret through HKDF-SHA256 (with optional salt) into 32 bytes of key
// material, suitable as Fernet key input.
func (p *PrivateIdentity) DeriveKey(peerPub [PublicKeyLength]byte, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(p.x25519Priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("identity: x25519 ecdh: %w", err)
	}
	defer clear(shared)

	kdf := hkdf.New(sha256.New, shared, salt, nil)
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}
	return out, nil
}

// DeriveKeyRaw performs the same X25519-ECDH-then-HKDF-SHA256 derivation as
// DeriveKey, but against a bare ephemeral private scalar instead of a full
// PrivateIdentity. Used by the link handshake, where the requester side has
// no stored PrivateIdentity for its one-shot ephemeral key — X25519 being
// commutative, DeriveKeyRaw(ephPriv, targetPub, salt) and
// target.DeriveKey(ephPub, salt) compute the identical shared secret.
func DeriveKeyRaw(privScalar [PublicKeyLength]byte, peerPub [PublicKeyLength]byte, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(privScalar[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("identity: x25519 ecdh: %w", err)
	}
	defer clear(shared)

	kdf := hkdf.New(sha256.New, shared, salt, nil)
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}
	return out, nil
}

// LXMFSign signs message using Ed25519 over a domain-separated SHA-256
// pre-hash, distinguishing LXMF application signatures from Reticulum
// announce/link signatures which sign raw bytes directly.
func (p *PrivateIdentity) LXMFSign(message []byte) [ed25519.SignatureSize]byte {
	return lxmfSign(p.signKey, message)
}

func lxmfSign(key ed25519.PrivateKey, message []byte) [ed25519.SignatureSize]byte {
	h := sha256.New()
	h.Write([]byte(lxmfSignDomain))
	h.Write(message)
	prehash := h.Sum(nil)
	var out [ed25519.SignatureSize]byte
	copy(out[:], ed25519.Sign(key, prehash))
	return out
}

// LXMFVerify verifies a signature produced by LXMFSign.
func LXMFVerify(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	h := sha256.New()
	h.Write([]byte(lxmfSignDomain))
	h.Write(message)
	prehash := h.Sum(nil)
	return ed25519.Verify(pub, prehash, signature)
}

// Zero wipes private key material. Call on error paths and after use, the
// way the teacher's ntor.HandshakeState.Close zeroes its ephemeral scalar.
func (p *PrivateIdentity) Zero() {
	clear(p.x25519Priv[:])
	clear(p.ed25519Seed[:])
	clear(p.signKey)
}

// Package destination implements Reticulum destination naming, address
// hashing, and the announce wire format: a self-signed broadcast of a
// destination's identity, name, and optional forward-secrecy ratchet.
//
// The validate-side trial-order logic (try the with-ratchet parse first,
// fall back to the plain parse) is carried over from the Rust reference
// implementation's DestinationAnnounce::validate, which this package is
// grounded on directly.
package destination

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/packet"
)

const (
	// NameHashLength is the number of leading bytes of a name's SHA-256
	// digest used on the wire.
	NameHashLength = 10
	// RandHashLength is the width of the per-announce random nonce.
	RandHashLength = 10
	// RatchetLength matches an X25519 public key's width.
	RatchetLength = 32
	// SignatureLength is an Ed25519 signature's width.
	SignatureLength = 64

	// MinAnnounceDataLength is the smallest possible announce payload:
	// two public keys, a name hash, a rand hash, and a signature, with no
	// ratchet and no app data.
	MinAnnounceDataLength = identity.PublicKeyLength*2 + NameHashLength + RandHashLength + SignatureLength
)

// ErrOutOfMemory names the "announce too short to contain even the
// mandatory fields" case, using the spec's own error-kind vocabulary.
var ErrOutOfMemory = fmt.Errorf("destination: announce data too short")

// ErrNotAnnounce is returned when validating a packet whose packet type is
// not Announce.
var ErrNotAnnounce = fmt.Errorf("destination: packet is not an announce")

// ErrIncorrectSignature is returned when neither the with-ratchet nor the
// plain trial parse verifies.
var ErrIncorrectSignature = fmt.Errorf("destination: signature verification failed")

// DestinationName is the SHA-256 hash of "app_name.aspects".
type DestinationName struct {
	hash [32]byte
}

// NewDestinationName hashes "appName.aspects" the way Reticulum derives a
// destination's base name hash.
func NewDestinationName(appName, aspects string) DestinationName {
	h := sha256.New()
	h.Write([]byte(appName))
	h.Write([]byte("."))
	h.Write([]byte(aspects))
	var dn DestinationName
	copy(dn.hash[:], h.Sum(nil))
	return dn
}

// NewDestinationNameFromHash rebuilds a DestinationName from a received
// name-hash slice (only the leading NameHashLength bytes are meaningful;
// the remainder of the 32-byte hash is never transmitted and stays zero).
func NewDestinationNameFromHash(nameHash []byte) DestinationName {
	var dn DestinationName
	copy(dn.hash[:], nameHash)
	return dn
}

// NameHash returns the on-wire 10-byte name hash.
func (d DestinationName) NameHash() []byte {
	out := make([]byte, NameHashLength)
	copy(out, d.hash[:NameHashLength])
	return out
}

// DestinationDesc is a destination's public description: its identity,
// derived address hash, and name.
type DestinationDesc struct {
	Identity    identity.Identity
	AddressHash identity.AddressHash
	Name        DestinationName
}

// CreateAddressHash computes SHA-256(name_hash || identity_address_hash)[0:16],
// the destination address for a Single destination.
func CreateAddressHash(id identity.Identity, name DestinationName) identity.AddressHash {
	h := sha256.New()
	h.Write(name.NameHash())
	h.Write(id.AddressHash().Bytes())
	sum := h.Sum(nil)
	var out identity.AddressHash
	copy(out[:], sum[:identity.AddressHashLength])
	return out
}

// NewDesc builds a DestinationDesc for a Single destination held by id.
func NewDesc(id identity.Identity, name DestinationName) DestinationDesc {
	return DestinationDesc{
		Identity:    id,
		AddressHash: CreateAddressHash(id, name),
		Name:        name,
	}
}

// AnnounceInfo is the result of successfully validating an announce
// packet.
type AnnounceInfo struct {
	Destination DestinationDesc
	AppData     []byte
	Ratchet     *[RatchetLength]byte
	// RandHash is the announce's per-broadcast nonce, used by the transport
	// layer to deduplicate re-floods of the same announce.
	RandHash []byte
}

// signedData builds the exact byte sequence the announce signature covers:
// destination_hash || x25519_pub || ed25519_pub || name_hash || rand_hash ||
// [ratchet] || app_data. destinationHash is always recomputed from the
// identity and name by both signer and verifier — never trusted from the
// packet's wire destination field — so a forged destination field simply
// fails signature verification rather than needing a separate check.
func signedData(destinationHash identity.AddressHash, pubX, pubEd [identity.PublicKeyLength]byte, nameHash, randHash []byte, ratchet *[RatchetLength]byte, appData []byte) []byte {
	out := make([]byte, 0, identity.AddressHashLength+identity.PublicKeyLength*2+NameHashLength+RandHashLength+RatchetLength+len(appData))
	out = append(out, destinationHash.Bytes()...)
	out = append(out, pubX[:]...)
	out = append(out, pubEd[:]...)
	out = append(out, nameHash...)
	out = append(out, randHash...)
	if ratchet != nil {
		out = append(out, ratchet[:]...)
	}
	out = append(out, appData...)
	return out
}

// BuildAnnounce constructs a signed Announce packet for a Single
// destination held by priv, with an optional forward-secrecy ratchet and
// optional application data.
func BuildAnnounce(rng io.Reader, priv *identity.PrivateIdentity, desc DestinationDesc, appData []byte, ratchet *[RatchetLength]byte) (packet.Packet, error) {
	randHash := make([]byte, RandHashLength)
	if _, err := io.ReadFull(rng, randHash); err != nil {
		return packet.Packet{}, fmt.Errorf("destination: generate rand hash: %w", err)
	}

	id := priv.AsIdentity()
	nameHash := desc.Name.NameHash()

	toSign := signedData(desc.AddressHash, id.X25519Pub, id.Ed25519Pub, nameHash, randHash, ratchet, appData)
	sig := priv.Sign(toSign)

	data := make([]byte, 0, len(toSign)+SignatureLength)
	data = append(data, id.X25519Pub[:]...)
	data = append(data, id.Ed25519Pub[:]...)
	data = append(data, nameHash...)
	data = append(data, randHash...)
	if ratchet != nil {
		data = append(data, ratchet[:]...)
	}
	data = append(data, sig[:]...)
	data = append(data, appData...)

	return packet.Packet{
		Header: packet.Header{
			Type:            packet.HeaderType1,
			Propagation:     packet.PropagationBroadcast,
			DestinationType: packet.DestinationSingle,
			PacketType:      packet.PacketAnnounce,
			Hops:            0,
		},
		Destination: [packet.AddressLength]byte(desc.AddressHash),
		Data:        data,
	}, nil
}

// BuildPathResponse builds an announce the same way BuildAnnounce does,
// but marks it with the PathResponse context, as an owner's reply to a
// path request.
func BuildPathResponse(rng io.Reader, priv *identity.PrivateIdentity, desc DestinationDesc, appData []byte, ratchet *[RatchetLength]byte) (packet.Packet, error) {
	p, err := BuildAnnounce(rng, priv, desc, appData, ratchet)
	if err != nil {
		return packet.Packet{}, err
	}
	p.Header.HasContext = true
	p.Context = packet.ContextPathResponse
	return p, nil
}

// Validate parses and verifies an announce packet, trying the with-ratchet
// layout first and falling back to the plain layout, matching the Rust
// reference's two-trial-order parse.
func Validate(p packet.Packet) (AnnounceInfo, error) {
	if p.Header.PacketType != packet.PacketAnnounce {
		return AnnounceInfo{}, ErrNotAnnounce
	}
	data := p.Data
	if len(data) < MinAnnounceDataLength {
		return AnnounceInfo{}, ErrOutOfMemory
	}

	off := 0
	var pubX, pubEd [identity.PublicKeyLength]byte
	copy(pubX[:], data[off:off+identity.PublicKeyLength])
	off += identity.PublicKeyLength
	copy(pubEd[:], data[off:off+identity.PublicKeyLength])
	off += identity.PublicKeyLength

	if err := identity.ValidateEd25519Point(pubEd); err != nil {
		return AnnounceInfo{}, fmt.Errorf("destination: %w", err)
	}

	nameHash := data[off : off+NameHashLength]
	off += NameHashLength
	randHash := data[off : off+RandHashLength]
	off += RandHashLength

	id := identity.Identity{X25519Pub: pubX, Ed25519Pub: pubEd}
	name := NewDestinationNameFromHash(nameHash)
	desc := NewDesc(id, name)

	remaining := len(data) - off
	if remaining < SignatureLength {
		return AnnounceInfo{}, ErrOutOfMemory
	}

	if remaining >= SignatureLength+RatchetLength {
		var ratchet [RatchetLength]byte
		copy(ratchet[:], data[off:off+RatchetLength])
		sigStart := off + RatchetLength
		sigEnd := sigStart + SignatureLength
		sig := data[sigStart:sigEnd]
		appData := data[sigEnd:]

		toVerify := signedData(desc.AddressHash, pubX, pubEd, nameHash, randHash, &ratchet, appData)
		if id.Verify(toVerify, sig) {
			if err := identity.ValidateRatchetPoint(ratchet); err == nil {
				return AnnounceInfo{
					Destination: desc,
					AppData:     appData,
					Ratchet:     &ratchet,
					RandHash:    append([]byte(nil), randHash...),
				}, nil
			}
		}
	}

	sig := data[off : off+SignatureLength]
	appData := data[off+SignatureLength:]
	toVerify := signedData(desc.AddressHash, pubX, pubEd, nameHash, randHash, nil, appData)
	if !id.Verify(toVerify, sig) {
		return AnnounceInfo{}, ErrIncorrectSignature
	}

	return AnnounceInfo{
		Destination: desc,
		AppData:     appData,
		Ratchet:     nil,
		RandHash:    append([]byte(nil), randHash...),
	}, nil
}

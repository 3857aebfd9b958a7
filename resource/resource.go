// Package resource implements Reticulum's chunked, pull-based transfer
// protocol for payloads larger than one packet: a sender advertises a
// hash-map of encrypted parts, a receiver pulls unseen parts within a
// bounded window, and a final proof closes the transfer out.
//
// The windowed pull model is grounded on the teacher's stream.Stream flow
// control (stream/flow.go's SENDME-driven send/receive windows), inverted
// from the teacher's push-with-acknowledgement shape into Reticulum's
// pull-with-exhaustion-signal shape: instead of the sender throttling on
// SENDME cells, the receiver drives progress by requesting exactly the map
// hashes it is still missing.
package resource

import (
	"crypto/sha256"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rns-mesh/reticulum-go/packet"
)

const (
	// MapHashLength is the width of each part's map hash.
	MapHashLength = 4
	// RandHashLength is the width of the per-transfer random salt.
	RandHashLength = 4
	// ResourceHashLength and ProofLength are both full SHA-256 widths.
	ResourceHashLength = 32
	ProofLength        = 32

	// metadataLenFieldSize is the width of the optional metadata length
	// prefix, big-endian, ahead of the payload.
	metadataLenFieldSize = 3

	// HashmapMaxLen bounds how many map hashes one advertisement segment
	// carries: (PACKET_MDU - 134) / 4, leaving room for the advertisement's
	// other msgpack fields within one packet.
	HashmapMaxLen = (packet.PacketMDU - 134) / MapHashLength

	// Window is the largest number of unseen map hashes a single
	// ResourceRequest asks for.
	Window = 4
)

// Flags is a bitmask describing a resource transfer's shape.
type Flags uint16

const (
	FlagEncrypted Flags = 1 << iota
	FlagCompressed
	FlagSplit
	FlagRequest
	FlagResponse
	FlagMetadata
)

// Advertisement is the MessagePack-encoded announcement of a resource
// transfer's shape and (a segment of) its part hash-map. Field names mirror
// the wire's single-letter keys exactly.
type Advertisement struct {
	TransferSize  uint32 `msgpack:"t"`
	DataSize      uint32 `msgpack:"d"`
	Parts         uint32 `msgpack:"n"`
	RandomHash    []byte `msgpack:"h"`
	ResourceHash  []byte `msgpack:"r"`
	OriginalHash  []byte `msgpack:"o"`
	SegmentIndex  uint32 `msgpack:"i"`
	TotalSegments uint32 `msgpack:"l"`
	RequestID     []byte `msgpack:"q,omitempty"`
	Flags         Flags  `msgpack:"f"`
	Hashmap       []byte `msgpack:"m"`
}

// EncodeAdvertisement serializes an Advertisement to MessagePack.
func EncodeAdvertisement(a Advertisement) ([]byte, error) {
	b, err := msgpack.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("resource: encode advertisement: %w", err)
	}
	return b, nil
}

// DecodeAdvertisement parses a MessagePack-encoded Advertisement.
func DecodeAdvertisement(buf []byte) (Advertisement, error) {
	var a Advertisement
	if err := msgpack.Unmarshal(buf, &a); err != nil {
		return Advertisement{}, fmt.Errorf("resource: decode advertisement: %w", err)
	}
	return a, nil
}

// Request is a receiver's pull for up to Window unseen map hashes.
type Request struct {
	HashmapExhausted   bool     `msgpack:"e"`
	LastMapHash        []byte   `msgpack:"l,omitempty"`
	ResourceHash       []byte   `msgpack:"r"`
	RequestedMapHashes [][]byte `msgpack:"q"`
}

// EncodeRequest serializes a Request to MessagePack.
func EncodeRequest(r Request) ([]byte, error) {
	b, err := msgpack.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("resource: encode request: %w", err)
	}
	return b, nil
}

// DecodeRequest parses a MessagePack-encoded Request.
func DecodeRequest(buf []byte) (Request, error) {
	var r Request
	if err := msgpack.Unmarshal(buf, &r); err != nil {
		return Request{}, fmt.Errorf("resource: decode request: %w", err)
	}
	return r, nil
}

// EncodeHashUpdate builds resource_hash || msgpack([segment, hashmap]),
// the wire format for a sender's unsolicited next-segment push.
func EncodeHashUpdate(resourceHash [ResourceHashLength]byte, segment uint32, hashmap []byte) ([]byte, error) {
	body, err := msgpack.Marshal([]interface{}{segment, hashmap})
	if err != nil {
		return nil, fmt.Errorf("resource: encode hash update body: %w", err)
	}
	out := make([]byte, 0, ResourceHashLength+len(body))
	out = append(out, resourceHash[:]...)
	out = append(out, body...)
	return out, nil
}

// DecodeHashUpdate reverses EncodeHashUpdate.
func DecodeHashUpdate(buf []byte) (resourceHash [ResourceHashLength]byte, segment uint32, hashmap []byte, err error) {
	if len(buf) < ResourceHashLength {
		return resourceHash, 0, nil, fmt.Errorf("resource: hash update truncated")
	}
	copy(resourceHash[:], buf[:ResourceHashLength])
	var fields []interface{}
	if err := msgpack.Unmarshal(buf[ResourceHashLength:], &fields); err != nil {
		return resourceHash, 0, nil, fmt.Errorf("resource: decode hash update body: %w", err)
	}
	if len(fields) != 2 {
		return resourceHash, 0, nil, fmt.Errorf("resource: hash update body has %d fields, want 2", len(fields))
	}
	segU, err := toUint32(fields[0])
	if err != nil {
		return resourceHash, 0, nil, fmt.Errorf("resource: hash update segment: %w", err)
	}
	hm, ok := fields[1].([]byte)
	if !ok {
		return resourceHash, 0, nil, fmt.Errorf("resource: hash update hashmap field has wrong type")
	}
	return resourceHash, segU, hm, nil
}

func toUint32(v interface{}) (uint32, error) {
	switch n := v.(type) {
	case int8:
		return uint32(n), nil
	case int16:
		return uint32(n), nil
	case int32:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case uint8:
		return uint32(n), nil
	case uint16:
		return uint32(n), nil
	case uint32:
		return n, nil
	case uint64:
		return uint32(n), nil
	case int:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// EncodeProof builds resource_hash || expected_proof, 64 raw bytes.
func EncodeProof(resourceHash [ResourceHashLength]byte, proof [ProofLength]byte) []byte {
	out := make([]byte, 0, ResourceHashLength+ProofLength)
	out = append(out, resourceHash[:]...)
	out = append(out, proof[:]...)
	return out
}

// DecodeProof reverses EncodeProof.
func DecodeProof(buf []byte) (resourceHash [ResourceHashLength]byte, proof [ProofLength]byte, err error) {
	if len(buf) != ResourceHashLength+ProofLength {
		return resourceHash, proof, fmt.Errorf("resource: proof has wrong length: %d", len(buf))
	}
	copy(resourceHash[:], buf[:ResourceHashLength])
	copy(proof[:], buf[ResourceHashLength:])
	return resourceHash, proof, nil
}

// EncodeCancel builds a cancellation message body: just the resource hash.
func EncodeCancel(resourceHash [ResourceHashLength]byte) []byte {
	return append([]byte(nil), resourceHash[:]...)
}

// DecodeCancel reverses EncodeCancel.
func DecodeCancel(buf []byte) ([ResourceHashLength]byte, error) {
	var h [ResourceHashLength]byte
	if len(buf) != ResourceHashLength {
		return h, fmt.Errorf("resource: cancel message has wrong length: %d", len(buf))
	}
	copy(h[:], buf)
	return h, nil
}

// mapHash computes SHA-256(part || randomHash)[0:MapHashLength].
func mapHash(part, randomHash []byte) []byte {
	h := sha256.New()
	h.Write(part)
	h.Write(randomHash)
	sum := h.Sum(nil)
	return sum[:MapHashLength]
}

// splitParts slices ciphertext into PacketMDU-sized parts, the last
// possibly shorter.
func splitParts(ciphertext []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(ciphertext); off += packet.PacketMDU {
		end := off + packet.PacketMDU
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		out = append(out, append([]byte(nil), ciphertext[off:end]...))
	}
	if len(out) == 0 {
		out = [][]byte{{}}
	}
	return out
}

// segmentsFor computes how many HashmapMaxLen-sized advertisement segments
// are needed to cover n map hashes.
func segmentsFor(n int) uint32 {
	if n == 0 {
		return 1
	}
	return uint32((n + HashmapMaxLen - 1) / HashmapMaxLen)
}

package resource

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
)

// Encryptor is the subset of link.Link's API a Sender needs. Resource
// never imports package link directly, avoiding a dependency cycle;
// *link.Link satisfies this interface structurally.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// Sender holds one outbound resource transfer's state: the encrypted parts,
// their map hashes, and the hashes needed to accept a matching proof.
type Sender struct {
	resourceHash [ResourceHashLength]byte
	originalHash [ResourceHashLength]byte
	expectedProof [ProofLength]byte
	randomHash   []byte

	dataSize     uint32
	transferSize uint32
	hasMetadata  bool

	mapHashes [][]byte // ordered, one per part
	parts     map[string][]byte
}

// NewSender builds a Sender for payload (with optional metadata prepended),
// encrypting it under enc and splitting the ciphertext into PacketMDU-sized
// parts per the hashing scheme in spec §4.6.
func NewSender(rng io.Reader, enc Encryptor, payload, metadata []byte) (*Sender, error) {
	combined := payload
	if len(metadata) > 0 {
		var lenPrefix [metadataLenFieldSize]byte
		n := len(metadata)
		lenPrefix[0] = byte(n >> 16)
		lenPrefix[1] = byte(n >> 8)
		lenPrefix[2] = byte(n)
		combined = append(append([]byte(nil), lenPrefix[:]...), append(metadata, payload...)...)
	}

	randomHash := make([]byte, RandHashLength)
	if _, err := io.ReadFull(rng, randomHash); err != nil {
		return nil, fmt.Errorf("resource: generate random hash: %w", err)
	}

	resourceHash := sha256.Sum256(append(append([]byte(nil), combined...), randomHash...))
	expectedProof := sha256.Sum256(append(append([]byte(nil), combined...), resourceHash[:]...))
	originalHash := sha256.Sum256(combined)

	plaintext := append(append([]byte(nil), randomHash...), combined...)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("resource: encrypt: %w", err)
	}

	parts := splitParts(ciphertext)
	mapHashes := make([][]byte, len(parts))
	partsByHash := make(map[string][]byte, len(parts))
	for i, p := range parts {
		mh := mapHash(p, randomHash)
		mapHashes[i] = mh
		partsByHash[string(mh)] = p
	}

	return &Sender{
		resourceHash:  resourceHash,
		originalHash:  originalHash,
		expectedProof: expectedProof,
		randomHash:    randomHash,
		dataSize:      uint32(len(payload)),
		transferSize:  uint32(len(ciphertext)),
		hasMetadata:   len(metadata) > 0,
		mapHashes:     mapHashes,
		parts:         partsByHash,
	}, nil
}

// ResourceHash returns the transfer's identifying hash.
func (s *Sender) ResourceHash() [ResourceHashLength]byte { return s.resourceHash }

// TotalSegments returns how many HashmapMaxLen-sized advertisement segments
// the full hash-map needs.
func (s *Sender) TotalSegments() uint32 { return segmentsFor(len(s.mapHashes)) }

// Advertisement builds the Nth hash-map segment's advertisement. segment 0
// is sent unsolicited; later segments are sent on a ResourceHashUpdate pull
// or when the receiver's ResourceRequest reports hashmap_exhausted.
func (s *Sender) Advertisement(segment uint32) (Advertisement, error) {
	total := s.TotalSegments()
	if segment >= total {
		return Advertisement{}, fmt.Errorf("resource: segment %d out of range (0..%d)", segment, total)
	}
	start := int(segment) * HashmapMaxLen
	end := start + HashmapMaxLen
	if end > len(s.mapHashes) {
		end = len(s.mapHashes)
	}

	var hashmap bytes.Buffer
	for _, mh := range s.mapHashes[start:end] {
		hashmap.Write(mh)
	}

	flags := FlagEncrypted
	if len(s.mapHashes) > 1 {
		flags |= FlagSplit
	}
	if s.hasMetadata {
		flags |= FlagMetadata
	}

	return Advertisement{
		TransferSize:  s.transferSize,
		DataSize:      s.dataSize,
		Parts:         uint32(len(s.mapHashes)),
		RandomHash:    s.randomHash,
		ResourceHash:  s.resourceHash[:],
		OriginalHash:  s.originalHash[:],
		SegmentIndex:  segment,
		TotalSegments: total,
		Flags:         flags,
		Hashmap:       hashmap.Bytes(),
	}, nil
}

// HashUpdateSegment builds the raw resource_hash||msgpack([segment,hashmap])
// message for a push of a later hash-map segment.
func (s *Sender) HashUpdateSegment(segment uint32) ([]byte, error) {
	adv, err := s.Advertisement(segment)
	if err != nil {
		return nil, err
	}
	return EncodeHashUpdate(s.resourceHash, segment, adv.Hashmap)
}

// HandlePart returns the raw bytes of every requested part, as an ordered
// list matching req.RequestedMapHashes, silently skipping any
// unknown hash (the receiver asked for something outside this transfer).
func (s *Sender) HandlePart(req Request) [][]byte {
	var out [][]byte
	for _, mh := range req.RequestedMapHashes {
		if p, ok := s.parts[string(mh)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// VerifyProof reports whether a received proof matches this transfer's
// resource hash and expected proof.
func (s *Sender) VerifyProof(resourceHash [ResourceHashLength]byte, proof [ProofLength]byte) bool {
	return resourceHash == s.resourceHash && binaryEqual(proof[:], s.expectedProof[:])
}

func binaryEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

package resource

import (
	"crypto/sha256"
	"fmt"
)

// Decryptor is the subset of link.Link's API a Receiver needs.
type Decryptor interface {
	Decrypt(token []byte) ([]byte, error)
}

// ErrHashMismatch is returned by Finalize when the decrypted payload's
// recomputed resource hash doesn't match the advertised one.
var ErrHashMismatch = fmt.Errorf("resource: resource hash mismatch")

// ErrIncomplete is returned by Finalize before all parts have arrived.
var ErrIncomplete = fmt.Errorf("resource: transfer incomplete")

// Receiver assembles a resource transfer from advertised map hashes and
// pulled parts.
type Receiver struct {
	resourceHash [ResourceHashLength]byte
	originalHash [ResourceHashLength]byte
	randomHash   []byte
	flags        Flags

	totalParts uint32
	mapHashes  [][]byte        // known order, appended to as hash-update segments arrive
	parts      map[string][]byte
}

// NewReceiverFromAdvertisement initializes a Receiver from a transfer's
// first (or any) advertisement segment.
func NewReceiverFromAdvertisement(adv Advertisement) (*Receiver, error) {
	if len(adv.ResourceHash) != ResourceHashLength {
		return nil, fmt.Errorf("resource: advertisement resource_hash has wrong length")
	}
	r := &Receiver{
		randomHash: append([]byte(nil), adv.RandomHash...),
		flags:      adv.Flags,
		totalParts: adv.Parts,
		parts:      make(map[string][]byte),
	}
	copy(r.resourceHash[:], adv.ResourceHash)
	copy(r.originalHash[:], adv.OriginalHash)
	if err := r.appendHashmapSegment(adv.SegmentIndex, adv.Hashmap); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplyHashUpdate folds in a later hash-map segment pushed by the sender.
func (r *Receiver) ApplyHashUpdate(resourceHash [ResourceHashLength]byte, segment uint32, hashmap []byte) error {
	if resourceHash != r.resourceHash {
		return fmt.Errorf("resource: hash update for a different transfer")
	}
	return r.appendHashmapSegment(segment, hashmap)
}

func (r *Receiver) appendHashmapSegment(segment uint32, hashmap []byte) error {
	if len(hashmap)%MapHashLength != 0 {
		return fmt.Errorf("resource: hashmap segment is not a multiple of %d bytes", MapHashLength)
	}
	want := int(segment) * HashmapMaxLen
	for len(r.mapHashes) < want {
		// Segments must arrive in order; callers that request them
		// out-of-order would corrupt positional part indexing, so this
		// never happens when BuildRequest drives segment progression.
		return fmt.Errorf("resource: hashmap segment %d arrived before its predecessor", segment)
	}
	for off := 0; off < len(hashmap); off += MapHashLength {
		r.mapHashes = append(r.mapHashes, append([]byte(nil), hashmap[off:off+MapHashLength]...))
	}
	return nil
}

// ResourceHash returns the transfer's identifying hash.
func (r *Receiver) ResourceHash() [ResourceHashLength]byte { return r.resourceHash }

// BuildRequest picks up to Window unseen map hashes to pull next. If the
// receiver's known hash-map doesn't yet cover every part, it sets
// HashmapExhausted and reports the last known map hash so the sender knows
// to push the next segment.
func (r *Receiver) BuildRequest() Request {
	var unseen [][]byte
	for _, mh := range r.mapHashes {
		if _, have := r.parts[string(mh)]; have {
			continue
		}
		unseen = append(unseen, mh)
		if len(unseen) == Window {
			break
		}
	}

	req := Request{
		ResourceHash:       r.resourceHash[:],
		RequestedMapHashes: unseen,
	}
	if uint32(len(r.mapHashes)) < r.totalParts {
		req.HashmapExhausted = true
		if len(r.mapHashes) > 0 {
			req.LastMapHash = r.mapHashes[len(r.mapHashes)-1]
		}
	}
	return req
}

// ReceivePart verifies and stores one arrived part, keyed by its computed
// map hash. It is a no-op (not an error) if the part's hash isn't one the
// receiver is expecting, since a duplicate or stray retransmission is
// harmless.
func (r *Receiver) ReceivePart(part []byte) {
	mh := mapHash(part, r.randomHash)
	for _, known := range r.mapHashes {
		if string(known) == string(mh) {
			r.parts[string(mh)] = append([]byte(nil), part...)
			return
		}
	}
}

// IsComplete reports whether every part of the transfer has arrived.
func (r *Receiver) IsComplete() bool {
	return uint32(len(r.mapHashes)) >= r.totalParts && uint32(len(r.parts)) >= r.totalParts
}

// Finalize decrypts the assembled ciphertext, strips the duplicated
// random-hash prefix, separates any metadata, and verifies the resource
// hash. On success it returns the payload, optional metadata, and the
// proof to send back to the sender.
func (r *Receiver) Finalize(dec Decryptor) (payload, metadata []byte, proof [ProofLength]byte, err error) {
	if !r.IsComplete() {
		return nil, nil, proof, ErrIncomplete
	}

	ciphertext := make([]byte, 0)
	for _, mh := range r.mapHashes {
		ciphertext = append(ciphertext, r.parts[string(mh)]...)
	}

	plaintext, err := dec.Decrypt(ciphertext)
	if err != nil {
		return nil, nil, proof, fmt.Errorf("resource: decrypt: %w", err)
	}
	if len(plaintext) < RandHashLength {
		return nil, nil, proof, fmt.Errorf("resource: decrypted payload shorter than random hash prefix")
	}
	gotRandom := plaintext[:RandHashLength]
	combined := plaintext[RandHashLength:]
	if string(gotRandom) != string(r.randomHash) {
		return nil, nil, proof, fmt.Errorf("resource: random hash prefix mismatch after decrypt")
	}

	gotResourceHash := sha256.Sum256(append(append([]byte(nil), combined...), r.randomHash...))
	if gotResourceHash != r.resourceHash {
		return nil, nil, proof, ErrHashMismatch
	}

	if r.flags&FlagMetadata != 0 {
		if len(combined) < metadataLenFieldSize {
			return nil, nil, proof, fmt.Errorf("resource: combined payload shorter than metadata length field")
		}
		n := int(combined[0])<<16 | int(combined[1])<<8 | int(combined[2])
		if metadataLenFieldSize+n > len(combined) {
			return nil, nil, proof, fmt.Errorf("resource: metadata length field exceeds payload")
		}
		metadata = append([]byte(nil), combined[metadataLenFieldSize:metadataLenFieldSize+n]...)
		payload = append([]byte(nil), combined[metadataLenFieldSize+n:]...)
	} else {
		payload = append([]byte(nil), combined...)
	}

	proof = sha256.Sum256(append(append([]byte(nil), combined...), r.resourceHash[:]...))
	return payload, metadata, proof, nil
}

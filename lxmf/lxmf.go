// Package lxmf implements Reticulum's message layer: a signed, MessagePack
// envelope addressed by 16-byte destination/source hashes, with a relaxed,
// diagnostics-producing decode ladder for payloads that arrive without the
// exact expected framing.
//
// The "try several candidate parses, keep the first that parses, record
// every rejection" shape is grounded on the teacher's descriptor.go, which
// tries base64.RawStdEncoding before falling back to base64.StdEncoding
// when parsing a textual descriptor; here the candidates are wire framings
// rather than encodings, but the trial-then-fallback discipline is the
// same.
package lxmf

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rns-mesh/reticulum-go/identity"
)

const (
	destHashLen       = identity.AddressHashLength
	sourceHashLen     = identity.AddressHashLength
	wireSignatureLen  = ed25519.SignatureSize
	minWireRaw        = destHashLen + sourceHashLen + wireSignatureLen
	minWireNoDestHash = sourceHashLen + wireSignatureLen
)

// Message is an LXMF message's application-visible content: a timestamp, a
// title and content (accepted as either text or binary on decode, always
// emitted as binary on encode), an optional field map, and an optional
// trailing stamp excluded from both the message id and the signature.
type Message struct {
	Timestamp float64
	Title     []byte
	Content   []byte
	Fields    Fields
	Stamp     interface{}
	HasStamp  bool
}

// Envelope is a fully decoded (or about-to-be-encoded) LXMF wire message,
// plus the exact signed-message bytes needed to verify it against the
// claimed sender's identity.
type Envelope struct {
	DestinationHash identity.AddressHash
	SourceHash      identity.AddressHash
	Signature       [wireSignatureLen]byte
	// SignedMessage is destination_hash || source_hash || msgpack_payload
	// without the trailing stamp — exactly what the signature covers.
	SignedMessage []byte
	MessageID     string
	Msg           Message
}

// Verify checks the envelope's signature against the claimed sender's
// Ed25519 public key, using the same domain-separated pre-hash as
// identity.LXMFSign.
func (e Envelope) Verify(pub ed25519.PublicKey) bool {
	return identity.LXMFVerify(pub, e.SignedMessage, e.Signature[:])
}

// BuildWire signs and serializes msg as an LXMF wire message from source to
// destination, returning the wire bytes and the hex message id.
func BuildWire(priv *identity.PrivateIdentity, destHash, sourceHash identity.AddressHash, msg Message) ([]byte, string, error) {
	wireFields, err := fieldsToWire(msg.Fields)
	if err != nil {
		return nil, "", err
	}

	base := []interface{}{msg.Timestamp, msg.Title, msg.Content, wireFieldsValue(wireFields)}
	payloadWithoutStamp, err := msgpack.Marshal(base)
	if err != nil {
		return nil, "", fmt.Errorf("lxmf: encode payload: %w", err)
	}

	signedMessage := make([]byte, 0, destHashLen+sourceHashLen+len(payloadWithoutStamp))
	signedMessage = append(signedMessage, destHash.Bytes()...)
	signedMessage = append(signedMessage, sourceHash.Bytes()...)
	signedMessage = append(signedMessage, payloadWithoutStamp...)

	sum := sha256.Sum256(signedMessage)
	messageID := hex.EncodeToString(sum[:])
	sig := priv.LXMFSign(signedMessage)

	payload := payloadWithoutStamp
	if msg.HasStamp {
		withStamp := []interface{}{msg.Timestamp, msg.Title, msg.Content, wireFieldsValue(wireFields), msg.Stamp}
		payload, err = msgpack.Marshal(withStamp)
		if err != nil {
			return nil, "", fmt.Errorf("lxmf: encode payload with stamp: %w", err)
		}
	}

	wire := make([]byte, 0, destHashLen+sourceHashLen+wireSignatureLen+len(payload))
	wire = append(wire, destHash.Bytes()...)
	wire = append(wire, sourceHash.Bytes()...)
	wire = append(wire, sig[:]...)
	wire = append(wire, payload...)
	return wire, messageID, nil
}

// DecodeWire parses buf against the relaxed decode ladder: the standard
// layout first, then one with a redundant leading destination-hash prefix,
// then one with no destination-hash field at all (falling back to
// fallbackDestination, typically the link or resource context the bytes
// arrived on). It returns the first candidate that parses successfully
// together with a diagnostics trail of every rejected candidate; if none
// parse, the returned error wraps that trail.
func DecodeWire(buf []byte, fallbackDestination *identity.AddressHash) (Envelope, []string, error) {
	var diagnostics []string

	attempts := []struct {
		name string
		fn   func() (Envelope, error)
	}{
		{"raw", func() (Envelope, error) { return decodeRawLayout(buf) }},
		{"destination_prefixed", func() (Envelope, error) {
			if len(buf) < destHashLen {
				return Envelope{}, fmt.Errorf("too short for a redundant destination prefix")
			}
			return decodeRawLayout(buf[destHashLen:])
		}},
		{"raw_without_destination_prefix", func() (Envelope, error) {
			return decodeWithoutDestination(buf, fallbackDestination)
		}},
	}

	for _, a := range attempts {
		env, err := a.fn()
		if err == nil {
			return env, diagnostics, nil
		}
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", a.name, err))
	}
	return Envelope{}, diagnostics, fmt.Errorf("lxmf: no decode candidate succeeded: %v", diagnostics)
}

func decodeRawLayout(buf []byte) (Envelope, error) {
	if len(buf) < minWireRaw {
		return Envelope{}, fmt.Errorf("truncated: %d bytes, need at least %d", len(buf), minWireRaw)
	}
	var destHash, sourceHash identity.AddressHash
	copy(destHash[:], buf[0:destHashLen])
	copy(sourceHash[:], buf[destHashLen:destHashLen+sourceHashLen])
	var sig [wireSignatureLen]byte
	copy(sig[:], buf[destHashLen+sourceHashLen:destHashLen+sourceHashLen+wireSignatureLen])
	payload := buf[destHashLen+sourceHashLen+wireSignatureLen:]
	return buildEnvelope(destHash, sourceHash, sig, payload)
}

func decodeWithoutDestination(buf []byte, fallback *identity.AddressHash) (Envelope, error) {
	if fallback == nil {
		return Envelope{}, fmt.Errorf("no fallback destination available for a prefix-less payload")
	}
	if len(buf) < minWireNoDestHash {
		return Envelope{}, fmt.Errorf("truncated: %d bytes, need at least %d", len(buf), minWireNoDestHash)
	}
	var sourceHash identity.AddressHash
	copy(sourceHash[:], buf[0:sourceHashLen])
	var sig [wireSignatureLen]byte
	copy(sig[:], buf[sourceHashLen:sourceHashLen+wireSignatureLen])
	payload := buf[sourceHashLen+wireSignatureLen:]
	return buildEnvelope(*fallback, sourceHash, sig, payload)
}

func buildEnvelope(destHash, sourceHash identity.AddressHash, sig [wireSignatureLen]byte, payload []byte) (Envelope, error) {
	var rawArr []interface{}
	if err := msgpack.Unmarshal(payload, &rawArr); err != nil {
		return Envelope{}, fmt.Errorf("msgpack decode: %w", err)
	}
	if len(rawArr) != 4 && len(rawArr) != 5 {
		return Envelope{}, fmt.Errorf("payload array has %d elements, want 4 or 5", len(rawArr))
	}

	msg, err := messageFromRaw(rawArr)
	if err != nil {
		return Envelope{}, err
	}

	withoutStamp, err := msgpack.Marshal(rawArr[:4])
	if err != nil {
		return Envelope{}, fmt.Errorf("re-encode payload without stamp: %w", err)
	}

	signedMessage := make([]byte, 0, destHashLen+sourceHashLen+len(withoutStamp))
	signedMessage = append(signedMessage, destHash.Bytes()...)
	signedMessage = append(signedMessage, sourceHash.Bytes()...)
	signedMessage = append(signedMessage, withoutStamp...)
	sum := sha256.Sum256(signedMessage)

	return Envelope{
		DestinationHash: destHash,
		SourceHash:      sourceHash,
		Signature:       sig,
		SignedMessage:   signedMessage,
		MessageID:       hex.EncodeToString(sum[:]),
		Msg:             msg,
	}, nil
}

func messageFromRaw(rawArr []interface{}) (Message, error) {
	ts, err := toFloat64(rawArr[0])
	if err != nil {
		return Message{}, fmt.Errorf("timestamp: %w", err)
	}
	title, err := toBytesRelaxed(rawArr[1])
	if err != nil {
		return Message{}, fmt.Errorf("title: %w", err)
	}
	content, err := toBytesRelaxed(rawArr[2])
	if err != nil {
		return Message{}, fmt.Errorf("content: %w", err)
	}
	fields, err := fieldsFromRaw(rawArr[3])
	if err != nil {
		return Message{}, fmt.Errorf("fields: %w", err)
	}

	msg := Message{Timestamp: ts, Title: title, Content: content, Fields: fields}
	if len(rawArr) == 5 {
		msg.Stamp = rawArr[4]
		msg.HasStamp = true
	}
	return msg, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func toBytesRelaxed(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case []byte:
		return s, nil
	case string:
		return []byte(s), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// Package link implements Reticulum's authenticated, encrypted session
// state machine: a Pending link exchanges an ephemeral X25519 handshake and
// a signed proof, and on success becomes Active, after which Data packets
// flow under the derived Fernet key until the link is Closed.
//
// The mutex discipline (a read-side lock guarding decrypt state separately
// from a write-side lock guarding encrypt/send state) and the dispatch-loop
// shape are grounded on the teacher's circuit.Circuit (rmu/wmu) and
// circuit/relay.go's EncryptRelay/DecryptRelay split.
package link

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/rns-mesh/reticulum-go/fernet"
	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/packet"
)

// State is a link's position in the Pending -> Active -> Closed state
// machine.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Errors returned by link operations, named after the spec's closed
// outcome vocabulary.
var (
	ErrTimedOut           = errors.New("link: activation timed out")
	ErrAlreadyActive      = errors.New("link: already active")
	ErrClosed             = errors.New("link: closed")
	ErrCiphertextTooLarge = errors.New("link: ciphertext too large for one packet")
	ErrEncryptFailed      = errors.New("link: encrypt failed")
	ErrInvalidProof       = errors.New("link: invalid proof")
	ErrNotPending         = errors.New("link: not pending")
)

// EventKind names the three events a Link broadcasts.
type EventKind int

const (
	EventActivated EventKind = iota
	EventData
	EventClosed
)

// Event is a single broadcast notification from a Link.
type Event struct {
	Kind    EventKind
	Payload []byte
	Reason  error
}

// maxSubscriberBacklog bounds each subscriber channel; a slow subscriber
// drops events rather than blocking the link's dispatch path.
const maxSubscriberBacklog = 16

// Link is one authenticated, encrypted session between two destinations.
type Link struct {
	id identity.AddressHash

	mu          sync.Mutex // protects state, closeReason
	state       State
	closeReason error

	rmu sync.Mutex // protects decrypt-side key material
	wmu sync.Mutex // protects encrypt-side key material

	key     fernet.Key
	haveKey bool

	subsMu sync.Mutex
	subs   []chan Event
}

// ID returns the link's 16-byte id, used as the destination field of every
// packet exchanged over it.
func (l *Link) ID() identity.AddressHash { return l.id }

// State returns the link's current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribe returns a new bounded event channel. Subscribe before issuing a
// LinkRequest to avoid missing the eventual Activated event; on lag, poll
// State() instead of relying on delivery.
func (l *Link) Subscribe() <-chan Event {
	ch := make(chan Event, maxSubscriberBacklog)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()
	return ch
}

func (l *Link) broadcast(ev Event) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is lagging; drop rather than block the link.
		}
	}
}

// WaitActive blocks until the link becomes Active, is Closed, or ctx is
// done, whichever comes first. Callers should bound ctx to the spec's
// default activation deadlines (20s for normal delivery, 1s in tests).
func (l *Link) WaitActive(ctx context.Context) error {
	if l.State() == StateActive {
		return nil
	}
	sub := l.Subscribe()
	if l.State() == StateActive {
		return nil
	}
	for {
		select {
		case ev := <-sub:
			switch ev.Kind {
			case EventActivated:
				return nil
			case EventClosed:
				if ev.Reason != nil {
					return ev.Reason
				}
				return ErrClosed
			}
		case <-ctx.Done():
			return ErrTimedOut
		}
	}
}

// RequestHandshake holds the requester-side ephemeral key pending a proof.
type RequestHandshake struct {
	ephPriv [identity.PublicKeyLength]byte
	ephPub  [identity.PublicKeyLength]byte
	target  identity.Identity
}

// NewRequester starts a Pending link to target, generating a fresh
// ephemeral X25519 key pair. It returns the Link, the LinkRequest payload
// to broadcast (the ephemeral public key), and the handshake state needed
// by HandleProof. ratchet, if non-nil, is the destination's most recently
// announced forward-secrecy ratchet and is folded in as additional HKDF
// salt.
func NewRequester(rng io.Reader, linkID identity.AddressHash, target identity.Identity, ratchet *[32]byte) (*Link, []byte, *RequestHandshake, error) {
	var ephPriv [identity.PublicKeyLength]byte
	if _, err := io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, nil, nil, fmt.Errorf("link: generate ephemeral key: %w", err)
	}
	return newRequesterWithEphPriv(linkID, ephPriv, target, ratchet)
}

// NewRequesterDeriveID behaves like NewRequester, but derives the link id
// from the ephemeral public key itself (DeriveLinkID) instead of taking one
// as a parameter, so a requester and the responder it has never spoken to
// before agree on the same id without an extra round trip to exchange it.
func NewRequesterDeriveID(rng io.Reader, target identity.Identity, ratchet *[32]byte) (*Link, []byte, *RequestHandshake, error) {
	var ephPriv [identity.PublicKeyLength]byte
	if _, err := io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, nil, nil, fmt.Errorf("link: generate ephemeral key: %w", err)
	}
	ephPubSlice, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("link: derive ephemeral public key: %w", err)
	}
	var ephPub [identity.PublicKeyLength]byte
	copy(ephPub[:], ephPubSlice)
	return newRequesterWithEphPriv(DeriveLinkID(ephPub), ephPriv, target, ratchet)
}

func newRequesterWithEphPriv(linkID identity.AddressHash, ephPriv [identity.PublicKeyLength]byte, target identity.Identity, ratchet *[32]byte) (*Link, []byte, *RequestHandshake, error) {
	ephPubSlice, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("link: derive ephemeral public key: %w", err)
	}
	var ephPub [identity.PublicKeyLength]byte
	copy(ephPub[:], ephPubSlice)

	var salt []byte
	if ratchet != nil {
		salt = ratchet[:]
	}
	keyMaterial, err := identity.DeriveKeyRaw(ephPriv, target.X25519Pub, salt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("link: derive shared key: %w", err)
	}
	key, err := fernet.NewKey(keyMaterial)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("link: build fernet key: %w", err)
	}

	l := &Link{id: linkID, state: StatePending, key: key, haveKey: true}
	hs := &RequestHandshake{ephPriv: ephPriv, ephPub: ephPub, target: target}
	return l, ephPub[:], hs, nil
}

// NewResponder handles an incoming LinkRequest on the destination side: it
// parses the requester's ephemeral public key, derives the same shared
// key, and produces a signed Proof payload.
func NewResponder(local *identity.PrivateIdentity, linkID identity.AddressHash, requestPayload []byte, ratchet *[32]byte) (*Link, []byte, error) {
	if len(requestPayload) != identity.PublicKeyLength {
		return nil, nil, fmt.Errorf("link: malformed link request payload: %d bytes", len(requestPayload))
	}
	var ephPub [identity.PublicKeyLength]byte
	copy(ephPub[:], requestPayload)

	var salt []byte
	if ratchet != nil {
		salt = ratchet[:]
	}
	keyMaterial, err := local.DeriveKey(ephPub, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("link: derive shared key: %w", err)
	}
	key, err := fernet.NewKey(keyMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("link: build fernet key: %w", err)
	}

	proofMsg := proofMessage(linkID, ephPub)
	sig := local.Sign(proofMsg)

	l := &Link{id: linkID, state: StateActive, key: key, haveKey: true}
	return l, sig[:], nil
}

func proofMessage(linkID identity.AddressHash, ephPub [identity.PublicKeyLength]byte) []byte {
	out := make([]byte, 0, identity.AddressHashLength+identity.PublicKeyLength)
	out = append(out, linkID.Bytes()...)
	out = append(out, ephPub[:]...)
	return out
}

// HandleProof verifies an incoming Proof packet's signature against the
// handshake state captured by NewRequester and, if valid, activates the
// link. The first valid proof wins; subsequent calls are no-ops (late
// proofs are dropped).
func (l *Link) HandleProof(hs *RequestHandshake, proof []byte) error {
	l.mu.Lock()
	if l.state != StatePending {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	msg := proofMessage(l.id, hs.ephPub)
	if !hs.target.Verify(msg, proof) {
		return ErrInvalidProof
	}

	l.mu.Lock()
	if l.state != StatePending {
		l.mu.Unlock()
		return nil
	}
	l.state = StateActive
	l.mu.Unlock()

	l.broadcast(Event{Kind: EventActivated})
	return nil
}

// Close transitions the link to Closed and broadcasts a Closed event. It is
// safe to call multiple times; only the first call has effect.
func (l *Link) Close(reason error) {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.closeReason = reason
	l.mu.Unlock()

	l.broadcast(Event{Kind: EventClosed, Reason: reason})
}

// CloseReason returns the reason the link closed, or nil if it has not
// closed or closed without an explicit reason.
func (l *Link) CloseReason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeReason
}

// Encrypt wraps the link's Fernet key around bytes, for use directly by
// Resource transfers that manage their own packet framing.
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if !l.haveKey {
		return nil, ErrClosed
	}
	token, err := fernet.Encrypt(l.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	return token, nil
}

// Decrypt reverses Encrypt.
func (l *Link) Decrypt(token []byte) ([]byte, error) {
	l.rmu.Lock()
	defer l.rmu.Unlock()
	if !l.haveKey {
		return nil, ErrClosed
	}
	return fernet.Decrypt(l.key, token)
}

// DataPacket encrypts payload under the link's current key and wraps it in
// a Data packet addressed to this link's id.
func (l *Link) DataPacket(payload []byte) (packet.Packet, error) {
	if len(payload) > packet.LXMFMaxPayload {
		return packet.Packet{}, ErrCiphertextTooLarge
	}
	token, err := l.Encrypt(payload)
	if err != nil {
		return packet.Packet{}, err
	}
	if len(token) > packet.PacketMDU {
		return packet.Packet{}, ErrCiphertextTooLarge
	}

	return packet.Packet{
		Header: packet.Header{
			Type:            packet.HeaderType1,
			Propagation:     packet.PropagationBroadcast,
			DestinationType: packet.DestinationLink,
			PacketType:      packet.PacketData,
		},
		Destination: [packet.AddressLength]byte(l.id),
		Context:     packet.ContextNone,
		Data:        token,
	}, nil
}

// HandleDataPacket decrypts an inbound Data packet addressed to this link,
// broadcasts an EventData carrying the plaintext, and returns it. Per the
// transport's single-dispatcher design, this is the only place a Data
// packet destined for a link is decoded; link.Link never independently
// re-decodes one, and transport uses the returned plaintext to route by
// packet context without needing a second decrypt.
func (l *Link) HandleDataPacket(p packet.Packet) ([]byte, error) {
	if l.State() != StateActive {
		return nil, ErrClosed
	}
	plaintext, err := l.Decrypt(p.Data)
	if err != nil {
		return nil, err
	}
	l.broadcast(Event{Kind: EventData, Payload: plaintext})
	return plaintext, nil
}

// RandomLinkID generates a fresh random 16-byte link id.
func RandomLinkID() (identity.AddressHash, error) {
	var id identity.AddressHash
	if _, err := rand.Read(id[:]); err != nil {
		return identity.AddressHash{}, fmt.Errorf("link: generate link id: %w", err)
	}
	return id, nil
}

// DeriveLinkID computes the link id a LinkRequest's ephemeral public key
// deterministically implies, so both sides agree on the id without an
// extra round trip: SHA-256(ephPub)[0:16].
func DeriveLinkID(ephPub [identity.PublicKeyLength]byte) identity.AddressHash {
	sum := sha256.Sum256(ephPub[:])
	var out identity.AddressHash
	copy(out[:], sum[:identity.AddressHashLength])
	return out
}

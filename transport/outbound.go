package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rns-mesh/reticulum-go/iface"
	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/link"
	"github.com/rns-mesh/reticulum-go/packet"
)

// SendPacketOutcome names the result of one outbound send attempt.
type SendPacketOutcome int

const (
	SentDirect SendPacketOutcome = iota
	SentBroadcast
	DroppedMissingDestinationIdentity
	DroppedCiphertextTooLarge
	DroppedEncryptFailed
	DroppedNoRoute
)

func (o SendPacketOutcome) String() string {
	switch o {
	case SentDirect:
		return "sent_direct"
	case SentBroadcast:
		return "sent_broadcast"
	case DroppedMissingDestinationIdentity:
		return "dropped_missing_destination_identity"
	case DroppedCiphertextTooLarge:
		return "dropped_ciphertext_too_large"
	case DroppedEncryptFailed:
		return "dropped_encrypt_failed"
	case DroppedNoRoute:
		return "dropped_no_route"
	default:
		return "unknown"
	}
}

// Success reports whether the outcome counts as a delivered send, as
// opposed to any of the four Dropped* outcomes.
func (o SendPacketOutcome) Success() bool {
	return o == SentDirect || o == SentBroadcast
}

// SendPacket encodes and routes p: direct to directIface if non-empty and
// reachable, else broadcast to every registered interface. If wantReceipt
// is set, the returned packet hash is registered so a later non-link Proof
// addressed to it surfaces as a DeliveryReceipt.
func (t *Transport) SendPacket(p packet.Packet, directIface string, wantReceipt bool) (SendPacketOutcome, identity.AddressHash, error) {
	var hash identity.AddressHash
	if wantReceipt {
		hash = packetHash(p)
		t.receiptsMu.Lock()
		t.receipts[hash] = &pendingReceipt{createdAt: time.Now()}
		t.receiptsMu.Unlock()
	}

	encoded, err := packet.Encode(p)
	if err != nil {
		if wantReceipt {
			t.receiptsMu.Lock()
			delete(t.receipts, hash)
			t.receiptsMu.Unlock()
		}
		if errors.Is(err, packet.ErrTooLarge) {
			return DroppedCiphertextTooLarge, hash, err
		}
		return DroppedEncryptFailed, hash, err
	}

	trace := t.mgr.SendPacket(encoded, directIface)
	switch trace.Outcome {
	case iface.TraceDirect:
		return SentDirect, hash, nil
	case iface.TraceBroadcast:
		return SentBroadcast, hash, nil
	default:
		if wantReceipt {
			t.receiptsMu.Lock()
			delete(t.receipts, hash)
			t.receiptsMu.Unlock()
		}
		return DroppedNoRoute, hash, nil
	}
}

// RequestPath broadcasts a path request for targetHash via viaIface (pass ""
// to broadcast on every interface). maxHops is carried as the request's
// single data byte; handlePathRequest does not read it.
// Per the Non-goal excluding multi-hop retransmit optimization, only the
// destination's owner answers — this transport never relays someone else's
// path request onward.
func (t *Transport) RequestPath(targetHash identity.AddressHash, viaIface string, maxHops uint8) error {
	p := packet.Packet{
		Header: packet.Header{
			Type:            packet.HeaderType1,
			Propagation:     packet.PropagationBroadcast,
			DestinationType: packet.DestinationPlain,
			PacketType:      packet.PacketData,
			HasContext:      true,
		},
		Destination: [packet.AddressLength]byte(targetHash),
		Context:     packet.ContextPathRequest,
		Data:        []byte{maxHops},
	}
	_, _, err := t.SendPacket(p, viaIface, false)
	return err
}

// SendViaLink sends payload to targetHash over an authenticated link,
// opening one (and waiting for it to activate) if none is already active.
// It returns DroppedMissingDestinationIdentity if no path table entry names
// an identity for targetHash, DroppedEncryptFailed with link.ErrTimedOut if
// the link cannot activate within ctx's deadline, or the link's own send
// outcome.
// Only SentDirect and SentBroadcast count as success.
func (t *Transport) SendViaLink(ctx context.Context, targetHash identity.AddressHash, payload []byte) (SendPacketOutcome, error) {
	entry, ok := t.Path(targetHash)
	if !ok {
		return DroppedMissingDestinationIdentity, nil
	}

	lnk := t.activeLinkTo(targetHash)
	if lnk == nil {
		var err error
		lnk, err = t.openLink(ctx, targetHash, entry)
		if err != nil {
			return DroppedEncryptFailed, err
		}
	}

	dataPacket, err := lnk.DataPacket(payload)
	if err != nil {
		if errors.Is(err, link.ErrCiphertextTooLarge) {
			return DroppedCiphertextTooLarge, err
		}
		return DroppedEncryptFailed, err
	}

	outcome, _, err := t.SendPacket(dataPacket, entry.NextIface, false)
	return outcome, err
}

func (t *Transport) activeLinkTo(targetHash identity.AddressHash) *link.Link {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	linkID, ok := t.linksByDest[targetHash]
	if !ok {
		return nil
	}
	lnk := t.links[linkID]
	if lnk == nil || lnk.State() == link.StateClosed {
		return nil
	}
	return lnk
}

func (t *Transport) openLink(ctx context.Context, targetHash identity.AddressHash, entry PathEntry) (*link.Link, error) {
	lnk, ephPub, hs, err := link.NewRequesterDeriveID(rand.Reader, entry.Identity, entry.Ratchet)
	if err != nil {
		return nil, fmt.Errorf("transport: open link: %w", err)
	}
	linkID := lnk.ID()

	t.linksMu.Lock()
	t.links[linkID] = lnk
	t.linksByDest[targetHash] = linkID
	t.pendingHandshakes[linkID] = hs
	t.linksMu.Unlock()

	reqPacket := packet.Packet{
		Header: packet.Header{
			Type:            packet.HeaderType1,
			Propagation:     packet.PropagationBroadcast,
			DestinationType: packet.DestinationSingle,
			PacketType:      packet.PacketLinkRequest,
		},
		Destination: [packet.AddressLength]byte(targetHash),
		Data:        ephPub,
	}
	if _, _, err := t.SendPacket(reqPacket, entry.NextIface, false); err != nil {
		return nil, fmt.Errorf("transport: send link request: %w", err)
	}

	if err := lnk.WaitActive(ctx); err != nil {
		return nil, err
	}
	return lnk, nil
}

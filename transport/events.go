package transport

import (
	"github.com/rns-mesh/reticulum-go/destination"
	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/packet"
)

// EventKind names the kinds of notifications a Transport broadcasts,
// mirroring link.Link's own Subscribe/broadcast shape one layer up.
type EventKind int

const (
	EventAnnounce EventKind = iota
	EventReceivedData
	EventResourceData
	EventDeliveryReceipt
)

// AnnounceEvent carries a validated inbound announce and the path
// information it was heard with.
type AnnounceEvent struct {
	Info destination.AnnounceInfo
	Iface string
	Hops  uint8
}

// DeliveryReceipt reports the outcome of a non-link Proof correlated
// against a previously sent packet's packet_hash.
type DeliveryReceipt struct {
	PacketHash identity.AddressHash
	Delivered  bool
	Reason     string
}

// Event is a single broadcast notification from a Transport.
type Event struct {
	Kind     EventKind
	Announce *AnnounceEvent
	Receipt  *DeliveryReceipt
	LinkID   identity.AddressHash
	Context  packet.Context
	Payload  []byte
}

// maxSubscriberBacklog bounds each subscriber channel; a slow subscriber
// drops events rather than blocking dispatch, the same trade-off
// link.Link's own broadcast makes.
const maxSubscriberBacklog = 64

// Subscribe returns a new bounded event channel fed by every future
// Announce, ReceivedData, ResourceData, and DeliveryReceipt event.
func (t *Transport) Subscribe() <-chan Event {
	ch := make(chan Event, maxSubscriberBacklog)
	t.subsMu.Lock()
	t.subs = append(t.subs, ch)
	t.subsMu.Unlock()
	return ch
}

func (t *Transport) broadcast(ev Event) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

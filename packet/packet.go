// Package packet implements Reticulum's wire packet codec: a compact
// bit-packed header, optional IFAC tag, optional transport id, a
// destination address, an optional context byte, and a data payload. The
// codec is bit-exact: decode(encode(p)) == p and encode(decode(b)) == b.
//
// Layout mirrors the teacher's cell.Cell: a fixed small header followed by
// a payload, with IsVariableLength-style branching replaced here by
// HeaderType-driven branching (does this packet carry a transport id?).
package packet

import (
	"fmt"

	"github.com/rns-mesh/reticulum-go/fernet"
)

// HeaderType selects whether a transport id precedes the destination.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // no transport id
	HeaderType2 HeaderType = 1 // transport id present
)

// PropagationType distinguishes a packet broadcast on the local medium from
// one being relayed by a transport instance.
type PropagationType uint8

const (
	PropagationBroadcast PropagationType = 0
	PropagationTransport PropagationType = 1
)

// DestinationType names the four destination address kinds.
type DestinationType uint8

const (
	DestinationSingle DestinationType = 0
	DestinationGroup  DestinationType = 1
	DestinationPlain  DestinationType = 2
	DestinationLink   DestinationType = 3
)

func (d DestinationType) String() string {
	switch d {
	case DestinationSingle:
		return "single"
	case DestinationGroup:
		return "group"
	case DestinationPlain:
		return "plain"
	case DestinationLink:
		return "link"
	default:
		return fmt.Sprintf("destination_type(%d)", uint8(d))
	}
}

// PacketType names the four packet kinds.
type PacketType uint8

const (
	PacketData        PacketType = 0
	PacketAnnounce    PacketType = 1
	PacketLinkRequest PacketType = 2
	PacketProof       PacketType = 3
)

func (p PacketType) String() string {
	switch p {
	case PacketData:
		return "data"
	case PacketAnnounce:
		return "announce"
	case PacketLinkRequest:
		return "link_request"
	case PacketProof:
		return "proof"
	default:
		return fmt.Sprintf("packet_type(%d)", uint8(p))
	}
}

// Context is a closed set of single-byte payload context markers.
type Context uint8

const (
	ContextNone                    Context = 0x00
	ContextResource                Context = 0x01
	ContextResourceAdvertisement   Context = 0x02
	ContextResourceRequest         Context = 0x03
	ContextResourceHashUpdate      Context = 0x04
	ContextResourceProof           Context = 0x05
	ContextResourceInitiatorCancel Context = 0x06
	ContextResourceReceiverCancel  Context = 0x07
	ContextKeepAlive               Context = 0x08
	ContextPathResponse            Context = 0x09
	ContextLinkIdentify            Context = 0x0A
	ContextLinkClose               Context = 0x0B
	// ContextPathRequest is not in the narrative context list but falls
	// within the enum's documented "…" extension room: a path request is
	// wire-distinct from its PathResponse-context announce reply.
	ContextPathRequest Context = 0x0C
)

const (
	// AddressLength is the width, in bytes, of a destination address or
	// link id or transport id field.
	AddressLength = 16

	// PacketMDU is the maximum transmission unit for a packet's data
	// field, after accounting for encryption overhead.
	PacketMDU = 464

	// FernetOverhead and FernetMaxPadding re-exported here so LXMF_MAX_PAYLOAD
	// can be computed in one place without importing fernet at every call
	// site.
	FernetOverhead   = fernet.FernetOverhead
	FernetMaxPadding = fernet.FernetMaxPadding

	// LXMFMaxPayload is the largest payload slice that fits a single
	// packet once Fernet encryption overhead is subtracted.
	LXMFMaxPayload = PacketMDU - FernetOverhead - FernetMaxPadding
)

// ErrTooLarge is returned when encoding a packet whose data exceeds
// PacketMDU. Decode never returns it; an IFAC length that runs past the
// buffer is reported as ErrTruncated.
var ErrTooLarge = fmt.Errorf("packet: data exceeds PACKET_MDU (%d bytes)", PacketMDU)

// ErrTruncated is returned when a buffer ends before the header says it
// should.
var ErrTruncated = fmt.Errorf("packet: truncated buffer")

// Header holds the bit-packed flags byte plus the hops byte that follows
// it on the wire.
type Header struct {
	IFAC            bool
	Type            HeaderType
	HasContext      bool
	Propagation     PropagationType
	DestinationType DestinationType
	PacketType      PacketType
	Hops            uint8
}

// Packet is a fully decoded Reticulum wire packet.
type Packet struct {
	Header        Header
	IFACTag       []byte          // present iff Header.IFAC
	TransportID   [AddressLength]byte // present iff Header.Type == HeaderType2
	HasTransport  bool
	Destination   [AddressLength]byte
	Context       Context
	Data          []byte
}

// flagsByte packs the header's boolean/enum fields into one byte. Bit
// layout (MSB first): [7]=IFAC [6]=HeaderType [5]=PacketType.hi
// [4]=ContextFlag [3]=PropagationType [2..1]=DestinationType [0]=PacketType.lo.
// This reassigns bit widths from the narrative field list so that every
// multi-value enum (packet type, destination type) gets the bits its
// cardinality actually needs, while staying within a single byte.
func (h Header) flagsByte() byte {
	var b byte
	if h.IFAC {
		b |= 1 << 7
	}
	b |= byte(h.Type&0x1) << 6
	pt := byte(h.PacketType & 0x3)
	b |= (pt >> 1) << 5
	if h.HasContext {
		b |= 1 << 4
	}
	b |= byte(h.Propagation&0x1) << 3
	b |= byte(h.DestinationType&0x3) << 1
	b |= pt & 0x1
	return b
}

func headerFromFlagsByte(b byte, hops byte) Header {
	ptHi := (b >> 5) & 0x1
	ptLo := b & 0x1
	return Header{
		IFAC:            b&(1<<7) != 0,
		Type:            HeaderType((b >> 6) & 0x1),
		PacketType:      PacketType(ptHi<<1 | ptLo),
		HasContext:      b&(1<<4) != 0,
		Propagation:     PropagationType((b >> 3) & 0x1),
		DestinationType: DestinationType((b >> 1) & 0x3),
		Hops:            hops,
	}
}

// Encode serializes a Packet to its bit-exact wire form.
func Encode(p Packet) ([]byte, error) {
	if len(p.Data) > PacketMDU {
		return nil, ErrTooLarge
	}
	if len(p.IFACTag) > 255 {
		return nil, fmt.Errorf("packet: ifac tag too large: %d bytes", len(p.IFACTag))
	}

	size := 2 // flags + hops
	if p.Header.IFAC {
		size += 1 + len(p.IFACTag)
	}
	if p.Header.Type == HeaderType2 {
		size += AddressLength
	}
	size += AddressLength // destination
	if p.Header.HasContext {
		size++
	}
	size += len(p.Data)

	out := make([]byte, 0, size)
	out = append(out, p.Header.flagsByte(), p.Header.Hops)
	if p.Header.IFAC {
		out = append(out, byte(len(p.IFACTag)))
		out = append(out, p.IFACTag...)
	}
	if p.Header.Type == HeaderType2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.Destination[:]...)
	if p.Header.HasContext {
		out = append(out, byte(p.Context))
	}
	out = append(out, p.Data...)
	return out, nil
}

// Decode parses a buffer produced by Encode. It never allocates more than
// the buffer provides and rejects truncated input.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return Packet{}, ErrTruncated
	}
	hdr := headerFromFlagsByte(buf[0], buf[1])
	off := 2

	var p Packet
	p.Header = hdr

	if hdr.IFAC {
		if off >= len(buf) {
			return Packet{}, ErrTruncated
		}
		n := int(buf[off])
		off++
		if off+n > len(buf) {
			return Packet{}, ErrTruncated
		}
		p.IFACTag = append([]byte(nil), buf[off:off+n]...)
		off += n
	}

	if hdr.Type == HeaderType2 {
		if off+AddressLength > len(buf) {
			return Packet{}, ErrTruncated
		}
		copy(p.TransportID[:], buf[off:off+AddressLength])
		p.HasTransport = true
		off += AddressLength
	}

	if off+AddressLength > len(buf) {
		return Packet{}, ErrTruncated
	}
	copy(p.Destination[:], buf[off:off+AddressLength])
	off += AddressLength

	if hdr.HasContext {
		if off >= len(buf) {
			return Packet{}, ErrTruncated
		}
		p.Context = Context(buf[off])
		off++
	}

	p.Data = append([]byte(nil), buf[off:]...)
	return p, nil
}

// FragmentForLXMF slices payload into pieces no larger than
// LXMFMaxPayload, for reassembly at the LXMF layer. An empty payload
// yields a single empty piece, matching the degenerate case of the
// ceiling-division invariant (ceil(0/N) would be 0, but callers expect at
// least one piece to carry "an empty message").
func FragmentForLXMF(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(payload); off += LXMFMaxPayload {
		end := off + LXMFMaxPayload
		if end > len(payload) {
			end = len(payload)
		}
		piece := append([]byte(nil), payload[off:end]...)
		out = append(out, piece)
	}
	return out
}

// ReassembleLXMF concatenates fragments produced by FragmentForLXMF.
func ReassembleLXMF(pieces [][]byte) []byte {
	total := 0
	for _, p := range pieces {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out
}

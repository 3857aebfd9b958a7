package packet

import (
	"bytes"
	"testing"
)

func sampleDestination(b byte) [AddressLength]byte {
	var d [AddressLength]byte
	for i := range d {
		d[i] = b
	}
	return d
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		{
			Header: Header{
				Type:            HeaderType1,
				DestinationType: DestinationSingle,
				PacketType:      PacketData,
				Hops:            0,
			},
			Destination: sampleDestination(0xAA),
			Data:        []byte("hello"),
		},
		{
			Header: Header{
				IFAC:            true,
				Type:            HeaderType2,
				HasContext:      true,
				Propagation:     PropagationTransport,
				DestinationType: DestinationLink,
				PacketType:      PacketProof,
				Hops:            7,
			},
			IFACTag:      []byte{0x01, 0x02, 0x03},
			TransportID:  sampleDestination(0xBB),
			HasTransport: true,
			Destination:  sampleDestination(0xCC),
			Context:      ContextResourceProof,
			Data:         bytes.Repeat([]byte{0x42}, 100),
		},
		{
			Header: Header{
				Type:            HeaderType1,
				DestinationType: DestinationGroup,
				PacketType:      PacketAnnounce,
			},
			Destination: sampleDestination(0x00),
			Data:        nil,
		},
		{
			Header: Header{
				Type:            HeaderType1,
				DestinationType: DestinationPlain,
				PacketType:      PacketLinkRequest,
				HasContext:      true,
			},
			Destination: sampleDestination(0x11),
			Context:     ContextKeepAlive,
			Data:        []byte{},
		},
	}

	for i, want := range cases {
		encoded, err := Encode(want)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if got.Header != want.Header {
			t.Fatalf("case %d: header mismatch: got %+v, want %+v", i, got.Header, want.Header)
		}
		if !bytes.Equal(got.IFACTag, want.IFACTag) {
			t.Fatalf("case %d: ifac tag mismatch", i)
		}
		if want.Header.Type == HeaderType2 && got.TransportID != want.TransportID {
			t.Fatalf("case %d: transport id mismatch", i)
		}
		if got.Destination != want.Destination {
			t.Fatalf("case %d: destination mismatch", i)
		}
		if want.Header.HasContext && got.Context != want.Context {
			t.Fatalf("case %d: context mismatch", i)
		}
		if !bytes.Equal(got.Data, want.Data) && !(len(got.Data) == 0 && len(want.Data) == 0) {
			t.Fatalf("case %d: data mismatch: got %x, want %x", i, got.Data, want.Data)
		}

		reencoded, err := Encode(got)
		if err != nil {
			t.Fatalf("case %d: re-Encode: %v", i, err)
		}
		if !bytes.Equal(reencoded, encoded) {
			t.Fatalf("case %d: encode(decode(b)) != b", i)
		}
	}
}

func TestEncodeRejectsOversizedData(t *testing.T) {
	p := Packet{
		Header: Header{
			Type:            HeaderType1,
			DestinationType: DestinationSingle,
			PacketType:      PacketData,
		},
		Destination: sampleDestination(0x01),
		Data:        bytes.Repeat([]byte{0}, PacketMDU+1),
	}
	if _, err := Encode(p); err == nil {
		t.Fatalf("expected ErrTooLarge")
	}
}

func TestDecodeRejectsTruncatedBuffers(t *testing.T) {
	for _, n := range []int{0, 1} {
		if _, err := Decode(make([]byte, n)); err == nil {
			t.Fatalf("expected truncation error for length %d", n)
		}
	}

	// Header claims HeaderType2 (transport id present) plus destination,
	// but buffer only has header+hops.
	buf := []byte{headerType2Flags(), 0}
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected truncation error decoding a short type-2 header")
	}
}

func headerType2Flags() byte {
	h := Header{Type: HeaderType2, DestinationType: DestinationSingle, PacketType: PacketData}
	return h.flagsByte()
}

func TestLXMFMaxPayloadInvariant(t *testing.T) {
	want := PacketMDU - FernetOverhead - FernetMaxPadding
	if LXMFMaxPayload != want {
		t.Fatalf("LXMFMaxPayload = %d, want %d", LXMFMaxPayload, want)
	}
}

func TestFragmentForLXMFRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 50) // 800 bytes
	pieces := FragmentForLXMF(payload)

	wantPieces := (len(payload) + LXMFMaxPayload - 1) / LXMFMaxPayload
	if len(pieces) != wantPieces {
		t.Fatalf("got %d pieces, want %d", len(pieces), wantPieces)
	}
	for i, piece := range pieces {
		if len(piece) > LXMFMaxPayload {
			t.Fatalf("piece %d exceeds LXMFMaxPayload: %d bytes", i, len(piece))
		}
	}
	if got := ReassembleLXMF(pieces); !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestFragmentForLXMFEmptyPayload(t *testing.T) {
	pieces := FragmentForLXMF(nil)
	if len(pieces) != 1 || len(pieces[0]) != 0 {
		t.Fatalf("expected a single empty piece, got %v", pieces)
	}
}

func TestFragmentForLXMFExactMultiple(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7}, LXMFMaxPayload)
	pieces := FragmentForLXMF(payload)
	if len(pieces) != 1 {
		t.Fatalf("expected exactly one piece for a payload of size LXMFMaxPayload, got %d", len(pieces))
	}
}

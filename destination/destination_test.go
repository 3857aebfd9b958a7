package destination

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/packet"
)

func TestBuildAnnounceValidatesRoundTrip(t *testing.T) {
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	name := NewDestinationName("example", "test.aspect")
	desc := NewDesc(priv.AsIdentity(), name)

	appData := []byte("hello mesh")
	p, err := BuildAnnounce(rand.Reader, priv, desc, appData, nil)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}

	info, err := Validate(p)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if info.Ratchet != nil {
		t.Fatalf("expected no ratchet")
	}
	if !bytes.Equal(info.AppData, appData) {
		t.Fatalf("app data mismatch: got %q, want %q", info.AppData, appData)
	}
	if info.Destination.AddressHash != desc.AddressHash {
		t.Fatalf("address hash mismatch")
	}
}

func TestBuildAnnounceWithRatchetValidates(t *testing.T) {
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	name := NewDestinationName("example", "ratcheted")
	desc := NewDesc(priv.AsIdentity(), name)

	var ratchet [RatchetLength]byte
	if _, err := rand.Read(ratchet[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	p, err := BuildAnnounce(rand.Reader, priv, desc, nil, &ratchet)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}

	info, err := Validate(p)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if info.Ratchet == nil {
		t.Fatalf("expected a ratchet")
	}
	if *info.Ratchet != ratchet {
		t.Fatalf("ratchet mismatch")
	}
}

func TestValidateSameDestinationRepeatedly(t *testing.T) {
	// Invariant: for all valid announces produced by BuildAnnounce,
	// Validate succeeds and returns the same output destination.
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	name := NewDestinationName("example", "repeat")
	desc := NewDesc(priv.AsIdentity(), name)

	for i := 0; i < 5; i++ {
		p, err := BuildAnnounce(rand.Reader, priv, desc, []byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("BuildAnnounce: %v", err)
		}
		info, err := Validate(p)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if info.Destination.AddressHash != desc.AddressHash {
			t.Fatalf("iteration %d: address hash changed", i)
		}
	}
}

func TestValidateRejectsTamperedAppData(t *testing.T) {
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	name := NewDestinationName("example", "tamper")
	desc := NewDesc(priv.AsIdentity(), name)

	p, err := BuildAnnounce(rand.Reader, priv, desc, []byte("original"), nil)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}
	p.Data[len(p.Data)-1] ^= 0xFF

	if _, err := Validate(p); err == nil {
		t.Fatalf("expected Validate to reject tampered app data")
	}
}

func TestValidateRejectsNonAnnouncePacket(t *testing.T) {
	p := packet.Packet{
		Header: packet.Header{PacketType: packet.PacketData},
		Data:   bytes.Repeat([]byte{0}, MinAnnounceDataLength),
	}
	if _, err := Validate(p); err != ErrNotAnnounce {
		t.Fatalf("got err %v, want ErrNotAnnounce", err)
	}
}

func TestValidateRejectsShortData(t *testing.T) {
	p := packet.Packet{
		Header: packet.Header{PacketType: packet.PacketAnnounce},
		Data:   bytes.Repeat([]byte{0}, MinAnnounceDataLength-1),
	}
	if _, err := Validate(p); err != ErrOutOfMemory {
		t.Fatalf("got err %v, want ErrOutOfMemory", err)
	}
}

func TestBuildPathResponseSetsContext(t *testing.T) {
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	name := NewDestinationName("example", "path")
	desc := NewDesc(priv.AsIdentity(), name)

	p, err := BuildPathResponse(rand.Reader, priv, desc, nil, nil)
	if err != nil {
		t.Fatalf("BuildPathResponse: %v", err)
	}
	if !p.Header.HasContext || p.Context != packet.ContextPathResponse {
		t.Fatalf("expected PathResponse context, got %+v / %v", p.Header, p.Context)
	}
	if _, err := Validate(p); err != nil {
		t.Fatalf("Validate(path response): %v", err)
	}
}

package link

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rns-mesh/reticulum-go/identity"
)

func TestHandshakeActivatesAndExchangesData(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}

	requester, reqPayload, hs, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), nil)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	if requester.State() != StatePending {
		t.Fatalf("requester should start Pending")
	}

	responder, proof, err := NewResponder(targetPriv, linkID, reqPayload, nil)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if responder.State() != StateActive {
		t.Fatalf("responder should be Active immediately")
	}

	sub := requester.Subscribe()
	if err := requester.HandleProof(hs, proof); err != nil {
		t.Fatalf("HandleProof: %v", err)
	}
	if requester.State() != StateActive {
		t.Fatalf("requester did not activate")
	}

	select {
	case ev := <-sub:
		if ev.Kind != EventActivated {
			t.Fatalf("expected EventActivated, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Activated event")
	}

	// The two sides must have derived the same Fernet key: a message
	// encrypted by one decrypts cleanly under the other.
	msg := []byte("hello over the link")
	p, err := requester.DataPacket(msg)
	if err != nil {
		t.Fatalf("DataPacket: %v", err)
	}
	sub2 := responder.Subscribe()
	if _, err := responder.HandleDataPacket(p); err != nil {
		t.Fatalf("HandleDataPacket: %v", err)
	}
	select {
	case ev := <-sub2:
		if ev.Kind != EventData || !bytes.Equal(ev.Payload, msg) {
			t.Fatalf("unexpected data event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Data event")
	}
}

func TestHandleProofRejectsBadSignature(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}

	requester, _, hs, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), nil)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}

	badProof := make([]byte, 64)
	if err := requester.HandleProof(hs, badProof); err != ErrInvalidProof {
		t.Fatalf("got err %v, want ErrInvalidProof", err)
	}
	if requester.State() != StatePending {
		t.Fatalf("link should remain Pending after a bad proof")
	}
}

func TestLateProofIsDropped(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}

	requester, reqPayload, hs, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), nil)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	_, proof, err := NewResponder(targetPriv, linkID, reqPayload, nil)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	if err := requester.HandleProof(hs, proof); err != nil {
		t.Fatalf("first HandleProof: %v", err)
	}
	requester.Close(nil)

	// A second proof arriving after close must not reactivate or panic.
	if err := requester.HandleProof(hs, proof); err != nil {
		t.Fatalf("late HandleProof returned error instead of no-op: %v", err)
	}
	if requester.State() != StateClosed {
		t.Fatalf("late proof reopened a closed link")
	}
}

func TestWaitActiveTimesOut(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}
	requester, _, _, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), nil)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := requester.WaitActive(ctx); err != ErrTimedOut {
		t.Fatalf("got err %v, want ErrTimedOut", err)
	}
}

func TestDataPacketRejectsOversizedPayload(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}
	requester, _, _, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), nil)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}

	oversized := bytes.Repeat([]byte{0}, 10_000)
	if _, err := requester.DataPacket(oversized); err != ErrCiphertextTooLarge {
		t.Fatalf("got err %v, want ErrCiphertextTooLarge", err)
	}
}

func TestRatchetSaltMustMatchOnBothSides(t *testing.T) {
	targetPriv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	linkID, err := RandomLinkID()
	if err != nil {
		t.Fatalf("RandomLinkID: %v", err)
	}

	var ratchet [32]byte
	if _, err := rand.Read(ratchet[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	requester, reqPayload, hs, err := NewRequester(rand.Reader, linkID, targetPriv.AsIdentity(), &ratchet)
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	responder, proof, err := NewResponder(targetPriv, linkID, reqPayload, &ratchet)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	if err := requester.HandleProof(hs, proof); err != nil {
		t.Fatalf("HandleProof: %v", err)
	}

	msg := []byte("ratcheted payload")
	p, err := requester.DataPacket(msg)
	if err != nil {
		t.Fatalf("DataPacket: %v", err)
	}
	got, err := responder.Decrypt(p.Data)
	if err != nil {
		t.Fatalf("responder failed to decrypt with matching ratchet salt: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("decrypted payload mismatch")
	}
}

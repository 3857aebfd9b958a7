package fernet

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomKey(t *testing.T) Key {
	t.Helper()
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	k, err := NewKey(material)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := randomKey(t)
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte("x"), 15),
		bytes.Repeat([]byte("y"), 16),
		bytes.Repeat([]byte("z"), 17),
		bytes.Repeat([]byte("q"), 464),
	}
	for _, pt := range cases {
		token, err := Encrypt(k, pt)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(pt), err)
		}
		got, err := Decrypt(k, token)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(pt), err)
		}
		if !bytes.Equal(got, pt) && !(len(got) == 0 && len(pt) == 0) {
			t.Fatalf("round trip mismatch: got %x, want %x", got, pt)
		}
	}
}

func TestEncryptProducesDistinctTokens(t *testing.T) {
	k := randomKey(t)
	pt := []byte("same plaintext")
	t1, err := Encrypt(k, pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	t2, err := Encrypt(k, pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(t1, t2) {
		t.Fatalf("two encryptions of the same plaintext produced identical tokens")
	}
}

func TestVerifyRejectsTamperedMAC(t *testing.T) {
	k := randomKey(t)
	token, err := Encrypt(k, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := bytes.Clone(token)
	tampered[len(tampered)-1] ^= 0xFF

	if err := Verify(k, tampered); err == nil {
		t.Fatalf("Verify accepted a tampered token")
	}
	if _, err := Decrypt(k, tampered); err == nil {
		t.Fatalf("Decrypt accepted a tampered token")
	}
}

func TestVerifyRejectsTamperedCiphertext(t *testing.T) {
	k := randomKey(t)
	token, err := Encrypt(k, []byte("hello world, this is a longer message"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := bytes.Clone(token)
	tampered[IVSize] ^= 0x01

	if err := Verify(k, tampered); err == nil {
		t.Fatalf("Verify accepted a token with tampered ciphertext")
	}
}

func TestDecryptRejectsShortBuffer(t *testing.T) {
	k := randomKey(t)
	if _, err := Decrypt(k, make([]byte, 4)); err == nil {
		t.Fatalf("expected error decrypting an undersized buffer")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	k1 := randomKey(t)
	k2 := randomKey(t)
	token, err := Encrypt(k1, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(k2, token); err == nil {
		t.Fatalf("Decrypt succeeded with the wrong key")
	}
}

func TestNewKeyRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewKey(make([]byte, n)); err == nil {
			t.Fatalf("expected error for key material length %d", n)
		}
	}
}

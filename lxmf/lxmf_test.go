package lxmf

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/rns-mesh/reticulum-go/identity"
)

func mustIdentity(t *testing.T) *identity.PrivateIdentity {
	t.Helper()
	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return priv
}

func pubKeyOf(priv *identity.PrivateIdentity) ed25519.PublicKey {
	return priv.SignKey().Public().(ed25519.PublicKey)
}

func TestBuildAndDecodeWireRoundTrips(t *testing.T) {
	source := mustIdentity(t)
	destHash := identity.AddressHash{0xAA}
	sourceHash := source.AsIdentity().AddressHash()

	msg := Message{
		Timestamp: 1700000000.5,
		Title:     []byte("hello"),
		Content:   []byte("world"),
		Fields:    Fields{"0": "a", "note": "b"},
	}

	wire, messageID, err := BuildWire(source, destHash, sourceHash, msg)
	if err != nil {
		t.Fatalf("BuildWire: %v", err)
	}
	if messageID == "" {
		t.Fatalf("expected non-empty message id")
	}

	env, diagnostics, err := DecodeWire(wire, nil)
	if err != nil {
		t.Fatalf("DecodeWire: %v (diagnostics: %v)", err, diagnostics)
	}
	if len(diagnostics) != 0 {
		t.Fatalf("expected the raw layout to succeed on the first try, got diagnostics: %v", diagnostics)
	}
	if env.MessageID != messageID {
		t.Fatalf("message id mismatch: build=%s decode=%s", messageID, env.MessageID)
	}
	if env.DestinationHash != destHash || env.SourceHash != sourceHash {
		t.Fatalf("hash mismatch")
	}
	if !env.Verify(pubKeyOf(source)) {
		t.Fatalf("signature did not verify")
	}
	if string(env.Msg.Title) != "hello" || string(env.Msg.Content) != "world" {
		t.Fatalf("title/content mismatch: %+v", env.Msg)
	}
	if env.Msg.Fields["0"] != "a" || env.Msg.Fields["note"] != "b" {
		t.Fatalf("fields mismatch: %+v", env.Msg.Fields)
	}
}

func TestBuildAndDecodeWireWithStampExcludedFromSignature(t *testing.T) {
	source := mustIdentity(t)
	destHash := identity.AddressHash{0xBB}
	sourceHash := source.AsIdentity().AddressHash()

	msg := Message{
		Timestamp: 42,
		Title:     []byte("t"),
		Content:   []byte("c"),
		Stamp:     []byte{1, 2, 3, 4},
		HasStamp:  true,
	}

	wire, messageID, err := BuildWire(source, destHash, sourceHash, msg)
	if err != nil {
		t.Fatalf("BuildWire: %v", err)
	}

	env, _, err := DecodeWire(wire, nil)
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if env.MessageID != messageID {
		t.Fatalf("message id should be unaffected by presence of stamp")
	}
	if !env.Verify(pubKeyOf(source)) {
		t.Fatalf("signature did not verify")
	}
	if !env.Msg.HasStamp {
		t.Fatalf("expected stamp to be decoded")
	}
}

func TestDecodeWireAcceptsRedundantDestinationPrefix(t *testing.T) {
	source := mustIdentity(t)
	destHash := identity.AddressHash{0xCC}
	sourceHash := source.AsIdentity().AddressHash()

	msg := Message{Timestamp: 1, Title: []byte("a"), Content: []byte("b")}
	wire, messageID, err := BuildWire(source, destHash, sourceHash, msg)
	if err != nil {
		t.Fatalf("BuildWire: %v", err)
	}

	prefixed := append(append([]byte{}, destHash.Bytes()...), wire...)

	env, diagnostics, err := DecodeWire(prefixed, nil)
	if err != nil {
		t.Fatalf("DecodeWire: %v (diagnostics: %v)", err, diagnostics)
	}
	if len(diagnostics) != 1 {
		t.Fatalf("expected exactly the raw candidate to have been rejected first, got: %v", diagnostics)
	}
	if env.MessageID != messageID {
		t.Fatalf("message id mismatch")
	}
}

func TestDecodeWireFallsBackWithoutDestinationPrefix(t *testing.T) {
	source := mustIdentity(t)
	destHash := identity.AddressHash{0xDD}
	sourceHash := source.AsIdentity().AddressHash()

	msg := Message{Timestamp: 1, Title: []byte("a"), Content: []byte("b")}
	wire, _, err := BuildWire(source, destHash, sourceHash, msg)
	if err != nil {
		t.Fatalf("BuildWire: %v", err)
	}

	withoutDest := wire[destHashLen:]

	_, diagnostics, err := DecodeWire(withoutDest, nil)
	if err == nil {
		t.Fatalf("expected failure without a fallback destination")
	}
	if len(diagnostics) != 3 {
		t.Fatalf("expected all three candidates to be attempted and recorded, got: %v", diagnostics)
	}

	env, diagnostics, err := DecodeWire(withoutDest, &destHash)
	if err != nil {
		t.Fatalf("DecodeWire with fallback: %v (diagnostics: %v)", err, diagnostics)
	}
	if env.DestinationHash != destHash {
		t.Fatalf("expected fallback destination to be used")
	}
	if !env.Verify(pubKeyOf(source)) {
		t.Fatalf("signature did not verify")
	}
}

func TestDecodeWireRejectsGarbageWithDiagnostics(t *testing.T) {
	_, diagnostics, err := DecodeWire([]byte{1, 2, 3}, nil)
	if err == nil {
		t.Fatalf("expected an error for undersized garbage input")
	}
	if len(diagnostics) == 0 {
		t.Fatalf("expected rejected candidates to be recorded, not silently dropped")
	}
}

func TestNormalizeFieldsPromotesAttachmentAlias(t *testing.T) {
	in := Fields{"attachments": []interface{}{
		[]interface{}{"a.txt", []byte("hi")},
	}}
	out, err := NormalizeFields(in)
	if err != nil {
		t.Fatalf("NormalizeFields: %v", err)
	}
	list, ok := out[attachmentsKey].([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("expected one normalized attachment under key 5, got %+v", out)
	}
	if _, stillAliased := out["attachments"]; stillAliased {
		t.Fatalf("alias key should have been removed after promotion")
	}
}

func TestNormalizeFieldsHexAndBase64Attachments(t *testing.T) {
	in := Fields{attachmentsKey: []interface{}{
		[]interface{}{"hex.bin", "68656c6c6f"},
		[]interface{}{"b64.bin", "aGVsbG8="},
		map[string]interface{}{"name": "map.bin", "data": "hex:68656c6c6f"},
	}}
	out, err := NormalizeFields(in)
	if err != nil {
		t.Fatalf("NormalizeFields: %v", err)
	}
	list := out[attachmentsKey].([]interface{})
	if len(list) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(list))
	}
	for _, entry := range list {
		pair := entry.([]interface{})
		data := pair[1].([]byte)
		if string(data) != "hello" {
			t.Fatalf("expected decoded attachment data %q, got %q", "hello", data)
		}
	}
}

func TestNormalizeFieldsDropsAmbiguousAttachmentButKeepsPrefixedOne(t *testing.T) {
	in := Fields{attachmentsKey: []interface{}{
		[]interface{}{"ambiguous.bin", "deadbeef"},
		[]interface{}{"explicit-hex.bin", "hex:deadbeef"},
	}}
	out, err := NormalizeFields(in)
	if err != nil {
		t.Fatalf("NormalizeFields: %v", err)
	}
	list, ok := out[attachmentsKey].([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("expected the ambiguous entry dropped and only the prefixed one kept, got %+v", out[attachmentsKey])
	}
	pair := list[0].([]interface{})
	if pair[0].(string) != "explicit-hex.bin" {
		t.Fatalf("expected surviving entry to be explicit-hex.bin, got %v", pair[0])
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if !bytes.Equal(pair[1].([]byte), want) {
		t.Fatalf("expected decoded data %v, got %v", want, pair[1])
	}
}

func TestNormalizeFieldsDropsInvalidEntryKeepsTheRest(t *testing.T) {
	in := Fields{"attachments": []interface{}{
		map[string]interface{}{"filename": "hex.bin", "data": "0a0b0c"},
		map[string]interface{}{"name": "b64.bin", "data": "AQID"},
		map[string]interface{}{"name": "bad", "data": "zz"},
	}}
	out, err := NormalizeFields(in)
	if err != nil {
		t.Fatalf("NormalizeFields: %v", err)
	}
	list, ok := out[attachmentsKey].([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("expected the invalid entry dropped, leaving 2 attachments, got %+v", out[attachmentsKey])
	}
	wantNames := []string{"hex.bin", "b64.bin"}
	wantData := [][]byte{{0x0a, 0x0b, 0x0c}, {1, 2, 3}}
	for i, entry := range list {
		pair := entry.([]interface{})
		if pair[0].(string) != wantNames[i] {
			t.Fatalf("entry %d: expected name %q, got %v", i, wantNames[i], pair[0])
		}
		if !bytes.Equal(pair[1].([]byte), wantData[i]) {
			t.Fatalf("entry %d: expected data %v, got %v", i, wantData[i], pair[1])
		}
	}
}

func TestNormalizeFieldsFallsBackToFilesAliasWhenField5Invalid(t *testing.T) {
	in := Fields{
		attachmentsKey: []interface{}{
			[]interface{}{"bad.bin", "zz"},
		},
		"files": []interface{}{
			[]interface{}{"good.bin", "AQID"},
		},
	}
	out, err := NormalizeFields(in)
	if err != nil {
		t.Fatalf("NormalizeFields: %v", err)
	}
	list, ok := out[attachmentsKey].([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("expected fallback to files alias, got %+v", out[attachmentsKey])
	}
	pair := list[0].([]interface{})
	if pair[0].(string) != "good.bin" {
		t.Fatalf("expected good.bin from files alias, got %v", pair[0])
	}
	if _, stillPresent := out["files"]; stillPresent {
		t.Fatalf("files alias key should have been removed")
	}
}

func TestCanonicalIntKeyRules(t *testing.T) {
	cases := []struct {
		key       string
		wantOK    bool
		wantValue int64
	}{
		{"0", true, 0},
		{"1", true, 1},
		{"-1", true, -1},
		{"01", false, 0},
		{"+1", false, 0},
		{"-01", false, 0},
		{"note", false, 0},
		{"", false, 0},
	}
	for _, c := range cases {
		got, ok := canonicalInt(c.key)
		if ok != c.wantOK {
			t.Errorf("canonicalInt(%q) ok = %v, want %v", c.key, ok, c.wantOK)
			continue
		}
		if ok && got != c.wantValue {
			t.Errorf("canonicalInt(%q) = %d, want %d", c.key, got, c.wantValue)
		}
	}
}

func TestFieldsToWireSplitsIntegerAndStringKeys(t *testing.T) {
	wire, err := fieldsToWire(Fields{"0": "a", "note": "b", "01": "c"})
	if err != nil {
		t.Fatalf("fieldsToWire: %v", err)
	}
	if v, ok := wire[int64(0)]; !ok || v != "a" {
		t.Fatalf("expected key 0 to be an integer key, got %+v", wire)
	}
	if v, ok := wire["note"]; !ok || v != "b" {
		t.Fatalf("expected key note to remain a string key, got %+v", wire)
	}
	if v, ok := wire["01"]; !ok || v != "c" {
		t.Fatalf("expected non-canonical key 01 to remain a string key, got %+v", wire)
	}
}

package lxmf

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Fields is an LXMF message's field map as the rest of this codebase sees
// it: always string-keyed, whatever the wire representation of a given key
// turns out to be. NormalizeFields decides, per key, whether the wire form
// uses a msgpack integer key or a string key.
type Fields map[string]interface{}

// attachmentsKey is LXMF's well-known field 5, "file attachments": an
// array of [filename, data] pairs.
const attachmentsKey = "5"

var attachmentAliases = []string{"attachments", "files"}

// NormalizeFields returns a copy of in with attachment aliases promoted to
// field 5 and attachment entries canonicalized to [filename string, data
// []byte]. It does not mutate in. Invalid individual attachment entries are
// dropped rather than failing the whole message; field 5 is only treated as
// invalid (falling back to the attachments/files alias) when it is absent,
// not a list, or every one of its entries fails to normalize.
func NormalizeFields(in Fields) (Fields, error) {
	if in == nil {
		return nil, nil
	}
	out := make(Fields, len(in))
	for k, v := range in {
		out[k] = v
	}

	if norm, ok := normalizeAttachmentsField(out[attachmentsKey]); ok {
		out[attachmentsKey] = norm
	} else {
		delete(out, attachmentsKey)
		for _, alias := range attachmentAliases {
			v, present := out[alias]
			if !present {
				continue
			}
			delete(out, alias)
			if norm, ok := normalizeAttachmentsField(v); ok {
				out[attachmentsKey] = norm
			}
			break
		}
	}

	return out, nil
}

// normalizeAttachmentsField normalizes a candidate value for field 5: raw
// must be a list, and at least one entry must normalize validly, for the
// result to be usable. Otherwise it reports ok=false so the caller can fall
// back to an alias.
func normalizeAttachmentsField(raw interface{}) ([]interface{}, bool) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]interface{}, 0, len(list))
	for _, entry := range list {
		norm, ok := normalizeAttachmentEntry(entry)
		if !ok {
			continue
		}
		out = append(out, norm)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func normalizeAttachmentEntry(entry interface{}) ([]interface{}, bool) {
	switch e := entry.(type) {
	case []interface{}:
		if len(e) != 2 {
			return nil, false
		}
		name, ok := e[0].(string)
		if !ok {
			return nil, false
		}
		data, ok := normalizeAttachmentData(e[1])
		if !ok {
			return nil, false
		}
		return []interface{}{name, data}, true

	case map[string]interface{}:
		nameRaw, ok := e["filename"]
		if !ok {
			nameRaw, ok = e["name"]
		}
		if !ok {
			return nil, false
		}
		name, ok := nameRaw.(string)
		if !ok {
			return nil, false
		}
		dataRaw, ok := e["data"]
		if !ok {
			return nil, false
		}
		data, ok := normalizeAttachmentData(dataRaw)
		if !ok {
			return nil, false
		}
		return []interface{}{name, data}, true

	default:
		return nil, false
	}
}

// normalizeAttachmentData accepts raw bytes, a decimal byte array, or a
// string that is either hex or base64 (optionally "hex:"/"base64:"
// prefixed). An unprefixed string that parses validly as both hex and
// base64 is rejected as ambiguous rather than guessed at.
func normalizeAttachmentData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case []byte:
		return d, true

	case []interface{}:
		out := make([]byte, len(d))
		for i, x := range d {
			b, err := toByteValue(x)
			if err != nil {
				return nil, false
			}
			out[i] = b
		}
		return out, true

	case string:
		if rest, ok := strings.CutPrefix(d, "hex:"); ok {
			b, err := hex.DecodeString(rest)
			return b, err == nil
		}
		if rest, ok := strings.CutPrefix(d, "base64:"); ok {
			b, err := base64.StdEncoding.DecodeString(rest)
			return b, err == nil
		}

		hexBytes, hexErr := hex.DecodeString(d)
		b64Bytes, b64Err := base64.StdEncoding.DecodeString(d)
		validHex := hexErr == nil
		validB64 := b64Err == nil
		switch {
		case validHex && validB64:
			return nil, false
		case validHex:
			return hexBytes, true
		case validB64:
			return b64Bytes, true
		default:
			return nil, false
		}

	default:
		return nil, false
	}
}

func toByteValue(v interface{}) (byte, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int32:
		n = int64(x)
	case int:
		n = int64(x)
	case uint64:
		n = int64(x)
	case float64:
		n = int64(x)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("value %d out of byte range", n)
	}
	return byte(n), nil
}

// canonicalInt reports whether key is the canonical decimal representation
// of an integer — "0", "1", "-1" qualify, but "01", "+1", and "-01" do not,
// since re-formatting them would not reproduce the original string.
func canonicalInt(key string) (int64, bool) {
	if key == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, false
	}
	if strconv.FormatInt(n, 10) != key {
		return 0, false
	}
	return n, true
}

// fieldsToWire normalizes f and splits its keys into msgpack integer keys
// (for canonical-integer strings) or string keys (everything else).
func fieldsToWire(f Fields) (map[interface{}]interface{}, error) {
	norm, err := NormalizeFields(f)
	if err != nil {
		return nil, err
	}
	if len(norm) == 0 {
		return nil, nil
	}
	wire := make(map[interface{}]interface{}, len(norm))
	for k, v := range norm {
		if n, ok := canonicalInt(k); ok {
			wire[n] = v
		} else {
			wire[k] = v
		}
	}
	return wire, nil
}

// wireFieldsValue adapts a wire field map for inclusion in the positional
// LXMF array: an empty/nil map encodes as msgpack nil, matching the
// "fields: nil|map" wire contract.
func wireFieldsValue(m map[interface{}]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

// fieldsFromRaw converts a decoded msgpack value back into Fields. The
// msgpack library emits map[string]interface{} when every key decoded as a
// string, and map[interface{}]interface{} when any key decoded as an
// integer; both are handled here, with integer keys re-stringified to
// their canonical decimal form.
func fieldsFromRaw(raw interface{}) (Fields, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Fields)
	switch m := raw.(type) {
	case map[string]interface{}:
		for k, v := range m {
			out[k] = v
		}
	case map[interface{}]interface{}:
		for k, v := range m {
			out[stringifyKey(k)] = v
		}
	default:
		return nil, fmt.Errorf("fields has unexpected wire type %T", raw)
	}
	return out, nil
}

func stringifyKey(k interface{}) string {
	switch v := k.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

package packet

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x00, 0x00})
	f.Add(append([]byte{headerType2Flags(), 3}, make([]byte, 32)...))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, buf []byte) {
		p, err := Decode(buf)
		if err != nil {
			return
		}
		encoded, err := Encode(p)
		if err != nil {
			// A decoded packet can still fail to re-encode only if its
			// data exceeds PacketMDU, which Decode never rejects (it has
			// no MDU check of its own, only Encode enforces the limit).
			return
		}
		if _, err := Decode(encoded); err != nil {
			t.Fatalf("re-decoding a freshly encoded packet failed: %v", err)
		}
	})
}

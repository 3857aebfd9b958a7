package resource

import "testing"

func FuzzDecodeAdvertisement(f *testing.F) {
	seed, err := EncodeAdvertisement(Advertisement{
		TransferSize: 1024,
		DataSize:     900,
		Parts:        3,
		RandomHash:   []byte{1, 2, 3, 4},
		ResourceHash: make([]byte, ResourceHashLength),
		OriginalHash: make([]byte, ResourceHashLength),
		Flags:        FlagEncrypted,
		Hashmap:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
	})
	if err != nil {
		f.Fatalf("seed EncodeAdvertisement: %v", err)
	}
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		adv, err := DecodeAdvertisement(data)
		if err != nil {
			return
		}
		if _, err := EncodeAdvertisement(adv); err != nil {
			t.Fatalf("re-encode of a successfully decoded advertisement failed: %v", err)
		}
	})
}

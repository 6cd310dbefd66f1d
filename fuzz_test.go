package owlwhisper

import (
	"crypto/rand"
	"encoding/json"
	"testing"
)

// FuzzOpenPayload throws arbitrary bytes at the AEAD open path: whatever the
// input, it must fail cleanly rather than panic or return unauthenticated
// plaintext out of thin air.
func FuzzOpenPayload(f *testing.F) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		f.Fatal(err)
	}
	sealed, err := sealPayload(key, []byte("seed"))
	if err != nil {
		f.Fatal(err)
	}

	f.Add(sealed)
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add(make([]byte, 11))
	f.Add(make([]byte, 13))

	f.Fuzz(func(t *testing.T, data []byte) {
		plaintext, err := openPayload(key, data)
		if err == nil && string(plaintext) != "seed" {
			t.Fatalf("forged ciphertext accepted: %x", data)
		}
	})
}

// FuzzCidForContent checks the content ID mapping never panics and stays
// deterministic for any input string.
func FuzzCidForContent(f *testing.F) {
	f.Add("plain-identifier")
	f.Add("")
	f.Add("bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy")
	f.Add(string([]byte{0xff, 0xfe, 0x00}))

	f.Fuzz(func(t *testing.T, contentID string) {
		a, errA := cidForContent(contentID)
		b, errB := cidForContent(contentID)
		if (errA == nil) != (errB == nil) {
			t.Fatalf("nondeterministic error for %q", contentID)
		}
		if errA == nil && !a.Equals(b) {
			t.Fatalf("nondeterministic CID for %q: %s vs %s", contentID, a, b)
		}
	})
}

// FuzzWireMessageDecode feeds arbitrary bytes to the chat frame decoder.
func FuzzWireMessageDecode(f *testing.F) {
	valid, _ := json.Marshal(wireMessage{ID: "id", From: "a", To: "b", Ciphertext: "AAAA", Timestamp: 1})
	f.Add(valid)
	f.Add([]byte("{"))
	f.Add([]byte("null"))
	f.Add([]byte(`{"id":123}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var frame wireMessage
		_ = json.Unmarshal(data, &frame) // must never panic
	})
}

// FuzzKeyExchangeFrame feeds arbitrary bytes to the handshake frame decoder.
func FuzzKeyExchangeFrame(f *testing.F) {
	valid, _ := json.Marshal(keyExchangeFrame{Ephemeral: make([]byte, 32), Signature: make([]byte, 64)})
	f.Add(valid)
	f.Add([]byte(`{"ephemeral":"notbase64!!"}`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		var frame keyExchangeFrame
		_ = json.Unmarshal(data, &frame) // must never panic
	})
}

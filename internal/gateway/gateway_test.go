package gateway

import (
	"strings"
	"testing"
)

func TestEncodeNpubHasExpectedPrefixAndLength(t *testing.T) {
	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	got, err := EncodeNpub(pub)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(got, "npub1") {
		t.Errorf("want npub1 prefix, got %s", got)
	}
	// 4-byte hrp folded in, 52 data chars for 256 bits at 5 bits/char, plus 6 checksum chars
	if len(got) != len("npub1")+52+6 {
		t.Errorf("unexpected length %d for %s", len(got), got)
	}
}

func TestEncodeNpubIsDeterministic(t *testing.T) {
	var pub [32]byte
	pub[0] = 1
	a, err := EncodeNpub(pub)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := EncodeNpub(pub)
	if a != b {
		t.Errorf("encoding should be deterministic")
	}
}

func TestEncodeNpubDiffersByKey(t *testing.T) {
	var a, b [32]byte
	b[0] = 1
	encA, _ := EncodeNpub(a)
	encB, _ := EncodeNpub(b)
	if encA == encB {
		t.Error("different keys should encode differently")
	}
}

package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0xfd},
		[]byte("hello"),
	}
	for i := 0; i < 32; i++ {
		buf := make([]byte, rng.Intn(300))
		rng.Read(buf)
		inputs = append(inputs, buf)
	}

	for _, in := range inputs {
		out, err := Decode(Encode(in))
		if err != nil {
			t.Fatalf("decode(%x): %v", in, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round trip mismatch: %x != %x", in, out)
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	out, err := Decode("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", out)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{"%%%", "abc", "a===", "not base64!"} {
		if _, err := Decode(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

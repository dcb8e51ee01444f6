package record

import (
	"bytes"
	"testing"
	"time"
)

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	b := Block{
		DerivedPub: bytes.Repeat([]byte{0x11}, 64),
		Signature:  bytes.Repeat([]byte{0x22}, 65),
		Expiration: time.UnixMicro(1700000000000000).UTC(),
		Ciphertext: []byte("ciphertext-goes-here"),
	}

	got, err := DecodeBlock(EncodeBlock(b))
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if !bytes.Equal(got.DerivedPub, b.DerivedPub) {
		t.Error("derived pub mismatch")
	}
	if !bytes.Equal(got.Signature, b.Signature) {
		t.Error("signature mismatch")
	}
	if !got.Expiration.Equal(b.Expiration) {
		t.Errorf("expiration mismatch: %v != %v", got.Expiration, b.Expiration)
	}
	if !bytes.Equal(got.Ciphertext, b.Ciphertext) {
		t.Error("ciphertext mismatch")
	}
	if got.Query() != b.Query() {
		t.Error("query mismatch after round trip")
	}
}

func TestDecodeBlockTruncated(t *testing.T) {
	b := Block{
		DerivedPub: bytes.Repeat([]byte{0x11}, 64),
		Signature:  bytes.Repeat([]byte{0x22}, 65),
		Expiration: time.Now(),
		Ciphertext: []byte("x"),
	}
	wire := EncodeBlock(b)

	if _, err := DecodeBlock(wire[:5]); err != ErrTruncatedBlock {
		t.Fatalf("expected ErrTruncatedBlock, got %v", err)
	}
}

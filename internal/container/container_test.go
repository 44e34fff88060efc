package container

import (
	"bytes"
	"testing"

	"dedupvol/internal/domain"
)

func TestAppendEncodeDecodeRoundTrip(t *testing.T) {
	id := domain.NewContainerID()
	c := New(id, DefaultSize)

	fp1 := domain.ComputeFingerprint([]byte("chunk-one"))
	fp2 := domain.ComputeFingerprint([]byte("chunk-two"))

	compressed1, err := Encode(CompressionZstd, []byte("chunk-one"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	idx1, err := c.Append(fp1, compressed1, 9, CompressionZstd)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	compressed2, err := Encode(CompressionNone, []byte("chunk-two"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	idx2, err := c.Append(fp2, compressed2, 9, CompressionNone)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	c.Seal()
	raw, err := c.Encode()
	if err != nil {
		t.Fatalf("container encode: %v", err)
	}

	decoded, err := Decode(id, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Items()) != 2 {
		t.Fatalf("expected 2 items, got %d", len(decoded.Items()))
	}

	p1, err := decoded.ItemPayload(idx1)
	if err != nil {
		t.Fatalf("item payload 1: %v", err)
	}
	raw1, err := DecodePayload(CompressionZstd, p1, 9)
	if err != nil {
		t.Fatalf("decode payload 1: %v", err)
	}
	if !bytes.Equal(raw1, []byte("chunk-one")) {
		t.Fatalf("got %q", raw1)
	}

	p2, err := decoded.ItemPayload(idx2)
	if err != nil {
		t.Fatalf("item payload 2: %v", err)
	}
	if !bytes.Equal(p2, []byte("chunk-two")) {
		t.Fatalf("got %q", p2)
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	id := domain.NewContainerID()
	c := New(id, DefaultSize)
	fp := domain.ComputeFingerprint([]byte("x"))
	if _, err := c.Append(fp, []byte("x"), 1, CompressionNone); err != nil {
		t.Fatalf("append: %v", err)
	}
	c.Seal()
	raw, err := c.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF

	if _, err := Decode(id, raw); err != ErrCRCMismatch {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestContainerFullReturnsError(t *testing.T) {
	id := domain.NewContainerID()
	c := New(id, 64) // tiny slab
	fp := domain.ComputeFingerprint([]byte("payload"))
	payload := bytes.Repeat([]byte{0x42}, 128)
	if _, err := c.Append(fp, payload, 128, CompressionNone); err != ErrContainerFull {
		t.Fatalf("expected ErrContainerFull, got %v", err)
	}
}

func TestBZ2Unsupported(t *testing.T) {
	if _, err := Encode(CompressionBZ2, []byte("x")); err != ErrUnsupportedCodec {
		t.Fatalf("expected ErrUnsupportedCodec, got %v", err)
	}
}

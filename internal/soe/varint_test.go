package soe

import "testing"

func TestMultiLengthRoundTrip(t *testing.T) {
	for _, n := range []uint32{1, 2, 0xFE, 0xFF, 0x1234, 0xFFFE, 0x10000, 0x123456} {
		buf := WriteMultiLength(nil, n)
		got, consumed, err := ReadMultiLength(buf)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if consumed != len(buf) {
			t.Fatalf("n=%d: consumed %d, want %d", n, consumed, len(buf))
		}
		if got != n {
			t.Fatalf("n=%d: got %d", n, got)
		}
	}
}

func TestMultiLengthDirectEncodingIsOneByte(t *testing.T) {
	buf := WriteMultiLength(nil, 0x10)
	if len(buf) != 1 || buf[0] != 0x10 {
		t.Fatalf("expected single-byte direct encoding, got % X", buf)
	}
}

func TestMultiLengthTruncated(t *testing.T) {
	if _, _, err := ReadMultiLength(nil); err != ErrVarIntTruncated {
		t.Fatalf("expected truncation error on empty buffer, got %v", err)
	}
	if _, _, err := ReadMultiLength([]byte{0xFF, 0x01}); err != ErrVarIntTruncated {
		t.Fatalf("expected truncation error on short 2-byte continuation, got %v", err)
	}
	if _, _, err := ReadMultiLength([]byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00}); err != ErrVarIntTruncated {
		t.Fatalf("expected truncation error on short 4-byte continuation, got %v", err)
	}
}

func TestBundleLengthRoundTrip(t *testing.T) {
	for _, n := range []uint32{0, 1, 0xFE, 0xFF, 0x1234, 0xFFFE, 0x10000} {
		buf := WriteBundleLength(nil, n)
		got, consumed, err := ReadBundleLength(buf)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if consumed != len(buf) {
			t.Fatalf("n=%d: consumed %d, want %d", n, consumed, len(buf))
		}
		if got != n {
			t.Fatalf("n=%d: got %d", n, got)
		}
	}
}

func TestBundleLengthAllowsZero(t *testing.T) {
	buf := WriteBundleLength(nil, 0)
	if len(buf) != 1 || buf[0] != 0x00 {
		t.Fatalf("expected single zero byte for a zero-length item, got % X", buf)
	}
}

package soe

import "testing"

func TestComputeCRCRoundTrip(t *testing.T) {
	for _, crcLength := range []int{0, 1, 2, 3, 4} {
		payload := []byte("the quick brown fox jumps over the lazy dog")
		framed := AppendCRCTrailer(append([]byte(nil), payload...), 5, crcLength)
		if !VerifyCRCTrailer(framed, 5, crcLength) {
			t.Fatalf("crcLength=%d: expected Valid, got mismatch", crcLength)
		}
	}
}

func TestComputeCRCFlippedBitMismatches(t *testing.T) {
	for _, crcLength := range []int{1, 2, 3, 4} {
		payload := []byte("the quick brown fox jumps over the lazy dog")
		framed := AppendCRCTrailer(append([]byte(nil), payload...), 5, crcLength)
		framed[0] ^= 0x01
		if VerifyCRCTrailer(framed, 5, crcLength) {
			t.Fatalf("crcLength=%d: expected mismatch after bit flip, got Valid", crcLength)
		}
	}
}

func TestVerifyCRCTrailerZeroLengthAlwaysValid(t *testing.T) {
	if !VerifyCRCTrailer([]byte("anything"), 123, 0) {
		t.Fatal("crc_length=0 must always verify true")
	}
}

func TestVerifyCRCTrailerTooShort(t *testing.T) {
	if VerifyCRCTrailer([]byte{0x01}, 5, 2) {
		t.Fatal("expected false for a buffer shorter than crc_length")
	}
}

package soe

import "testing"

func TestPrecedesMatchesModularDefinition(t *testing.T) {
	for s := 0; s < 0x10000; s += 37 {
		for d := 0; d < 0x10000; d += 41 {
			seqS := Sequence(s)
			seqT := Sequence((s + d) % 0x10000)
			want := d < 0x8000
			got := precedes(seqS, seqT)
			if got != want {
				t.Fatalf("precedes(%d, %d): got %v, want %v (delta %d)", seqS, seqT, got, want, d)
			}
		}
	}
}

func TestPrecedesSelfIsTrue(t *testing.T) {
	if !precedes(5, 5) {
		t.Fatal("a sequence's distance to itself is 0 < 2^15, so precedes(s, s) must hold")
	}
}

func TestWithinWindow(t *testing.T) {
	if !withinWindow(10, 10, 5) {
		t.Fatal("start of window must be within it")
	}
	if !withinWindow(14, 10, 5) {
		t.Fatal("last slot of window must be within it")
	}
	if withinWindow(15, 10, 5) {
		t.Fatal("first slot past the window must not be within it")
	}
}

func TestSeqAddWraps(t *testing.T) {
	if seqAdd(0xFFFE, 4) != 2 {
		t.Fatalf("expected wraparound, got %d", seqAdd(0xFFFE, 4))
	}
}

package soe

// Sequence is a 16-bit reliable-data sequence number that wraps at
// 2^16, per spec section 3.
type Sequence uint16

// precedes reports whether a comes at or before b under modular
// sliding-window arithmetic: (b - a) mod 2^16 < 2^15, so precedes(a, a)
// is true. Used throughout
// the input/output channels instead of a plain integer comparison so
// wraparound never produces a false ordering.
func precedes(a, b Sequence) bool {
	return Sequence(b-a) < 0x8000
}

// seqDistance returns (b - a) mod 2^16 as a plain int, i.e. how many
// steps forward from a reach b.
func seqDistance(a, b Sequence) int {
	return int(b - a)
}

// seqAdd returns s advanced by n, wrapping at 2^16.
func seqAdd(s Sequence, n int) Sequence {
	return Sequence(int(s) + n)
}

// withinWindow reports whether seq falls in [start, start+size) modulo
// 2^16.
func withinWindow(seq, start Sequence, size int) bool {
	return seqDistance(start, seq) < size
}

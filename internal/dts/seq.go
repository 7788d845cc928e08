package dts

// Sequence numbers are 8-bit modular with the "distance ≤ 127 forward
// is newer" convention spec.md §4.7 names, which keeps comparisons
// unambiguous as long as no window exceeds 127.

// seqAdd returns (s + n) mod 256.
func seqAdd(s uint8, n int) uint8 {
	return uint8((int(s) + n) & 0xFF)
}

// seqDistance returns how far forward b is from a, mod 256, in
// [0,255]. A distance of 0 means equal.
func seqDistance(a, b uint8) int {
	return int(uint8(b - a))
}

// seqInWindow reports whether s lies in the circular half-open range
// [lwe, uwe) of width ≤ 255.
func seqInWindow(s, lwe, uwe uint8) bool {
	width := seqDistance(lwe, uwe)
	return seqDistance(lwe, s) < width
}

// seqBefore reports whether s is strictly before lwe (already
// acknowledged and delivered, i.e. a retransmission to discard).
func seqBefore(s, lwe uint8) bool {
	// s == lwe is "at" the edge, not before it. A forward distance
	// greater than the window's maximum half of the sequence space
	// means s actually lies behind lwe modulo 256.
	return seqDistance(lwe, s) > MaxWindow
}

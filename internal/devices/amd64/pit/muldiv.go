package pit

import "math/bits"

const (
	// pitFreq is PIT_FREQ, the fixed reference frequency of the 8254's
	// input clock.
	pitFreq = 1_193_182
	// ticksPerSecond is the resolution of the virtual clock this device
	// is driven by.
	ticksPerSecond = 1_000_000_000
)

// muldiv64 computes floor(a*b/c) using a 128-bit intermediate product, so
// it never overflows for any a, b representable in 64 bits as long as the
// quotient itself fits in 64 bits. Every call site in this package
// guarantees a, b, c are non-negative; this is the only arithmetic
// primitive in the time model that can panic, and only on a caller bug.
func muldiv64(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		panic("pit: muldiv64 overflow")
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

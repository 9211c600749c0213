package miner

import "math"

const (
	// Unbounded marks a distance that does not end within the uint64 counter range
	Unbounded = math.MaxUint64

	// fastInputLimit is the longest hash input (including padding) the fast kernel handles
	fastInputLimit = 128
	// paddingBytes is the 0x80 marker plus the 64-bit length field
	paddingBytes = 1 + 8

	// maxCounterDigits is the decimal length of math.MaxUint64
	maxCounterDigits = 20
)

var pow10 = func() (p [maxCounterDigits]uint64) {
	p[0] = 1
	for i := 1; i < len(p); i++ {
		p[i] = p[i-1] * 10
	}
	return p
}()

// DecimalLength returns the number of decimal digits of n (1 for 0)
func DecimalLength(n uint64) int {
	l := 1
	for l < maxCounterDigits && n >= pow10[l] {
		l++
	}
	return l
}

// IsSlowPhase reports whether identity||decimal(counter) no longer fits the fast kernel
func IsSlowPhase(identityLen int, counter uint64) bool {
	return IsSlowPhaseLen(identityLen, DecimalLength(counter))
}

// IsSlowPhaseLen is IsSlowPhase for a counter of the given decimal length
func IsSlowPhaseLen(identityLen, counterLen int) bool {
	return identityLen+counterLen+paddingBytes > fastInputLimit
}

// ItsUntilSlowPhase returns how many counters remain before the slow phase starts.
// It is 0 once the slow phase has been reached.
func ItsUntilSlowPhase(identityLen int, counter uint64) uint64 {
	if IsSlowPhase(identityLen, counter) {
		return 0
	}
	// longest counter that still fits the fast kernel
	maxLen := fastInputLimit - paddingBytes - identityLen
	if maxLen >= maxCounterDigits {
		return Unbounded
	}
	return pow10[maxLen] - counter
}

// ItsConstantCounterLength returns how many counters starting at counter share its
// decimal length.
func ItsConstantCounterLength(counter uint64) uint64 {
	l := DecimalLength(counter)
	if l >= maxCounterDigits {
		return Unbounded
	}
	return pow10[l] - counter
}

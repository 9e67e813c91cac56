package x86

// Bits returns bits hi..lo (inclusive) of v, shifted down to bit 0.
func Bits(v uint64, hi, lo uint) uint64 {
	if hi < lo || hi > 63 {
		panic("invalid bit range")
	}
	width := hi - lo + 1
	if width == 64 {
		return v
	}
	return (v >> lo) & (uint64(1)<<width - 1)
}

// SetBits returns v with bits hi..lo replaced by the low bits of field.
func SetBits(v uint64, hi, lo uint, field uint64) uint64 {
	if hi < lo || hi > 63 {
		panic("invalid bit range")
	}
	width := hi - lo + 1
	mask := ^uint64(0)
	if width < 64 {
		mask = uint64(1)<<width - 1
	}
	return (v &^ (mask << lo)) | ((field & mask) << lo)
}

// Bit reports whether bit n of v is set.
func Bit(v uint64, n uint) bool {
	return v&(uint64(1)<<n) != 0
}

// SetBit returns v with bit n set to on.
func SetBit(v uint64, n uint, on bool) uint64 {
	if on {
		return v | uint64(1)<<n
	}
	return v &^ (uint64(1) << n)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

package x86

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBits(t *testing.T) {
	cases := []struct {
		v      uint64
		hi, lo uint
		want   uint64
	}{
		{0b0000, 0, 0, 0b0},
		{0b1111, 0, 0, 0b1},
		{0b1111, 1, 0, 0b11},
		{0b0101, 3, 0, 0b0101},
		{0b0101, 6, 0, 0b0101},
		{0b1010, 2, 1, 0b01},
		{0b1010, 2, 2, 0b0},
		{0b0110, 2, 1, 0b11},
		{0b1000, 6, 3, 0b1},
		{0b1000, 6, 4, 0b0},
		{^uint64(0), 63, 0, ^uint64(0)},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Bits(c.v, c.hi, c.lo), "bits(%b, %d, %d)", c.v, c.hi, c.lo)
	}
	require.Panics(t, func() { Bits(0, 1, 2) })
}

func TestSetBits(t *testing.T) {
	require.Equal(t, uint64(0b1010), SetBits(0, 3, 1, 0b101))
	require.Equal(t, uint64(0xFFFF_0000_0000_FFFF), SetBits(^uint64(0), 47, 16, 0))
	require.Equal(t, uint64(0xAF), SetBits(0xFF, 7, 4, 0xA))
	require.Equal(t, uint64(0xF5), SetBits(0xFF, 3, 0, 0x15), "field is truncated to the range")
	require.Equal(t, uint64(0x1234), SetBits(0xdead, 63, 0, 0x1234))
	require.True(t, Bit(SetBit(0, 63, true), 63))
	require.False(t, Bit(SetBit(^uint64(0), 5, false), 5))
}

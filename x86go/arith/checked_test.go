package arith

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddFlags(t *testing.T) {
	cases := []struct {
		name          string
		a, b          uint64
		want          uint64
		carry, overfl bool
	}{
		{"positive overflow", 0x7F, 0x7F, 0xFE, false, true},
		{"negative overflow with carry", 0x80, 0x80, 0x00, true, true},
		{"carry only", 0xFF, 0xFF, 0xFE, true, false},
		{"mixed signs carry", 0x7F, 0x82, 0x01, true, false},
		{"no flags", 0x01, 0x02, 0x03, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := AddFlags(New(c.a, Byte), New(c.b, Byte))
			require.Equal(t, c.want, r.Value.Uint64())
			require.Equal(t, c.carry, r.Carry, "carry")
			require.Equal(t, c.overfl, r.Overflow, "overflow")
		})
	}
	t.Run("zero result", func(t *testing.T) {
		r := AddFlags(New(0x10, Byte), New(0xF0, Byte))
		require.True(t, r.Zero())
		require.True(t, r.Carry)
		require.False(t, r.Overflow)
		require.True(t, r.Parity())
	})
}

func TestAddFlagsExhaustiveByte(t *testing.T) {
	for a := uint64(0); a < 256; a++ {
		for b := uint64(0); b < 256; b++ {
			r := AddFlags(New(a, Byte), New(b, Byte))
			sum := a + b
			require.Equal(t, sum >= 256, r.Carry)
			sa, sb, sr := a&0x80 != 0, b&0x80 != 0, sum&0x80 != 0
			require.Equal(t, sa == sb && sr != sa, r.Overflow)
			require.Equal(t, sum&0xFF, r.Value.Uint64())
			require.Equal(t, sr, r.Sign())
		}
	}
}

func TestSubFlags(t *testing.T) {
	r := SubFlags(New(0x00, Byte), New(0x01, Byte))
	require.Equal(t, uint64(0xFF), r.Value.Uint64())
	require.True(t, r.Carry)
	require.False(t, r.Overflow)
	require.True(t, r.Sign())

	r = SubFlags(New(0x80, Byte), New(0x01, Byte))
	require.False(t, r.Carry)
	require.True(t, r.Overflow)

	r = SubFlags(New(5, QWord), New(5, QWord))
	require.True(t, r.Zero())
	require.False(t, r.Carry)

	t.Run("borrow in", func(t *testing.T) {
		r := SubBorrow(New(0, Word), New(0xFFFF, Word), true)
		require.True(t, r.Carry)
		require.Equal(t, uint64(0), r.Value.Uint64())
	})
	t.Run("carry in", func(t *testing.T) {
		r := AddCarry(New(0xFFFF_FFFF, DWord), New(0, DWord), true)
		require.True(t, r.Carry)
		require.True(t, r.Zero())
	})
}

func TestMulFlags(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		p := MulFlags(New(127, Byte), New(2, Byte))
		require.Equal(t, uint64(254), p.Low.Uint64())
		require.False(t, p.Carry)
		require.False(t, p.Overflow)
		require.Equal(t, Word, p.Full.Width())
	})
	t.Run("does not fit", func(t *testing.T) {
		p := MulFlags(New(0x10, Byte), New(0x10, Byte))
		require.Equal(t, uint64(0x100), p.Full.Uint64())
		require.Equal(t, uint64(1), p.High().Uint64())
		require.True(t, p.Carry)
		require.True(t, p.Overflow)
	})
	t.Run("qword", func(t *testing.T) {
		p := MulFlags(New(^uint64(0), QWord), New(2, QWord))
		require.Equal(t, uint64(1), p.High().Uint64())
		require.Equal(t, ^uint64(0)-1, p.Low.Uint64())
		require.Equal(t, DQWord, p.Full.Width())
	})
	t.Run("signed", func(t *testing.T) {
		p := IMulFlags(New(0xFF, Byte), New(0xFF, Byte)) // -1 * -1
		require.Equal(t, uint64(1), p.Low.Uint64())
		require.False(t, p.Overflow)

		p = IMulFlags(New(0x40, Byte), New(2, Byte)) // 64 * 2 = 128 does not fit int8
		require.Equal(t, uint64(0x80), p.Low.Uint64())
		require.True(t, p.Overflow)
		require.True(t, p.Carry)

		p = IMulFlags(New(0xFFFF_FFFF_FFFF_FFFE, QWord), New(3, QWord)) // -2 * 3
		require.Equal(t, uint64(0xFFFF_FFFF_FFFF_FFFA), p.Low.Uint64())
		require.Equal(t, ^uint64(0), p.High().Uint64())
		require.False(t, p.Overflow)
	})
}

func TestCheckedNary(t *testing.T) {
	require.Equal(t, uint64(6), CheckedAdd[uint64](1, 2, 3))
	require.Equal(t, uint8(255), CheckedAdd[uint8](200, 55))
	require.Panics(t, func() { CheckedAdd[uint8](200, 56) })
	require.Panics(t, func() { CheckedAdd[uint64](1) })
	require.Panics(t, func() { CheckedAdd[uint64]() })

	require.Equal(t, uint32(1), CheckedSub[uint32](10, 4, 5))
	require.Panics(t, func() { CheckedSub[uint32](1, 2) })

	require.Equal(t, uint64(4096*512), CheckedMul[uint64](4096, 512))
	require.Equal(t, uint64(0), CheckedMul[uint64](0, ^uint64(0)))
	require.Panics(t, func() { CheckedMul[uint64](1<<32, 1<<32) })
	require.Panics(t, func() { CheckedMul[uint16](3) })
}

func TestDivMod(t *testing.T) {
	t.Run("unsigned", func(t *testing.T) {
		q, r, ok := DivMod(New(0x0107, Word), New(0x10, Byte))
		require.True(t, ok)
		require.Equal(t, uint64(0x10), q.Uint64())
		require.Equal(t, uint64(7), r.Uint64())
		require.Equal(t, Byte, q.Width())

		_, _, ok = DivMod(New(0x1000, Word), New(1, Byte))
		require.False(t, ok, "quotient does not fit")
		_, _, ok = DivMod(New(1, Word), New(0, Byte))
		require.False(t, ok, "division by zero")

		hi, lo := New(1, QWord), New(0, QWord)
		q, r, ok = DivMod(FromHalves(hi, lo), New(1<<32, QWord)) // 2^64 / 2^32
		require.True(t, ok)
		require.Equal(t, uint64(1<<32), q.Uint64())
		require.True(t, r.IsZero())
		require.Panics(t, func() { DivMod(New(1, Word), New(1, Word)) })
	})
	t.Run("signed", func(t *testing.T) {
		q, r, ok := IDivMod(New(0xFFF9, Word), New(2, Byte)) // -7 / 2
		require.True(t, ok)
		require.Equal(t, uint64(0xFD), q.Uint64())
		require.Equal(t, uint64(0xFF), r.Uint64())

		q, _, ok = IDivMod(New(0x0080, Word), New(0xFF, Byte)) // 128 / -1
		require.True(t, ok)
		require.Equal(t, uint64(0x80), q.Uint64())

		_, _, ok = IDivMod(New(0xFF80, Word), New(0xFF, Byte)) // -128 / -1
		require.False(t, ok)
		_, _, ok = IDivMod(New(5, Word), New(0, Byte))
		require.False(t, ok)
	})
}

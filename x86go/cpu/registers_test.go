package cpu

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

func TestRegisterAliases(t *testing.T) {
	c := New(log.New(), mmu.NewPhysicalMemory(1<<20), nil)
	require.NoError(t, c.SetRegister(x86asm.RAX, 0x1122_3344_5566_7788))

	cases := []struct {
		reg  x86asm.Reg
		want uint64
	}{
		{x86asm.RAX, 0x1122_3344_5566_7788},
		{x86asm.EAX, 0x5566_7788},
		{x86asm.AX, 0x7788},
		{x86asm.AL, 0x88},
		{x86asm.AH, 0x77},
	}
	for _, tc := range cases {
		t.Run(tc.reg.String(), func(t *testing.T) {
			require.Equal(t, tc.want, c.Register(tc.reg))
		})
	}

	t.Run("partial writes", func(t *testing.T) {
		require.NoError(t, c.SetRegister(x86asm.AH, 0xAA))
		require.Equal(t, uint64(0x1122_3344_5566_AA88), c.Register(x86asm.RAX))
		require.NoError(t, c.SetRegister(x86asm.AX, 0xBBCC))
		require.Equal(t, uint64(0x1122_3344_5566_BBCC), c.Register(x86asm.RAX))
		require.NoError(t, c.SetRegister(x86asm.EAX, 0xDDEE_FF00))
		require.Equal(t, uint64(0xDDEE_FF00), c.Register(x86asm.RAX), "32-bit writes zero extend")
	})

	t.Run("new byte registers", func(t *testing.T) {
		require.NoError(t, c.SetRegister(x86asm.R8, 0xFFFF))
		require.NoError(t, c.SetRegister(x86asm.R8B, 0x01))
		require.Equal(t, uint64(0xFF01), c.Register(x86asm.R8))
		require.NoError(t, c.SetRegister(x86asm.SIB, 0x7F))
		require.Equal(t, uint64(0x7F), c.Register(x86asm.RSI))
	})

	t.Run("width mismatch", func(t *testing.T) {
		require.Panics(t, func() { _ = c.WriteRegister(x86asm.EAX, arith.New(1, arith.QWord)) })
	})
}

func TestFlagsRegister(t *testing.T) {
	c := New(log.New(), mmu.NewPhysicalMemory(1<<20), nil)
	require.Equal(t, x86.FlagRsv1, c.RFLAGS(), "reset value")

	require.NoError(t, c.SetRegister(RFLAGS, 0))
	require.Equal(t, x86.FlagRsv1, c.RFLAGS(), "bit 1 always reads as one")

	require.NoError(t, c.SetRegister(RFLAGS, x86.FlagIF))
	require.True(t, c.ICU().InterruptsEnabled())
	require.NoError(t, c.SetRegister(RFLAGS, 0))
	require.False(t, c.ICU().InterruptsEnabled())

	require.Panics(t, func() { c.setFlag(x86.FlagIF, true) })
}

func TestControlRegisterChecks(t *testing.T) {
	c := New(log.New(), mmu.NewPhysicalMemory(1<<20), nil)

	t.Run("paging without protection", func(t *testing.T) {
		require.Error(t, c.SetRegister(x86asm.CR0, x86.CR0PG|x86.CR0ET))
	})

	t.Run("long mode needs pae", func(t *testing.T) {
		require.NoError(t, c.SetRegister(EFER, x86.EFERLME))
		require.Error(t, c.SetRegister(x86asm.CR0, x86.CR0PE|x86.CR0PG|x86.CR0ET))
		require.False(t, c.longMode())
	})

	t.Run("long mode activates", func(t *testing.T) {
		require.NoError(t, c.SetRegister(x86asm.CR4, x86.CR4PAE))
		require.NoError(t, c.SetRegister(x86asm.CR0, x86.CR0PE|x86.CR0PG|x86.CR0ET))
		require.True(t, c.longMode())
		require.NotZero(t, c.Register(EFER)&x86.EFERLMA)
	})

	t.Run("lma is read only", func(t *testing.T) {
		require.NoError(t, c.SetRegister(EFER, x86.EFERLME|x86.EFERNXE))
		require.NotZero(t, c.Register(EFER)&x86.EFERLMA)
	})

	t.Run("cr8 reserved bits", func(t *testing.T) {
		require.Error(t, c.SetRegister(x86asm.CR8, 0x10))
		require.NoError(t, c.SetRegister(x86asm.CR8, 0xF))
	})

	t.Run("msr canonical check", func(t *testing.T) {
		require.Error(t, c.WriteMSR(x86.MSRLSTAR, 0x0000_8000_0000_0000))
		require.NoError(t, c.WriteMSR(x86.MSRLSTAR, 0xFFFF_8000_0000_0000))
	})
}

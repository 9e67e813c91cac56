package cpu

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// Memory layout of the test machine. Everything below userBase is identity mapped for the
// supervisor only, [userBase, userEnd) is identity mapped for user code.
const (
	testRAM    = 4 << 20
	tablesBase = 0x30_0000

	gdtBase = 0x1000
	idtBase = 0x2000
	tssBase = 0x3000

	kernelCode     = 0x8000
	handlerBase    = 0x9000
	bootStackTop   = 0x5_0000
	istStackTop    = 0x6_0000
	kernelStackTop = 0x7_0000

	userBase     = 0x10_0000
	userCode     = userBase
	userData     = userBase + 0x1_0000
	userStackTop = userBase + 0x8_0000
	userEnd      = 0x20_0000

	unmapped = 0x40_0000
)

const (
	selKernelCode = 0x08
	selKernelData = 0x10
	selUserData   = 0x18 | 3
	selUserCode   = 0x20 | 3
	selTSS        = 0x28
	selCallGate   = 0x38
	selMissing    = 0x48
)

type machine struct {
	t   *testing.T
	c   *CPU
	ldr *loader.Loader
}

func newMachine(t *testing.T) *machine {
	mem := mmu.NewPhysicalMemory(testRAM)
	c := New(log.New(), mem, nil)
	alloc := loader.NewFrameAllocator(mem, tablesBase)
	pml4, err := alloc.Alloc()
	require.NoError(t, err)
	ldr := loader.New(log.New(), c.MMU(), alloc, pml4)
	require.NoError(t, ldr.CreateRegionVAS(loader.Region{Base: 0, Size: userBase, Flags: mmu.PageWritable}, loader.StrategyIdentity))
	require.NoError(t, ldr.CreateRegionVAS(loader.Region{Base: userBase, Size: userEnd - userBase, Flags: mmu.PageWritable | mmu.PageUser}, loader.StrategyIdentity))

	require.NoError(t, c.SetRegister(EFER, x86.EFERLME|x86.EFERNXE|x86.EFERSCE))
	require.NoError(t, c.SetRegister(x86asm.CR4, x86.CR4PAE))
	require.NoError(t, c.SetRegister(x86asm.CR3, uint64(pml4)))
	require.NoError(t, c.SetRegister(x86asm.CR0, x86.CR0PE|x86.CR0PG|x86.CR0WP|x86.CR0ET))
	require.True(t, c.longMode())

	m := &machine{t: t, c: c, ldr: ldr}
	c.SetGDTR(mmu.DescriptorTableRegister{Base: gdtBase, Limit: selMissing - 1})
	m.setDescriptor(selKernelCode, mmu.NewCodeSegment(0, false))
	m.setDescriptor(selKernelData, mmu.NewDataSegment(0))
	m.setDescriptor(selUserData, mmu.NewDataSegment(3))
	m.setDescriptor(selUserCode, mmu.NewCodeSegment(3, false))
	m.setDescriptor(selTSS, mmu.NewSystemDescriptor(mmu.TypeTSSAvailable, 0, tssBase, 0x67))
	m.write64(tssBase+tssRSP0, kernelStackTop)
	m.write64(tssBase+tssIST1, istStackTop)
	c.SetIDTR(mmu.DescriptorTableRegister{Base: idtBase, Limit: 0xFFF})

	c.SetSegment(mmu.CS, mmu.SegmentRegister{Selector: selKernelCode, Descriptor: mmu.NewCodeSegment(0, false)})
	for _, a := range []mmu.SegmentAlias{mmu.SS, mmu.DS, mmu.ES} {
		c.SetSegment(a, mmu.SegmentRegister{Selector: selKernelData, Descriptor: mmu.NewDataSegment(0)})
	}
	require.NoError(t, c.LoadTR(selTSS))
	require.NoError(t, c.SetRegister(x86asm.RSP, bootStackTop))
	c.SetRIP(kernelCode)
	return m
}

func (m *machine) setDescriptor(sel mmu.Selector, d mmu.Descriptor) {
	require.NoError(m.t, m.c.MMU().WriteDescriptor(m.c.GDTR(), sel.Offset(), d))
}

// setGate installs a gate to handler in the kernel code segment.
func (m *machine) setGate(vector uint8, typ uint8, dpl uint8, handler uint64, ist uint8) {
	gate := mmu.NewGateDescriptor(typ, dpl, selKernelCode, handler, ist)
	require.NoError(m.t, m.c.MMU().WriteDescriptor(m.c.IDTR(), uint64(vector)*16, gate))
}

func (m *machine) write(addr uint64, data ...byte) {
	m.c.MMU().WritePhysical(mmu.PhysicalAddress(addr), data)
}

func (m *machine) write64(addr uint64, v uint64) {
	m.c.MMU().Memory().Write64(mmu.PhysicalAddress(addr), v)
}

func (m *machine) read64(addr uint64) uint64 {
	return m.c.MMU().Memory().Read64(mmu.PhysicalAddress(addr))
}

// enterUser switches to CPL 3 at rip with the user stack.
func (m *machine) enterUser(rip uint64) {
	m.c.SetSegment(mmu.CS, mmu.SegmentRegister{Selector: selUserCode, Descriptor: mmu.NewCodeSegment(3, false)})
	m.c.SetSegment(mmu.SS, mmu.SegmentRegister{Selector: selUserData, Descriptor: mmu.NewDataSegment(3)})
	require.NoError(m.t, m.c.SetRegister(x86asm.RSP, userStackTop))
	m.c.SetRIP(rip)
}

func (m *machine) step(n int) {
	m.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(m.t, m.c.Step())
	}
}

func (m *machine) reg(r x86asm.Reg) uint64 { return m.c.Register(r) }

// frame reads n quadwords upwards from RSP.
func (m *machine) frame(n int) []uint64 {
	out := make([]uint64, n)
	rsp := m.reg(x86asm.RSP)
	for i := range out {
		out[i] = m.read64(rsp + uint64(i)*8)
	}
	return out
}

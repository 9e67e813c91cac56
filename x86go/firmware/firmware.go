// Package firmware brings a reset processor into 64-bit mode the way boot firmware would before
// handing over to a kernel.
package firmware

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/cpu"
	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// GDT layout. The user data segment sits below user code so that SYSRET finds both from one
// STAR base.
const (
	SelectorKernelCode = mmu.Selector(0x08)
	SelectorKernelData = mmu.Selector(0x10)
	SelectorUserData   = mmu.Selector(0x18 | 3)
	SelectorUserCode   = mmu.Selector(0x20 | 3)
	SelectorTSS        = mmu.Selector(0x28)

	gdtEntries = 7 // the TSS takes two slots
)

const (
	// IdentityLimit bounds the supervisor identity map of low memory.
	IdentityLimit = 4 << 20
	// KernelStackSize is the size of the boot stack, also used as RSP0.
	KernelStackSize = 16 * x86.PageSize

	firstFrame = 0x1000
	idtEntries = 256
	tssSize    = 0x68
	tssRSP0    = 0x04
)

// Layout records where the firmware put its structures.
type Layout struct {
	PML4     mmu.PhysicalAddress
	GDT      mmu.PhysicalAddress
	IDT      mmu.PhysicalAddress
	TSS      mmu.PhysicalAddress
	StackTop uint64
	// IdentityEnd is the end of the identity mapped low memory.
	IdentityEnd uint64
	// Reserved is the end of the frames owned by the firmware; the identity map below it must
	// not be reused.
	Reserved mmu.PhysicalAddress
}

// Boot sets up paging, descriptor tables and a stack on a processor in its reset state, and
// returns the loader editing the new address space. Device windows registered with the MMIO
// surface are identity mapped. Interrupts are left disabled.
func Boot(logger log.Logger, c *cpu.CPU) (*loader.Loader, *Layout, error) {
	mem := c.MMU().Memory()
	alloc := loader.NewFrameAllocator(mem, firstFrame)
	var l Layout
	var err error
	for _, f := range []*mmu.PhysicalAddress{&l.PML4, &l.GDT, &l.IDT, &l.TSS} {
		if *f, err = alloc.Alloc(); err != nil {
			return nil, nil, fmt.Errorf("firmware tables: %w", err)
		}
	}
	stack, err := alloc.AllocContiguous(KernelStackSize / x86.PageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("firmware stack: %w", err)
	}
	l.StackTop = uint64(stack) + KernelStackSize
	ldr := loader.New(logger, c.MMU(), alloc, l.PML4)

	l.IdentityEnd = min(mem.Size(), IdentityLimit)
	low := loader.Region{Base: 0, Size: l.IdentityEnd, Flags: mmu.PageWritable | mmu.PageGlobal}
	if err := ldr.CreateRegionVAS(low, loader.StrategyIdentity); err != nil {
		return nil, nil, fmt.Errorf("identity map: %w", err)
	}
	if mmio := c.MMU().MMIO(); mmio != nil {
		for _, w := range mmio.Windows() {
			r := loader.Region{
				Base:  mmu.LinearAddress(w.Base),
				Size:  w.Size,
				Flags: mmu.PageWritable | mmu.PageCacheDisable | mmu.PageGlobal | mmu.PageExecuteDisable,
			}
			if err := ldr.CreateRegionVAS(r, loader.StrategyIdentity); err != nil {
				return nil, nil, fmt.Errorf("map %s registers: %w", w.Name, err)
			}
		}
	}
	l.Reserved = alloc.Next()
	if l.IdentityEnd < mem.Size() {
		alloc.SkipTo(mmu.PhysicalAddress(l.IdentityEnd))
	}

	if err := enterLongMode(c, l.PML4); err != nil {
		return nil, nil, err
	}
	if err := setupTables(c, &l); err != nil {
		return nil, nil, err
	}
	logger.Info("firmware done", "pml4", l.PML4, "gdt", l.GDT, "idt", l.IDT,
		"stack", hexutil.Uint64(l.StackTop), "identity", hexutil.Uint64(l.IdentityEnd), "frames", alloc.Next())
	return ldr, &l, nil
}

func enterLongMode(c *cpu.CPU, pml4 mmu.PhysicalAddress) error {
	steps := []struct {
		reg x86asm.Reg
		v   uint64
	}{
		{cpu.EFER, x86.EFERLME | x86.EFERNXE | x86.EFERSCE},
		{x86asm.CR4, x86.CR4PAE | x86.CR4PGE},
		{x86asm.CR3, uint64(pml4)},
		{x86asm.CR0, x86.CR0PE | x86.CR0PG | x86.CR0WP | x86.CR0NE | x86.CR0ET},
		{cpu.RFLAGS, x86.FlagRsv1},
	}
	for _, s := range steps {
		if err := c.SetRegister(s.reg, s.v); err != nil {
			return fmt.Errorf("write %s: %w", cpu.RegisterName(s.reg), err)
		}
	}
	if c.Register(cpu.EFER)&x86.EFERLMA == 0 {
		return fmt.Errorf("long mode did not activate")
	}
	return nil
}

func setupTables(c *cpu.CPU, l *Layout) error {
	m := c.MMU()
	c.SetGDTR(mmu.DescriptorTableRegister{Base: mmu.LinearAddress(l.GDT), Limit: gdtEntries*8 - 1})
	c.SetIDTR(mmu.DescriptorTableRegister{Base: mmu.LinearAddress(l.IDT), Limit: idtEntries*16 - 1})
	code := mmu.NewCodeSegment(0, false).WithAccessed()

	descriptors := []struct {
		sel mmu.Selector
		d   mmu.Descriptor
	}{
		{SelectorKernelCode, code},
		{SelectorKernelData, mmu.NewDataSegment(0)},
		{SelectorUserData, mmu.NewDataSegment(3)},
		{SelectorUserCode, mmu.NewCodeSegment(3, false)},
		{SelectorTSS, mmu.NewSystemDescriptor(mmu.TypeTSSAvailable, 0, uint64(l.TSS), tssSize-1)},
	}
	for _, e := range descriptors {
		if err := m.WriteDescriptor(c.GDTR(), e.sel.Offset(), e.d); err != nil {
			return fmt.Errorf("write gdt entry %s: %w", e.sel, err)
		}
	}
	m.Memory().Write64(l.TSS.Add(tssRSP0), l.StackTop)

	// the far jump into the new code segment
	c.SetSegment(mmu.CS, mmu.SegmentRegister{Selector: SelectorKernelCode, Descriptor: code})
	for _, a := range []mmu.SegmentAlias{mmu.SS, mmu.DS, mmu.ES} {
		if err := c.LoadSegment(a, SelectorKernelData); err != nil {
			return fmt.Errorf("load %s: %w", a, err)
		}
	}
	if err := c.LoadTR(SelectorTSS); err != nil {
		return fmt.Errorf("load tr: %w", err)
	}
	// SYSCALL enters at 0x08, SYSRET returns to 0x20|3 with 0x18|3
	star := uint64(SelectorKernelCode)<<32 | uint64(SelectorKernelData)<<48
	if err := c.WriteMSR(x86.MSRSTAR, star); err != nil {
		return fmt.Errorf("write star: %w", err)
	}
	return c.SetRegister(x86asm.RSP, l.StackTop)
}

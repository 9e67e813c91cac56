package cpu

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// flat segment caches loaded by SYSCALL and SYSRET, which never read the GDT
var (
	syscallCode = mmu.NewCodeSegment(0, false).WithAccessed()
	syscallData = mmu.NewDataSegment(0).WithAccessed()
	sysretCode  = mmu.NewCodeSegment(3, false).WithAccessed()
	sysretData  = mmu.NewDataSegment(3).WithAccessed()
)

// syscall is SYSCALL. With a hook installed the host services the call in place of the
// transfer to LSTAR.
func syscall(c *CPU, _ *x86asm.Inst) error {
	if c.efer&x86.EFERSCE == 0 || !c.longMode() {
		return x86.UD()
	}
	if c.syscallHook != nil {
		return c.syscallHook(c)
	}
	c.gpr[1] = c.nextRIP
	c.gpr[11] = c.rflags &^ x86.FlagRF
	base := mmu.Selector(x86.Bits(c.star, 47, 32))
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: base &^ 3, Descriptor: syscallCode}
	c.seg[mmu.SS] = mmu.SegmentRegister{Selector: (base + 8) &^ 3, Descriptor: syscallData}
	c.setRFLAGS(c.rflags &^ c.fmask &^ x86.FlagRF)
	c.nextRIP = c.lstar
	c.log.Trace("syscall", "rip", hexutil.Uint64(c.lstar), "nr", c.gpr[0])
	return nil
}

// sysret is SYSRET back to 64-bit user code.
func sysret(c *CPU, inst *x86asm.Inst) error {
	if c.efer&x86.EFERSCE == 0 || !c.longMode() {
		return x86.UD()
	}
	if err := c.requireCPL0(); err != nil {
		return err
	}
	if inst.DataSize != 64 {
		panic("SYSRET to compatibility mode is not implemented")
	}
	if !mmu.LinearAddress(c.gpr[1]).Canonical() {
		return x86.GP0()
	}
	base := mmu.Selector(x86.Bits(c.star, 63, 48))
	c.setRFLAGS(c.gpr[11]&^(x86.FlagRF|x86.FlagVM) | x86.FlagRsv1)
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: (base + 16) | 3, Descriptor: sysretCode}
	c.seg[mmu.SS] = mmu.SegmentRegister{Selector: (base + 8) | 3, Descriptor: sysretData}
	c.nextRIP = c.gpr[1]
	return nil
}

package cpu

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

func (c *CPU) longMode() bool { return c.efer&x86.EFERLMA != 0 }

func (c *CPU) checkCR0(old, v uint64) error {
	switch {
	case v&^x86.CR0Defined != 0:
		return x86.GP0()
	case v&x86.CR0PG != 0 && v&x86.CR0PE == 0:
		return x86.GP0()
	case v&x86.CR0NW != 0 && v&x86.CR0CD == 0:
		return x86.GP0()
	case v&x86.CR0PG != 0 && old&x86.CR0PG == 0 && c.efer&x86.EFERLME != 0 && c.cr4&x86.CR4PAE == 0:
		return x86.GP0()
	case v&x86.CR0PG == 0 && c.longMode():
		// leaving long mode needs compatibility mode first
		return x86.GP0()
	}
	return nil
}

func (c *CPU) cr0Written(old, v uint64) {
	if (old^v)&(x86.CR0PG|x86.CR0WP|x86.CR0PE) != 0 {
		c.mmu.TLB().InvalidateAll()
	}
	if (old^v)&x86.CR0PG != 0 {
		if v&x86.CR0PG != 0 && c.efer&x86.EFERLME != 0 {
			c.efer |= x86.EFERLMA
			c.log.Debug("long mode active")
		} else {
			c.efer &^= x86.EFERLMA
		}
	}
}

func (c *CPU) checkCR3(_, v uint64) error {
	if c.cr4&x86.CR4PCIDE != 0 {
		// bit 63 asks to keep the cached translations of the new PCID
		v &^= 1 << 63
	}
	if v&^(x86.CR3FrameMask|x86.CR3PCIDMask) != 0 {
		return x86.GP0()
	}
	return nil
}

func (c *CPU) cr3Written(_, v uint64) {
	if c.cr4&x86.CR4PCIDE != 0 && v&(1<<63) != 0 {
		c.cr3 = v &^ (1 << 63)
		return
	}
	if c.cr4&x86.CR4PGE != 0 {
		c.mmu.TLB().InvalidateNonGlobal()
	} else {
		c.mmu.TLB().InvalidateAll()
	}
}

func (c *CPU) checkCR4(old, v uint64) error {
	switch {
	case v&^x86.CR4Supported != 0:
		return x86.GP0()
	case v&x86.CR4PAE == 0 && c.longMode():
		return x86.GP0()
	case v&x86.CR4PCIDE != 0 && old&x86.CR4PCIDE == 0 && (c.cr3&x86.CR3PCIDMask != 0 || !c.longMode()):
		return x86.GP0()
	}
	return nil
}

func (c *CPU) cr4Written(old, v uint64) {
	if (old^v)&x86.CR4TLBFlushBits != 0 {
		c.mmu.TLB().InvalidateAll()
	}
}

func checkCR8(_, v uint64) error {
	if v > 0xF {
		return x86.GP0()
	}
	return nil
}

func (c *CPU) checkEFER(old, v uint64) error {
	if v&^x86.EFERSupported != 0 {
		return x86.GP0()
	}
	if (old^v)&x86.EFERLME != 0 && c.cr0&x86.CR0PG != 0 {
		return x86.GP0()
	}
	return nil
}

func (c *CPU) eferWritten(old, v uint64) {
	if (old^v)&x86.EFERNXE != 0 {
		c.mmu.TLB().InvalidateAll()
	}
}

// ReadMSR implements RDMSR for the registers this processor has.
func (c *CPU) ReadMSR(index uint32) (uint64, error) {
	switch index {
	case x86.MSREFER:
		return c.efer, nil
	case x86.MSRSTAR:
		return c.star, nil
	case x86.MSRLSTAR:
		return c.lstar, nil
	case x86.MSRCSTAR:
		return c.cstar, nil
	case x86.MSRFMASK:
		return c.fmask, nil
	case x86.MSRFSBase:
		return c.fsBase, nil
	case x86.MSRGSBase:
		return c.gsBase, nil
	case x86.MSRKernelGSBase:
		return c.kernelGSBase, nil
	}
	c.log.Warn("read of unknown msr", "msr", hexutil.Uint64(index))
	return 0, x86.GP0()
}

// WriteMSR implements WRMSR. Addresses must be canonical.
func (c *CPU) WriteMSR(index uint32, v uint64) error {
	canonical := func(dst *uint64) error {
		if !mmu.LinearAddress(v).Canonical() {
			return x86.GP0()
		}
		*dst = v
		return nil
	}
	switch index {
	case x86.MSREFER:
		return c.SetRegister(EFER, v)
	case x86.MSRSTAR:
		c.star = v
		return nil
	case x86.MSRLSTAR:
		return canonical(&c.lstar)
	case x86.MSRCSTAR:
		return canonical(&c.cstar)
	case x86.MSRFMASK:
		c.fmask = v & 0xFFFF_FFFF
		return nil
	case x86.MSRFSBase:
		return canonical(&c.fsBase)
	case x86.MSRGSBase:
		return canonical(&c.gsBase)
	case x86.MSRKernelGSBase:
		return canonical(&c.kernelGSBase)
	}
	c.log.Warn("write of unknown msr", "msr", hexutil.Uint64(index))
	return x86.GP0()
}

package cpu

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

func cli(c *CPU, _ *x86asm.Inst) error {
	if c.CPL() > c.IOPL() {
		return x86.GP0()
	}
	c.setRFLAGS(c.rflags &^ x86.FlagIF)
	return nil
}

func sti(c *CPU, _ *x86asm.Inst) error {
	if c.CPL() > c.IOPL() {
		return x86.GP0()
	}
	c.setRFLAGS(c.rflags | x86.FlagIF)
	return nil
}

func flagOp(f uint64, on bool) handler {
	return func(c *CPU, _ *x86asm.Inst) error {
		c.setFlag(f, on)
		return nil
	}
}

func cmc(c *CPU, _ *x86asm.Inst) error {
	c.setFlag(x86.FlagCF, !c.flag(x86.FlagCF))
	return nil
}

func memoryOperand(inst *x86asm.Inst) (x86asm.Mem, error) {
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return x86asm.Mem{}, x86.UD()
	}
	return m, nil
}

// loadTableRegister is LGDT and LIDT with their 10-byte long mode operand.
func loadTableRegister(c *CPU, inst *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	m, err := memoryOperand(inst)
	if err != nil {
		return err
	}
	var buf [10]byte
	if err := c.mmu.ReadBytes(c.effectiveAddress(inst, m), buf[:], mmu.ReadAccess); err != nil {
		return err
	}
	r := mmu.DescriptorTableRegister{
		Limit: binary.LittleEndian.Uint16(buf[:2]),
		Base:  mmu.LinearAddress(binary.LittleEndian.Uint64(buf[2:])),
	}
	if !r.Base.Canonical() {
		return x86.GP0()
	}
	if inst.Op == x86asm.LGDT {
		c.gdtr = r
	} else {
		c.idtr = r
	}
	c.log.Debug("descriptor table loaded", "op", inst.Op, "base", r.Base, "limit", r.Limit)
	return nil
}

// storeTableRegister is SGDT and SIDT, refused outside CPL 0 when UMIP is on.
func storeTableRegister(c *CPU, inst *x86asm.Inst) error {
	if c.cr4&x86.CR4UMIP != 0 {
		if err := c.requireCPL0(); err != nil {
			return err
		}
	}
	m, err := memoryOperand(inst)
	if err != nil {
		return err
	}
	r := c.gdtr
	if inst.Op == x86asm.SIDT {
		r = c.idtr
	}
	var buf [10]byte
	binary.LittleEndian.PutUint16(buf[:2], r.Limit)
	binary.LittleEndian.PutUint64(buf[2:], uint64(r.Base))
	return c.mmu.WriteBytes(c.effectiveAddress(inst, m), buf[:], mmu.WriteAccess)
}

func lldt(c *CPU, inst *x86asm.Inst) error {
	v, err := c.readOperand(inst, 0, arith.Word)
	if err != nil {
		return err
	}
	return c.LoadLDTR(mmu.Selector(v.Uint64()))
}

func ltr(c *CPU, inst *x86asm.Inst) error {
	v, err := c.readOperand(inst, 0, arith.Word)
	if err != nil {
		return err
	}
	return c.LoadTR(mmu.Selector(v.Uint64()))
}

func invlpg(c *CPU, inst *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	m, err := memoryOperand(inst)
	if err != nil {
		return err
	}
	addr := c.effectiveAddress(inst, m)
	c.mmu.TLB().Invalidate(mmu.LinearAddress(c.SegmentBase(addr.Segment) + addr.Offset))
	return nil
}

func rdmsr(c *CPU, _ *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	v, err := c.ReadMSR(uint32(c.gpr[1]))
	if err != nil {
		return err
	}
	c.setEDXEAX(v)
	return nil
}

func wrmsr(c *CPU, _ *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	return c.WriteMSR(uint32(c.gpr[1]), c.gpr[2]<<32|c.gpr[0]&0xFFFF_FFFF)
}

// setEDXEAX splits v into EDX:EAX, clearing the upper halves of RDX and RAX.
func (c *CPU) setEDXEAX(v uint64) {
	c.gpr[0] = v & 0xFFFF_FFFF
	c.gpr[2] = v >> 32
}

func swapgs(c *CPU, _ *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	c.gsBase, c.kernelGSBase = c.kernelGSBase, c.gsBase
	return nil
}

func rdtsc(c *CPU, _ *x86asm.Inst) error {
	if c.cr4&x86.CR4TSD != 0 {
		if err := c.requireCPL0(); err != nil {
			return err
		}
	}
	c.setEDXEAX(c.steps)
	return nil
}

const cpuVendor = "CpueEmulator"

// CPUID feature bits reported.
const (
	cpuidTSC     = 1 << 4
	cpuidMSR     = 1 << 5
	cpuidPAE     = 1 << 6
	cpuidPGE     = 1 << 13
	cpuidCMOV    = 1 << 15
	cpuidSYSCALL = 1 << 11
	cpuidNX      = 1 << 20
	cpuidLM      = 1 << 29
)

func cpuid(c *CPU, _ *x86asm.Inst) error {
	var eax, ebx, ecx, edx uint32
	switch uint32(c.gpr[0]) {
	case 0:
		eax = 1
		vendor := []byte(cpuVendor)
		ebx = binary.LittleEndian.Uint32(vendor[0:4])
		edx = binary.LittleEndian.Uint32(vendor[4:8])
		ecx = binary.LittleEndian.Uint32(vendor[8:12])
	case 1:
		eax = 0x600
		edx = cpuidTSC | cpuidMSR | cpuidPAE | cpuidPGE | cpuidCMOV
	case 0x8000_0000:
		eax = 0x8000_0008
	case 0x8000_0001:
		edx = cpuidSYSCALL | cpuidNX | cpuidLM
	case 0x8000_0008:
		eax = x86.VirtualAddrBits<<8 | x86.MaxPhysAddrBits
	}
	c.gpr[0], c.gpr[3], c.gpr[1], c.gpr[2] = uint64(eax), uint64(ebx), uint64(ecx), uint64(edx)
	return nil
}

package cpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// Registers the decoder has no name for. They live above the last x86asm register.
const (
	RFLAGS x86asm.Reg = 0xF0 + iota
	EFER
)

// RegisterName also knows the registers x86asm does not.
func RegisterName(r x86asm.Reg) string {
	switch r {
	case RFLAGS:
		return "RFLAGS"
	case EFER:
		return "EFER"
	}
	return r.String()
}

// regSlot describes where a register lives and what writing it does.
type regSlot struct {
	storage *uint64
	width   arith.ByteWidth
	// shift is 8 for AH, CH, DH and BH
	shift uint
	// zeroExtend clears bits 63:32 on 32-bit writes
	zeroExtend bool
	// normalize fixes up the full new value, e.g. the always-one bit of RFLAGS
	normalize func(old, v uint64) uint64
	// validate may refuse the write with a guest event
	validate func(old, v uint64) error
	// onWrite runs after the new value is committed
	onWrite func(old, v uint64)
}

func (c *CPU) buildRegisterTable() map[x86asm.Reg]regSlot {
	t := make(map[x86asm.Reg]regSlot, 96)
	for i := 0; i < 16; i++ {
		t[x86asm.RAX+x86asm.Reg(i)] = regSlot{storage: &c.gpr[i], width: arith.QWord}
		t[x86asm.EAX+x86asm.Reg(i)] = regSlot{storage: &c.gpr[i], width: arith.DWord, zeroExtend: true}
		t[x86asm.AX+x86asm.Reg(i)] = regSlot{storage: &c.gpr[i], width: arith.Word}
	}
	for i := 0; i < 4; i++ {
		t[x86asm.AL+x86asm.Reg(i)] = regSlot{storage: &c.gpr[i], width: arith.Byte}
		t[x86asm.AH+x86asm.Reg(i)] = regSlot{storage: &c.gpr[i], width: arith.Byte, shift: 8}
	}
	for i := 4; i < 16; i++ {
		t[x86asm.SPB+x86asm.Reg(i-4)] = regSlot{storage: &c.gpr[i], width: arith.Byte}
	}

	t[x86asm.RIP] = regSlot{storage: &c.rip, width: arith.QWord, onWrite: func(_, v uint64) { c.nextRIP = v }}
	t[RFLAGS] = regSlot{
		storage:   &c.rflags,
		width:     arith.QWord,
		normalize: func(_, v uint64) uint64 { return v&x86.WritableFlags | x86.FlagRsv1 },
		onWrite:   c.rflagsWritten,
	}
	t[x86asm.CR0] = regSlot{storage: &c.cr0, width: arith.QWord, validate: c.checkCR0, onWrite: c.cr0Written}
	t[x86asm.CR2] = regSlot{storage: &c.cr2, width: arith.QWord}
	t[x86asm.CR3] = regSlot{storage: &c.cr3, width: arith.QWord, validate: c.checkCR3, onWrite: c.cr3Written}
	t[x86asm.CR4] = regSlot{storage: &c.cr4, width: arith.QWord, validate: c.checkCR4, onWrite: c.cr4Written}
	t[x86asm.CR8] = regSlot{storage: &c.cr8, width: arith.QWord, validate: checkCR8}
	t[EFER] = regSlot{
		storage:   &c.efer,
		width:     arith.QWord,
		normalize: func(old, v uint64) uint64 { return v&^x86.EFERLMA | old&x86.EFERLMA },
		validate:  c.checkEFER,
		onWrite:   c.eferWritten,
	}
	return t
}

func (c *CPU) slot(r x86asm.Reg) regSlot {
	s, ok := c.regs[r]
	if !ok {
		panic(fmt.Errorf("register %s is not implemented", RegisterName(r)))
	}
	return s
}

// RegisterWidth is the operand width of a register.
func (c *CPU) RegisterWidth(r x86asm.Reg) arith.ByteWidth {
	if _, ok := segmentAlias(r); ok {
		return arith.Word
	}
	return c.slot(r).width
}

// ReadRegister returns the value of a general purpose, instruction pointer, flags or control register,
// or the selector of a segment register.
func (c *CPU) ReadRegister(r x86asm.Reg) arith.SizedValue {
	if alias, ok := segmentAlias(r); ok {
		return arith.New(uint64(c.seg[alias].Selector), arith.Word)
	}
	s := c.slot(r)
	return arith.New(*s.storage>>s.shift, s.width)
}

// WriteRegister stores v, which must have the register's width. Control register writes may be
// refused with #GP. Segment registers go through LoadSegment instead.
func (c *CPU) WriteRegister(r x86asm.Reg, v arith.SizedValue) error {
	s := c.slot(r)
	if v.Width() != s.width {
		panic(fmt.Errorf("writing %s value to %s register %s", v.Width(), s.width, RegisterName(r)))
	}
	old := *s.storage
	var full uint64
	switch {
	case s.width == arith.QWord:
		full = v.Uint64()
	case s.zeroExtend:
		full = v.Uint64()
	default:
		mask := (uint64(1)<<s.width.Bits() - 1) << s.shift
		full = old&^mask | v.Uint64()<<s.shift&mask
	}
	if s.normalize != nil {
		full = s.normalize(old, full)
	}
	if s.validate != nil {
		if err := s.validate(old, full); err != nil {
			return err
		}
	}
	*s.storage = full
	if s.onWrite != nil {
		s.onWrite(old, full)
	}
	return nil
}

// Register is the zero-extended value of r.
func (c *CPU) Register(r x86asm.Reg) uint64 {
	return c.ReadRegister(r).Uint64()
}

// SetRegister truncates v to the width of r and writes it.
func (c *CPU) SetRegister(r x86asm.Reg, v uint64) error {
	return c.WriteRegister(r, arith.New(v, c.slot(r).width))
}

func (c *CPU) RIP() uint64 { return c.rip }

// SetRIP moves execution to rip, as a jump would.
func (c *CPU) SetRIP(rip uint64) {
	c.rip = rip
	c.nextRIP = rip
}

func (c *CPU) RFLAGS() uint64 { return c.rflags }

func (c *CPU) setRFLAGS(v uint64) {
	if err := c.WriteRegister(RFLAGS, arith.New(v, arith.QWord)); err != nil {
		panic(err)
	}
}

func (c *CPU) rflagsWritten(old, v uint64) {
	if (old^v)&x86.FlagIF != 0 {
		c.icu.SetInterruptsEnabled(v&x86.FlagIF != 0)
	}
}

func (c *CPU) flag(f uint64) bool { return c.rflags&f != 0 }

// setFlag changes status flags only; IF goes through setRFLAGS.
func (c *CPU) setFlag(f uint64, on bool) {
	if f&x86.FlagIF != 0 {
		panic("IF must be written through setRFLAGS")
	}
	if on {
		c.rflags |= f
	} else {
		c.rflags &^= f
	}
}

func (c *CPU) IOPL() uint8 {
	return uint8((c.rflags & x86.FlagIOPL) >> x86.IOPLShift)
}

func segmentAlias(r x86asm.Reg) (mmu.SegmentAlias, bool) {
	switch r {
	case x86asm.ES:
		return mmu.ES, true
	case x86asm.CS:
		return mmu.CS, true
	case x86asm.SS:
		return mmu.SS, true
	case x86asm.DS:
		return mmu.DS, true
	case x86asm.FS:
		return mmu.FS, true
	case x86asm.GS:
		return mmu.GS, true
	}
	return 0, false
}

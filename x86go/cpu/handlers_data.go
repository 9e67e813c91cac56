package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

func isControlRegister(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && r >= x86asm.CR0 && r <= x86asm.CR15
}

// mov also covers control and segment registers. Moving to CS is refused by LoadSegment.
func mov(c *CPU, inst *x86asm.Inst) error {
	if isControlRegister(inst.Args[0]) || isControlRegister(inst.Args[1]) {
		if err := c.requireCPL0(); err != nil {
			return err
		}
	}
	v, err := c.readOperand(inst, 1, c.operandWidth(inst, 0))
	if err != nil {
		return err
	}
	return c.writeOperand(inst, 0, v)
}

// movExtend builds MOVZX, MOVSX and MOVSXD.
func movExtend(signed bool) handler {
	return func(c *CPU, inst *x86asm.Inst) error {
		w := c.operandWidth(inst, 0)
		v, err := c.read(inst, 1)
		if err != nil {
			return err
		}
		if signed {
			v = v.SignExtend(w)
		} else {
			v = v.ZeroExtend(w)
		}
		return c.writeOperand(inst, 0, v)
	}
}

func lea(c *CPU, inst *x86asm.Inst) error {
	m, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return x86.UD()
	}
	addr := c.effectiveAddress(inst, m)
	return c.writeOperand(inst, 0, arith.New(addr.Offset, c.operandWidth(inst, 0)))
}

func xchg(c *CPU, inst *x86asm.Inst) error {
	w := c.operandWidth(inst, 0)
	for i := 0; i < 2; i++ {
		if err := c.checkWritable(inst, i); err != nil {
			return err
		}
	}
	a, err := c.readOperand(inst, 0, w)
	if err != nil {
		return err
	}
	b, err := c.readOperand(inst, 1, w)
	if err != nil {
		return err
	}
	if err := c.writeOperand(inst, 0, b); err != nil {
		return err
	}
	return c.writeOperand(inst, 1, a)
}

func push(c *CPU, inst *x86asm.Inst) error {
	v, err := c.readOperand(inst, 0, stackWidth(inst))
	if err != nil {
		return err
	}
	return c.push(v)
}

// pop increments RSP before the store, so a memory destination based on RSP sees the new value.
func pop(c *CPU, inst *x86asm.Inst) error {
	w := stackWidth(inst)
	v, err := c.peek(w)
	if err != nil {
		return err
	}
	rsp := c.gpr[4]
	c.gpr[4] += uint64(w)
	if err := c.writeOperand(inst, 0, v.Resize(c.operandWidth(inst, 0))); err != nil {
		c.gpr[4] = rsp
		return err
	}
	return nil
}

func flagsWidth(inst *x86asm.Inst) arith.ByteWidth {
	if inst.Op == x86asm.PUSHF || inst.Op == x86asm.POPF {
		return arith.Word
	}
	return arith.QWord
}

// pushf stores RFLAGS with VM and RF cleared.
func pushf(c *CPU, inst *x86asm.Inst) error {
	w := flagsWidth(inst)
	return c.push(arith.New(c.rflags&^(x86.FlagVM|x86.FlagRF), w))
}

func popf(c *CPU, inst *x86asm.Inst) error {
	w := flagsWidth(inst)
	v, err := c.peek(w)
	if err != nil {
		return err
	}
	flags := v.Uint64()
	if w == arith.Word {
		flags |= c.rflags &^ 0xFFFF
	}
	c.gpr[4] += uint64(w)
	c.setRFLAGS(c.poppedFlags(flags, c.CPL()) &^ x86.FlagRF)
	return nil
}

func leave(c *CPU, inst *x86asm.Inst) error {
	w := stackWidth(inst)
	rbp := c.gpr[5]
	saved, err := c.readStack(rbp, w, 1)
	if err != nil {
		return err
	}
	c.gpr[4] = rbp + uint64(w)
	reg := x86asm.RBP
	if w == arith.Word {
		reg = x86asm.BP
	}
	return c.WriteRegister(reg, arith.New(saved[0], w))
}

func cmov(c *CPU, inst *x86asm.Inst) error {
	w := c.operandWidth(inst, 0)
	v, err := c.readOperand(inst, 1, w)
	if err != nil {
		return err
	}
	if !c.test(cmovConditions[inst.Op]) {
		// a 32-bit destination is still zero-extended
		v = c.ReadRegister(inst.Args[0].(x86asm.Reg))
	}
	return c.writeOperand(inst, 0, v)
}

func setcc(c *CPU, inst *x86asm.Inst) error {
	var v uint64
	if c.test(setConditions[inst.Op]) {
		v = 1
	}
	return c.writeOperand(inst, 0, arith.New(v, arith.Byte))
}

func stringWidth(op x86asm.Op) arith.ByteWidth {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB:
		return arith.Byte
	case x86asm.MOVSW, x86asm.STOSW:
		return arith.Word
	case x86asm.MOVSD, x86asm.STOSD:
		return arith.DWord
	}
	return arith.QWord
}

// addressMask truncates RSI, RDI and RCX under a 32-bit address size override.
func addressMask(inst *x86asm.Inst) uint64 {
	if inst.AddrSize == 32 {
		return 0xFFFF_FFFF
	}
	return ^uint64(0)
}

// advanceIndex steps RSI or RDI by w in the direction DF selects.
func (c *CPU) advanceIndex(reg int, w arith.ByteWidth, mask uint64) {
	if c.flag(x86.FlagDF) {
		c.gpr[reg] = (c.gpr[reg] - uint64(w)) & mask
	} else {
		c.gpr[reg] = (c.gpr[reg] + uint64(w)) & mask
	}
}

// repeat runs body once, or RCX times under REP. Progress is kept in the registers after every
// iteration, so a fault restarts the instruction where it stopped.
func (c *CPU) repeat(inst *x86asm.Inst, body func() error) error {
	if !hasPrefix(inst, x86asm.PrefixREP) {
		return body()
	}
	mask := addressMask(inst)
	for c.gpr[1]&mask != 0 {
		if err := body(); err != nil {
			return err
		}
		c.gpr[1] = (c.gpr[1] - 1) & mask
	}
	return nil
}

// sourceSegment is DS unless overridden by FS or GS.
func sourceSegment(inst *x86asm.Inst) mmu.SegmentAlias {
	switch {
	case hasPrefix(inst, x86asm.PrefixFS):
		return mmu.FS
	case hasPrefix(inst, x86asm.PrefixGS):
		return mmu.GS
	}
	return mmu.DS
}

func movs(c *CPU, inst *x86asm.Inst) error {
	w := stringWidth(inst.Op)
	mask := addressMask(inst)
	seg := sourceSegment(inst)
	return c.repeat(inst, func() error {
		src := mmu.LogicalAddress{Segment: seg, Offset: c.gpr[6] & mask}
		dst := mmu.LogicalAddress{Segment: mmu.ES, Offset: c.gpr[7] & mask}
		v, err := c.mmu.Read(src, w, mmu.ReadAccess)
		if err != nil {
			return err
		}
		if err := c.mmu.Write(dst, v, mmu.WriteAccess); err != nil {
			return err
		}
		c.advanceIndex(6, w, mask)
		c.advanceIndex(7, w, mask)
		return nil
	})
}

func stos(c *CPU, inst *x86asm.Inst) error {
	w := stringWidth(inst.Op)
	mask := addressMask(inst)
	acc, _ := accumulatorPair(w)
	v := c.ReadRegister(acc)
	return c.repeat(inst, func() error {
		dst := mmu.LogicalAddress{Segment: mmu.ES, Offset: c.gpr[7] & mask}
		if err := c.mmu.Write(dst, v, mmu.WriteAccess); err != nil {
			return err
		}
		c.advanceIndex(7, w, mask)
		return nil
	})
}

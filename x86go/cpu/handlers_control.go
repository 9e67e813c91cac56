package cpu

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// branchTarget resolves a near CALL or JMP operand. Relative targets are taken from the end of the
// instruction at full width.
func (c *CPU) branchTarget(inst *x86asm.Inst) (uint64, error) {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return c.nextRIP + uint64(int64(rel)), nil
	}
	v, err := c.readOperand(inst, 0, arith.QWord)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func call(c *CPU, inst *x86asm.Inst) error {
	target, err := c.branchTarget(inst)
	if err != nil {
		return err
	}
	if err := c.push(arith.New(c.nextRIP, arith.QWord)); err != nil {
		return err
	}
	c.nextRIP = target
	return nil
}

func ret(c *CPU, inst *x86asm.Inst) error {
	v, err := c.peek(arith.QWord)
	if err != nil {
		return err
	}
	var release uint64
	if imm, ok := inst.Args[0].(x86asm.Imm); ok {
		release = uint64(imm) & 0xFFFF
	}
	c.gpr[4] += 8 + release
	c.nextRIP = v.Uint64()
	return nil
}

func jmp(c *CPU, inst *x86asm.Inst) error {
	target, err := c.branchTarget(inst)
	if err != nil {
		return err
	}
	c.nextRIP = target
	return nil
}

func jcc(c *CPU, inst *x86asm.Inst) error {
	if c.test(jccConditions[inst.Op]) {
		c.nextRIP += uint64(int64(inst.Args[0].(x86asm.Rel)))
	}
	return nil
}

// jumpIfCounterZero is JRCXZ and JECXZ.
func jumpIfCounterZero(c *CPU, inst *x86asm.Inst) error {
	counter := c.gpr[1]
	if inst.Op == x86asm.JECXZ {
		counter &= 0xFFFF_FFFF
	}
	if counter == 0 {
		c.nextRIP += uint64(int64(inst.Args[0].(x86asm.Rel)))
	}
	return nil
}

// farCallOrJump is the indirect far CALL and JMP. The far pointer in memory is the offset
// followed by the selector.
func farCallOrJump(c *CPU, inst *x86asm.Inst) error {
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return x86.UD()
	}
	w := arith.WidthOfBits(inst.DataSize)
	buf := make([]byte, int(w)+2)
	if err := c.mmu.ReadBytes(c.effectiveAddress(inst, m), buf, mmu.ReadAccess); err != nil {
		return err
	}
	offset := mmu.DecodeValue(buf[:w]).Uint64()
	sel := mmu.Selector(binary.LittleEndian.Uint16(buf[w:]))
	return c.farTransfer(sel, offset, inst.Op == x86asm.LCALL, w)
}

func lret(c *CPU, inst *x86asm.Inst) error {
	var release uint64
	if imm, ok := inst.Args[0].(x86asm.Imm); ok {
		release = uint64(imm) & 0xFFFF
	}
	return c.farReturn(arith.WidthOfBits(inst.DataSize), release)
}

// interrupt is INT n and INT3, which x86asm both report as INT.
func interrupt(_ *CPU, inst *x86asm.Inst) error {
	if inst.Opcode>>24 == 0xCC {
		return x86.BP()
	}
	imm, _ := inst.Args[0].(x86asm.Imm)
	return x86.SoftwareInterrupt(uint8(imm))
}

func hlt(c *CPU, _ *x86asm.Inst) error {
	if err := c.requireCPL0(); err != nil {
		return err
	}
	c.state = StateHalted
	return nil
}

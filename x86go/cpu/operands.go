package cpu

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// effectiveAddress computes the logical address of a memory operand. RIP-relative displacements
// are taken from the end of the instruction.
func (c *CPU) effectiveAddress(inst *x86asm.Inst, m x86asm.Mem) mmu.LogicalAddress {
	var off uint64
	seg := mmu.DS
	if m.Base != 0 {
		if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
			off = c.nextRIP
		} else {
			off = c.Register(m.Base)
		}
		switch m.Base {
		case x86asm.RSP, x86asm.RBP, x86asm.ESP, x86asm.EBP:
			seg = mmu.SS
		}
	}
	if m.Index != 0 {
		off += c.Register(m.Index) * uint64(m.Scale)
	}
	off += uint64(m.Disp)
	if inst.AddrSize == 32 {
		off &= 0xFFFF_FFFF
	}
	// only FS and GS overrides have an effect in 64-bit mode
	switch m.Segment {
	case x86asm.FS:
		seg = mmu.FS
	case x86asm.GS:
		seg = mmu.GS
	}
	return mmu.LogicalAddress{Segment: seg, Offset: off}
}

// operandWidth is the width of argument i. Immediates take the width of the destination.
func (c *CPU) operandWidth(inst *x86asm.Inst, i int) arith.ByteWidth {
	switch a := inst.Args[i].(type) {
	case x86asm.Reg:
		return c.RegisterWidth(a)
	case x86asm.Mem:
		return arith.ByteWidth(inst.MemBytes)
	case x86asm.Imm, x86asm.Rel:
		if i > 0 {
			return c.operandWidth(inst, 0)
		}
		return arith.WidthOfBits(inst.DataSize)
	}
	panic(fmt.Errorf("operand %d of %s has no width", i, inst.Op))
}

// readOperand loads argument i at width w. Immediates are sign-extended then truncated.
func (c *CPU) readOperand(inst *x86asm.Inst, i int, w arith.ByteWidth) (arith.SizedValue, error) {
	switch a := inst.Args[i].(type) {
	case x86asm.Reg:
		return c.ReadRegister(a).Resize(w), nil
	case x86asm.Mem:
		return c.mmu.Read(c.effectiveAddress(inst, a), w, mmu.ReadAccess)
	case x86asm.Imm:
		return arith.New(uint64(a), w), nil
	case x86asm.Rel:
		return arith.New(c.nextRIP+uint64(int64(a)), w), nil
	}
	panic(fmt.Errorf("cannot read operand %d of %s", i, inst.Op))
}

func (c *CPU) read(inst *x86asm.Inst, i int) (arith.SizedValue, error) {
	return c.readOperand(inst, i, c.operandWidth(inst, i))
}

// writeOperand stores v into argument i, a register or memory.
func (c *CPU) writeOperand(inst *x86asm.Inst, i int, v arith.SizedValue) error {
	switch a := inst.Args[i].(type) {
	case x86asm.Reg:
		if alias, ok := segmentAlias(a); ok {
			return c.LoadSegment(alias, mmu.Selector(v.Uint64()))
		}
		return c.WriteRegister(a, v)
	case x86asm.Mem:
		return c.mmu.Write(c.effectiveAddress(inst, a), v, mmu.WriteAccess)
	}
	panic(fmt.Errorf("cannot write operand %d of %s", i, inst.Op))
}

// checkWritable probes a read-modify-write destination so that no register or flag changes
// before a fault on the store.
func (c *CPU) checkWritable(inst *x86asm.Inst, i int) error {
	m, ok := inst.Args[i].(x86asm.Mem)
	if !ok {
		return nil
	}
	addr := c.effectiveAddress(inst, m)
	size := uint64(inst.MemBytes)
	lin, err := c.mmu.LogicalToLinear(addr, size, mmu.WriteAccess)
	if err != nil {
		return err
	}
	_, err = c.mmu.LinearToPhysical(lin, mmu.WriteAccess)
	if err == nil && lin.PageOffset()+size > x86.PageSize {
		_, err = c.mmu.LinearToPhysical(mmu.LinearAddress(uint64(lin)+size-1), mmu.WriteAccess)
	}
	return err
}

// pushValues pushes values in order, each w bytes wide, and commits RSP when all are stored.
func (c *CPU) pushValues(w arith.ByteWidth, values ...uint64) error {
	size := uint64(w)
	rsp := c.gpr[4] - size*uint64(len(values))
	buf := make([]byte, size*uint64(len(values)))
	for i, v := range values {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		copy(buf[uint64(len(values)-1-i)*size:], b[:size])
	}
	if err := c.mmu.WriteBytes(mmu.LogicalAddress{Segment: mmu.SS, Offset: rsp}, buf, mmu.WriteAccess); err != nil {
		return err
	}
	c.gpr[4] = rsp
	return nil
}

func (c *CPU) push(v arith.SizedValue) error {
	return c.pushValues(v.Width(), v.Uint64())
}

// readStack loads n values of width w starting at rsp, lowest address first.
func (c *CPU) readStack(rsp uint64, w arith.ByteWidth, n int) ([]uint64, error) {
	size := int(w)
	buf := make([]byte, size*n)
	if err := c.mmu.ReadBytes(mmu.LogicalAddress{Segment: mmu.SS, Offset: rsp}, buf, mmu.ReadAccess); err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		var b [8]byte
		copy(b[:], buf[i*size:(i+1)*size])
		out[i] = binary.LittleEndian.Uint64(b[:])
	}
	return out, nil
}

// peekValues reads the n values on top of the stack without popping them.
func (c *CPU) peekValues(w arith.ByteWidth, n int) ([]uint64, error) {
	return c.readStack(c.gpr[4], w, n)
}

// peek reads the top of the stack. The caller commits RSP once the value is stored.
func (c *CPU) peek(w arith.ByteWidth) (arith.SizedValue, error) {
	vals, err := c.peekValues(w, 1)
	if err != nil {
		return arith.SizedValue{}, err
	}
	return arith.New(vals[0], w), nil
}

// stackWidth is the operand size of PUSH and POP: 8 bytes unless overridden to 2.
func stackWidth(inst *x86asm.Inst) arith.ByteWidth {
	if inst.DataSize == 16 {
		return arith.Word
	}
	return arith.QWord
}

func (c *CPU) requireCPL0() error {
	if c.CPL() != 0 {
		return x86.GP0()
	}
	return nil
}

func hasPrefix(inst *x86asm.Inst, p x86asm.Prefix) bool {
	for _, q := range inst.Prefix {
		if q == 0 {
			break
		}
		if q&0xFF == p {
			return true
		}
	}
	return false
}

package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// binaryOp builds ADD, SUB and CMP. CMP only sets the flags.
func binaryOp(op func(a, b arith.SizedValue) arith.Result, store bool) handler {
	return func(c *CPU, inst *x86asm.Inst) error {
		return c.arithmetic(inst, store, op)
	}
}

func adc(c *CPU, inst *x86asm.Inst) error {
	carry := c.flag(x86.FlagCF)
	return c.arithmetic(inst, true, func(a, b arith.SizedValue) arith.Result {
		return arith.AddCarry(a, b, carry)
	})
}

func sbb(c *CPU, inst *x86asm.Inst) error {
	borrow := c.flag(x86.FlagCF)
	return c.arithmetic(inst, true, func(a, b arith.SizedValue) arith.Result {
		return arith.SubBorrow(a, b, borrow)
	})
}

func (c *CPU) arithmetic(inst *x86asm.Inst, store bool, op func(a, b arith.SizedValue) arith.Result) error {
	w := c.operandWidth(inst, 0)
	if store {
		if err := c.checkWritable(inst, 0); err != nil {
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
	r := op(a, b)
	if store {
		if err := c.writeOperand(inst, 0, r.Value); err != nil {
			return err
		}
	}
	c.setArithFlags(r)
	return nil
}

// logicOp builds AND, OR, XOR and TEST: CF and OF are cleared.
func logicOp(op func(a, b arith.SizedValue) arith.SizedValue, store bool) handler {
	return func(c *CPU, inst *x86asm.Inst) error {
		w := c.operandWidth(inst, 0)
		if store {
			if err := c.checkWritable(inst, 0); err != nil {
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
		v := op(a, b)
		if store {
			if err := c.writeOperand(inst, 0, v); err != nil {
				return err
			}
		}
		c.setLogicFlags(v)
		return nil
	}
}

// incDec leaves CF alone.
func incDec(op func(a, b arith.SizedValue) arith.Result) handler {
	return func(c *CPU, inst *x86asm.Inst) error {
		w := c.operandWidth(inst, 0)
		if err := c.checkWritable(inst, 0); err != nil {
			return err
		}
		a, err := c.readOperand(inst, 0, w)
		if err != nil {
			return err
		}
		r := op(a, arith.New(1, w))
		if err := c.writeOperand(inst, 0, r.Value); err != nil {
			return err
		}
		r.Carry = c.flag(x86.FlagCF)
		c.setArithFlags(r)
		return nil
	}
}

func neg(c *CPU, inst *x86asm.Inst) error {
	w := c.operandWidth(inst, 0)
	if err := c.checkWritable(inst, 0); err != nil {
		return err
	}
	a, err := c.readOperand(inst, 0, w)
	if err != nil {
		return err
	}
	r := arith.SubFlags(arith.New(0, w), a)
	if err := c.writeOperand(inst, 0, r.Value); err != nil {
		return err
	}
	c.setArithFlags(r)
	return nil
}

func not(c *CPU, inst *x86asm.Inst) error {
	a, err := c.read(inst, 0)
	if err != nil {
		return err
	}
	return c.writeOperand(inst, 0, a.Not())
}

// accumulatorPair names the registers holding the low and high halves of a double-width
// multiply or divide operand.
func accumulatorPair(w arith.ByteWidth) (lo, hi x86asm.Reg) {
	switch w {
	case arith.Byte:
		return x86asm.AL, x86asm.AH
	case arith.Word:
		return x86asm.AX, x86asm.DX
	case arith.DWord:
		return x86asm.EAX, x86asm.EDX
	default:
		return x86asm.RAX, x86asm.RDX
	}
}

func (c *CPU) setProductFlags(p arith.Product) {
	c.setFlag(x86.FlagCF, p.Carry)
	c.setFlag(x86.FlagOF, p.Overflow)
	c.setFlag(x86.FlagAF, false)
	c.setResultFlags(p.Low)
}

// wideMultiply is the one-operand form: the accumulator times the source into the register pair.
func (c *CPU) wideMultiply(inst *x86asm.Inst, op func(a, b arith.SizedValue) arith.Product) error {
	src, err := c.read(inst, 0)
	if err != nil {
		return err
	}
	lo, hi := accumulatorPair(src.Width())
	p := op(c.ReadRegister(lo), src)
	if err := c.WriteRegister(lo, p.Low); err != nil {
		return err
	}
	if err := c.WriteRegister(hi, p.High()); err != nil {
		return err
	}
	c.setProductFlags(p)
	return nil
}

func mul(c *CPU, inst *x86asm.Inst) error {
	return c.wideMultiply(inst, arith.MulFlags)
}

func imul(c *CPU, inst *x86asm.Inst) error {
	if inst.Args[1] == nil {
		return c.wideMultiply(inst, arith.IMulFlags)
	}
	w := c.operandWidth(inst, 0)
	// the two-operand form multiplies into the destination, the three-operand form takes an immediate
	a, b := 0, 1
	if inst.Args[2] != nil {
		a, b = 1, 2
	}
	x, err := c.readOperand(inst, a, w)
	if err != nil {
		return err
	}
	y, err := c.readOperand(inst, b, w)
	if err != nil {
		return err
	}
	p := arith.IMulFlags(x, y)
	if err := c.writeOperand(inst, 0, p.Low); err != nil {
		return err
	}
	c.setProductFlags(p)
	return nil
}

// wideDivide divides the register pair by the source. A zero divisor or a quotient that does not
// fit raises #DE before anything is written.
func (c *CPU) wideDivide(inst *x86asm.Inst, op func(dividend, divisor arith.SizedValue) (q, r arith.SizedValue, ok bool)) error {
	src, err := c.read(inst, 0)
	if err != nil {
		return err
	}
	lo, hi := accumulatorPair(src.Width())
	q, r, ok := op(arith.FromHalves(c.ReadRegister(hi), c.ReadRegister(lo)), src)
	if !ok {
		return x86.DE()
	}
	if err := c.WriteRegister(lo, q); err != nil {
		return err
	}
	return c.WriteRegister(hi, r)
}

func div(c *CPU, inst *x86asm.Inst) error  { return c.wideDivide(inst, arith.DivMod) }
func idiv(c *CPU, inst *x86asm.Inst) error { return c.wideDivide(inst, arith.IDivMod) }

// shiftCount reads the count operand, masked to 6 bits for quadwords and 5 otherwise.
func (c *CPU) shiftCount(inst *x86asm.Inst, w arith.ByteWidth) (uint, error) {
	n, err := c.readOperand(inst, 1, arith.Byte)
	if err != nil {
		return 0, err
	}
	mask := uint64(0x1F)
	if w == arith.QWord {
		mask = 0x3F
	}
	return uint(n.Uint64() & mask), nil
}

// shift is SHL, SHR and SAR. A zero count changes nothing, not even the flags.
func shift(c *CPU, inst *x86asm.Inst) error {
	w := c.operandWidth(inst, 0)
	if err := c.checkWritable(inst, 0); err != nil {
		return err
	}
	a, err := c.readOperand(inst, 0, w)
	if err != nil {
		return err
	}
	n, err := c.shiftCount(inst, w)
	if err != nil || n == 0 {
		return err
	}
	bits := w.Bits()
	var r arith.SizedValue
	var cf, of bool
	switch inst.Op {
	case x86asm.SHL:
		r = a.Shl(n)
		cf = n <= bits && a.Bit(bits-n)
		of = r.Sign() != cf
	case x86asm.SHR:
		r = a.Shr(n)
		cf = n <= bits && a.Bit(n-1)
		of = a.Sign()
	case x86asm.SAR:
		r = a.Sar(n)
		cf = a.Bit(min(n, bits) - 1)
	}
	if err := c.writeOperand(inst, 0, r); err != nil {
		return err
	}
	c.setFlag(x86.FlagCF, cf)
	c.setFlag(x86.FlagOF, of)
	c.setFlag(x86.FlagAF, false)
	c.setResultFlags(r)
	return nil
}

// rotate is ROL and ROR, which only touch CF and OF.
func rotate(c *CPU, inst *x86asm.Inst) error {
	w := c.operandWidth(inst, 0)
	if err := c.checkWritable(inst, 0); err != nil {
		return err
	}
	a, err := c.readOperand(inst, 0, w)
	if err != nil {
		return err
	}
	n, err := c.shiftCount(inst, w)
	if err != nil || n == 0 {
		return err
	}
	bits := w.Bits()
	var r arith.SizedValue
	var cf, of bool
	if inst.Op == x86asm.ROL {
		r = a.Rol(n)
		cf = r.Bit(0)
		of = r.Sign() != cf
	} else {
		r = a.Ror(n)
		cf = r.Sign()
		of = r.Bit(bits-1) != r.Bit(bits-2)
	}
	if err := c.writeOperand(inst, 0, r); err != nil {
		return err
	}
	c.setFlag(x86.FlagCF, cf)
	c.setFlag(x86.FlagOF, of)
	return nil
}

// signExtendAccumulator is CBW, CWDE and CDQE.
func signExtendAccumulator(c *CPU, inst *x86asm.Inst) error {
	dst := arith.WidthOfBits(inst.DataSize)
	lo, _ := accumulatorPair(dst.Half())
	full, _ := accumulatorPair(dst)
	return c.WriteRegister(full, c.ReadRegister(lo).SignExtend(dst))
}

// signExtendIntoDX is CWD, CDQ and CQO.
func signExtendIntoDX(c *CPU, inst *x86asm.Inst) error {
	w := arith.WidthOfBits(inst.DataSize)
	lo, hi := accumulatorPair(w)
	wide := c.ReadRegister(lo).SignExtend(w.Double())
	return c.WriteRegister(hi, wide.UpperHalf())
}

package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// handler executes one decoded instruction. Control transfers set nextRIP themselves; every other
// instruction leaves it pointing after the instruction. A returned *x86.Event is raised.
type handler func(c *CPU, inst *x86asm.Inst) error

func instructionTable() map[x86asm.Op]handler {
	t := map[x86asm.Op]handler{
		x86asm.ADD:  binaryOp(arith.AddFlags, true),
		x86asm.SUB:  binaryOp(arith.SubFlags, true),
		x86asm.CMP:  binaryOp(arith.SubFlags, false),
		x86asm.ADC:  adc,
		x86asm.SBB:  sbb,
		x86asm.AND:  logicOp(arith.SizedValue.And, true),
		x86asm.OR:   logicOp(arith.SizedValue.Or, true),
		x86asm.XOR:  logicOp(arith.SizedValue.Xor, true),
		x86asm.TEST: logicOp(arith.SizedValue.And, false),
		x86asm.INC:  incDec(arith.AddFlags),
		x86asm.DEC:  incDec(arith.SubFlags),
		x86asm.NEG:  neg,
		x86asm.NOT:  not,
		x86asm.MUL:  mul,
		x86asm.IMUL: imul,
		x86asm.DIV:  div,
		x86asm.IDIV: idiv,
		x86asm.SHL:  shift,
		x86asm.SHR:  shift,
		x86asm.SAR:  shift,
		x86asm.ROL:  rotate,
		x86asm.ROR:  rotate,
		x86asm.CBW:  signExtendAccumulator,
		x86asm.CWDE: signExtendAccumulator,
		x86asm.CDQE: signExtendAccumulator,
		x86asm.CWD:  signExtendIntoDX,
		x86asm.CDQ:  signExtendIntoDX,
		x86asm.CQO:  signExtendIntoDX,

		x86asm.MOV:    mov,
		x86asm.MOVZX:  movExtend(false),
		x86asm.MOVSX:  movExtend(true),
		x86asm.MOVSXD: movExtend(true),
		x86asm.LEA:    lea,
		x86asm.XCHG:   xchg,
		x86asm.PUSH:   push,
		x86asm.POP:    pop,
		x86asm.PUSHF:  pushf,
		x86asm.PUSHFQ: pushf,
		x86asm.POPF:   popf,
		x86asm.POPFQ:  popf,
		x86asm.LEAVE:  leave,
		x86asm.MOVSB:  movs,
		x86asm.MOVSW:  movs,
		x86asm.MOVSD:  movs,
		x86asm.MOVSQ:  movs,
		x86asm.STOSB:  stos,
		x86asm.STOSW:  stos,
		x86asm.STOSD:  stos,
		x86asm.STOSQ:  stos,

		x86asm.CALL:  call,
		x86asm.RET:   ret,
		x86asm.JMP:   jmp,
		x86asm.JRCXZ: jumpIfCounterZero,
		x86asm.JECXZ: jumpIfCounterZero,
		x86asm.LCALL: farCallOrJump,
		x86asm.LJMP:  farCallOrJump,
		x86asm.LRET:  lret,
		x86asm.INT:   interrupt,
		x86asm.IRETQ: func(c *CPU, _ *x86asm.Inst) error { return c.iret() },
		x86asm.HLT:   hlt,
		x86asm.NOP:   nop,
		x86asm.PAUSE: nop,
		x86asm.UD1:   invalidOpcode,
		x86asm.UD2:   invalidOpcode,

		x86asm.CLI:     cli,
		x86asm.STI:     sti,
		x86asm.CLC:     flagOp(x86.FlagCF, false),
		x86asm.STC:     flagOp(x86.FlagCF, true),
		x86asm.CLD:     flagOp(x86.FlagDF, false),
		x86asm.STD:     flagOp(x86.FlagDF, true),
		x86asm.CMC:     cmc,
		x86asm.LGDT:    loadTableRegister,
		x86asm.LIDT:    loadTableRegister,
		x86asm.SGDT:    storeTableRegister,
		x86asm.SIDT:    storeTableRegister,
		x86asm.LLDT:    lldt,
		x86asm.LTR:     ltr,
		x86asm.INVLPG:  invlpg,
		x86asm.RDMSR:   rdmsr,
		x86asm.WRMSR:   wrmsr,
		x86asm.SWAPGS:  swapgs,
		x86asm.CPUID:   cpuid,
		x86asm.RDTSC:   rdtsc,
		x86asm.SYSCALL: syscall,
		x86asm.SYSRET:  sysret,
	}
	for op := range jccConditions {
		t[op] = jcc
	}
	for op := range cmovConditions {
		t[op] = cmov
	}
	for op := range setConditions {
		t[op] = setcc
	}
	return t
}

// condition is the low nibble of a Jcc/SETcc/CMOVcc opcode.
type condition uint8

const (
	condO condition = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

func (c *CPU) test(cond condition) bool {
	var v bool
	switch cond &^ 1 {
	case condO:
		v = c.flag(x86.FlagOF)
	case condB:
		v = c.flag(x86.FlagCF)
	case condE:
		v = c.flag(x86.FlagZF)
	case condBE:
		v = c.flag(x86.FlagCF) || c.flag(x86.FlagZF)
	case condS:
		v = c.flag(x86.FlagSF)
	case condP:
		v = c.flag(x86.FlagPF)
	case condL:
		v = c.flag(x86.FlagSF) != c.flag(x86.FlagOF)
	case condLE:
		v = c.flag(x86.FlagZF) || c.flag(x86.FlagSF) != c.flag(x86.FlagOF)
	}
	// odd conditions are the negations
	return v != (cond&1 == 1)
}

var jccConditions = map[x86asm.Op]condition{
	x86asm.JO: condO, x86asm.JNO: condNO, x86asm.JB: condB, x86asm.JAE: condAE,
	x86asm.JE: condE, x86asm.JNE: condNE, x86asm.JBE: condBE, x86asm.JA: condA,
	x86asm.JS: condS, x86asm.JNS: condNS, x86asm.JP: condP, x86asm.JNP: condNP,
	x86asm.JL: condL, x86asm.JGE: condGE, x86asm.JLE: condLE, x86asm.JG: condG,
}

var cmovConditions = map[x86asm.Op]condition{
	x86asm.CMOVO: condO, x86asm.CMOVNO: condNO, x86asm.CMOVB: condB, x86asm.CMOVAE: condAE,
	x86asm.CMOVE: condE, x86asm.CMOVNE: condNE, x86asm.CMOVBE: condBE, x86asm.CMOVA: condA,
	x86asm.CMOVS: condS, x86asm.CMOVNS: condNS, x86asm.CMOVP: condP, x86asm.CMOVNP: condNP,
	x86asm.CMOVL: condL, x86asm.CMOVGE: condGE, x86asm.CMOVLE: condLE, x86asm.CMOVG: condG,
}

var setConditions = map[x86asm.Op]condition{
	x86asm.SETO: condO, x86asm.SETNO: condNO, x86asm.SETB: condB, x86asm.SETAE: condAE,
	x86asm.SETE: condE, x86asm.SETNE: condNE, x86asm.SETBE: condBE, x86asm.SETA: condA,
	x86asm.SETS: condS, x86asm.SETNS: condNS, x86asm.SETP: condP, x86asm.SETNP: condNP,
	x86asm.SETL: condL, x86asm.SETGE: condGE, x86asm.SETLE: condLE, x86asm.SETG: condG,
}

// setResultFlags sets ZF, SF and PF from a result.
func (c *CPU) setResultFlags(v arith.SizedValue) {
	r := arith.Result{Value: v}
	c.setFlag(x86.FlagZF, r.Zero())
	c.setFlag(x86.FlagSF, r.Sign())
	c.setFlag(x86.FlagPF, r.Parity())
}

func (c *CPU) setArithFlags(r arith.Result) {
	c.setFlag(x86.FlagCF, r.Carry)
	c.setFlag(x86.FlagOF, r.Overflow)
	c.setFlag(x86.FlagAF, r.Adjust)
	c.setResultFlags(r.Value)
}

func (c *CPU) setLogicFlags(v arith.SizedValue) {
	c.setFlag(x86.FlagCF, false)
	c.setFlag(x86.FlagOF, false)
	c.setFlag(x86.FlagAF, false)
	c.setResultFlags(v)
}

func nop(*CPU, *x86asm.Inst) error { return nil }

func invalidOpcode(*CPU, *x86asm.Inst) error { return x86.UD() }

package cpu

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// farTransfer is a far CALL or JMP to sel:offset. Operand size w applies to the pushed return
// address of a direct CALL; call gates always push quadwords.
func (c *CPU) farTransfer(sel mmu.Selector, offset uint64, call bool, w arith.ByteWidth) error {
	if sel.Null() {
		return x86.GP0()
	}
	selCode := x86.SelectorCode(uint16(sel), false)
	ref, err := c.readDescriptor(sel, false)
	if err != nil {
		return err
	}
	cpl := c.CPL()
	switch d := ref.desc.(type) {
	case mmu.SegmentDescriptor:
		if !d.IsCode() {
			return x86.GP(selCode)
		}
		dpl := d.Access().DPL()
		if d.Conforming() {
			if dpl > cpl {
				return x86.GP(selCode)
			}
		} else if sel.RPL() > cpl || dpl != cpl {
			return x86.GP(selCode)
		}
		if !d.Access().Present() {
			return x86.NP(selCode)
		}
		if !d.Is64BitCode() {
			return x86.GP(selCode)
		}
		if !mmu.LinearAddress(offset).Canonical() {
			return x86.GP0()
		}
		if call {
			if err := c.pushValues(w, uint64(c.seg[mmu.CS].Selector), c.nextRIP); err != nil {
				return err
			}
		}
		if d, err = c.markAccessed(ref, d); err != nil {
			return err
		}
		c.seg[mmu.CS] = mmu.SegmentRegister{Selector: sel.WithRPL(cpl), Descriptor: d}
		c.nextRIP = offset
		return nil

	case mmu.GateDescriptor:
		if d.Kind() != mmu.KindCallGate {
			return x86.GP(selCode)
		}
		return c.callGate(d, sel, call)

	default:
		// task gates and TSS descriptors would start a task switch
		return x86.GP(selCode)
	}
}

// callGate transfers through a 64-bit call gate. The offset of the far pointer is ignored.
func (c *CPU) callGate(gate mmu.GateDescriptor, sel mmu.Selector, call bool) error {
	cpl := c.CPL()
	selCode := x86.SelectorCode(uint16(sel), false)
	gdpl := gate.Access().DPL()
	if gdpl < cpl || gdpl < sel.RPL() {
		return x86.GP(selCode)
	}
	if !gate.Access().Present() {
		return x86.NP(selCode)
	}

	targetSel := gate.Selector()
	ref, target, err := c.codeSegment(targetSel, false)
	if err != nil {
		return err
	}
	targetCode := x86.SelectorCode(uint16(targetSel), false)
	dpl := target.Access().DPL()
	switch {
	case dpl > cpl:
		return x86.GP(targetCode)
	case !call && !target.Conforming() && dpl != cpl:
		return x86.GP(targetCode)
	}
	if !mmu.LinearAddress(gate.Offset()).Canonical() {
		return x86.GP0()
	}

	newCPL := cpl
	if call && !target.Conforming() && dpl < cpl {
		newCPL = dpl
	}
	if call {
		oldCS := uint64(c.seg[mmu.CS].Selector)
		if newCPL != cpl {
			rsp, err := c.tssStack(tssRSP0+8*uint64(newCPL), false)
			if err != nil {
				return err
			}
			frame := []uint64{uint64(c.seg[mmu.SS].Selector), c.gpr[4], oldCS, c.nextRIP}
			newRSP, err := c.writeFrame(rsp, frame, mmu.ImplicitWrite, false)
			if err != nil {
				return err
			}
			c.seg[mmu.SS] = mmu.SegmentRegister{Selector: mmu.Selector(newCPL)}
			c.gpr[4] = newRSP
		} else if err := c.pushValues(arith.QWord, oldCS, c.nextRIP); err != nil {
			return err
		}
	}
	if target, err = c.markAccessed(ref, target); err != nil {
		return err
	}
	c.log.Debug("call gate", "gate", sel, "cs", targetSel, "rip", hexutil.Uint64(gate.Offset()), "cpl", newCPL, "call", call)
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: targetSel.WithRPL(newCPL), Descriptor: target}
	c.nextRIP = gate.Offset()
	return nil
}

// farReturn is RETF: pops RIP and CS, then releases extra bytes of parameters, and for a return to
// an outer level pops RSP and SS as well.
func (c *CPU) farReturn(w arith.ByteWidth, release uint64) error {
	size := uint64(w)
	ret, err := c.peekValues(w, 2)
	if err != nil {
		return err
	}
	rip, csSel := ret[0], mmu.Selector(ret[1])
	cpl := c.CPL()
	ref, cs, err := c.returnCodeSegment(csSel, cpl)
	if err != nil {
		return err
	}
	newCPL := csSel.RPL()
	if !mmu.LinearAddress(rip).Canonical() {
		return x86.GP0()
	}
	rsp := c.gpr[4] + 2*size + release

	var ss mmu.SegmentRegister
	var ssRef *descriptorRef
	if newCPL != cpl {
		outer, err := c.readStack(rsp, w, 2)
		if err != nil {
			return err
		}
		if ss, ssRef, err = c.stackSegment(mmu.Selector(outer[1]), newCPL); err != nil {
			return err
		}
		rsp = outer[0] + release
	}
	if cs, err = c.markAccessed(ref, cs); err != nil {
		return err
	}
	if ssRef != nil {
		if ss.Descriptor, err = c.markAccessed(*ssRef, ss.Descriptor); err != nil {
			return err
		}
	}
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: csSel, Descriptor: cs}
	if newCPL != cpl {
		c.seg[mmu.SS] = ss
		c.nullifyDataSegments(newCPL)
	}
	c.gpr[4] = rsp
	c.nextRIP = rip
	return nil
}

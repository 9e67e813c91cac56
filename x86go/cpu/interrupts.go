package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// vectors that are always integral to the instruction raising them
var integralVectors = map[uint8]bool{
	x86.VectorDE: true, x86.VectorBP: true, x86.VectorOF: true, x86.VectorBR: true,
	x86.VectorTS: true, x86.VectorNP: true, x86.VectorSS: true, x86.VectorAC: true,
	x86.VectorMF: true, x86.VectorXM: true, x86.VectorVE: true, x86.VectorCP: true,
}

// raisePriority decides whether ev is serviced as part of the current instruction or queued.
func (c *CPU) raisePriority(ev *x86.Event) Priority {
	switch {
	case c.state == StateHandleInstruction:
		return PriorityIntegral
	case c.state == StateFetch && (ev.Vector == x86.VectorGP || ev.Vector == x86.VectorPF):
		return PriorityFault
	case ev.Type.IsException() && integralVectors[ev.Vector]:
		return PriorityIntegral
	default:
		return PriorityOf(ev)
	}
}

// raise queues an event for the next interrupt servicing phase.
func (c *CPU) raise(ev *x86.Event) {
	priority := c.raisePriority(ev)
	c.log.Debug("raise", "event", ev, "priority", priority, "state", c.state, "rip", hexutil.Uint64(c.rip))
	if err := c.icu.Push(ev, priority); err != nil {
		panic(err)
	}
}

// serviceInterrupts drains the queue, so that every pending event is delivered at this boundary.
// Maskable interrupts that were raised before IF was cleared stay queued until it is set again.
func (c *CPU) serviceInterrupts() (int, error) {
	var masked []*x86.Event
	delivered := 0
	for {
		ev, ok := c.icu.Pop()
		if !ok {
			break
		}
		if ev.Type == x86.TypeMaskable && !c.flag(x86.FlagIF) {
			masked = append(masked, ev)
			continue
		}
		if err := c.deliver(ev); err != nil {
			return delivered, err
		}
		delivered++
	}
	for _, ev := range masked {
		if err := c.icu.Push(ev, PriorityMaskable); err != nil {
			panic(err)
		}
	}
	return delivered, nil
}

// deliver runs gate dispatch for ev and resolves events raised during the delivery with the
// nested event table.
func (c *CPU) deliver(ev *x86.Event) error {
	defer func() { c.delivering = nil }()
	for {
		c.delivering = ev
		err := c.handleInterrupt(ev)
		if err == nil {
			return nil
		}
		var next *x86.Event
		if !errors.As(err, &next) {
			return err
		}
		action := x86.ClassifyNested(ev.Class, next.Class)
		c.log.Debug("event during delivery", "first", ev, "second", next, "action", action)
		switch action {
		case x86.Shutdown:
			return fmt.Errorf("%w: %s while delivering %s at rip %#x", ErrShutdown, next, ev, c.rip)
		case x86.GenerateDoubleFault:
			ev = x86.DF()
		default:
			if next.Type == x86.TypeFault && ev.Source == x86.SourceSoftware {
				// a fault while delivering INT n points back at the INT instruction
				c.nextRIP = c.rip
			}
			ev = next
		}
	}
}

// Delivering is the event whose delivery is in progress, if any.
func (c *CPU) Delivering() *x86.Event { return c.delivering }

// Interrupt delivers ev immediately, as if it had been raised at the current boundary. The host
// kernel layer uses it to reflect events into the guest.
func (c *CPU) Interrupt(ev *x86.Event) error {
	prev := c.state
	c.state = StateHandleInterrupt
	defer func() { c.state = prev }()
	return c.deliver(ev)
}

func (c *CPU) readGate(vector uint8, ext bool) (mmu.GateDescriptor, error) {
	code := x86.VectorCode(vector, ext)
	offset := uint64(vector) * 16
	if !c.idtr.Covers(offset, 16) {
		return mmu.GateDescriptor{}, x86.GP(code)
	}
	var raw [16]byte
	if err := c.mmu.ReadLinear(mmu.LinearAddress(uint64(c.idtr.Base)+offset), raw[:], mmu.ImplicitRead); err != nil {
		return mmu.GateDescriptor{}, err
	}
	d := mmu.DecodeDescriptor(binary.LittleEndian.Uint64(raw[:8]), binary.LittleEndian.Uint64(raw[8:]))
	gate, ok := d.(mmu.GateDescriptor)
	if !ok || (gate.Kind() != mmu.KindInterruptGate && gate.Kind() != mmu.KindTrapGate) {
		// call and task gates have no place in a long mode IDT
		return mmu.GateDescriptor{}, x86.GP(code)
	}
	return gate, nil
}

// tssStack reads a stack pointer slot of the current TSS.
func (c *CPU) tssStack(offset uint64, ext bool) (uint64, error) {
	tss := c.tr.Descriptor
	if !tss.Access().Present() || offset+7 > tss.Limit() {
		return 0, x86.TS(x86.SelectorCode(uint16(c.tr.Selector), ext))
	}
	return c.mmu.ReadLinear64(mmu.LinearAddress(tss.Base()+offset), mmu.ImplicitRead)
}

// TSS layout in long mode.
const (
	tssRSP0 = 0x04
	tssIST1 = 0x24
)

// writeFrame stores values, first one at the highest address, below rsp. Nothing is written
// unless the whole frame can be.
func (c *CPU) writeFrame(rsp uint64, values []uint64, acc mmu.Access, ext bool) (uint64, error) {
	size := uint64(len(values)) * 8
	top := rsp - size
	if !mmu.LinearAddress(top).Canonical() || !mmu.LinearAddress(rsp-1).Canonical() {
		return 0, x86.SS(x86.SelectorErrorCode{External: ext})
	}
	buf := make([]byte, size)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[size-uint64(i+1)*8:], v)
	}
	if err := c.mmu.WriteLinear(mmu.LinearAddress(top), buf, acc); err != nil {
		return 0, err
	}
	return top, nil
}

// handleInterrupt is gate dispatch for one event through the long mode IDT.
func (c *CPU) handleInterrupt(ev *x86.Event) error {
	if c.interruptHook != nil {
		handled, err := c.interruptHook(c, ev)
		if err != nil || handled {
			return err
		}
	}
	ext := ev.External()
	vecCode := x86.VectorCode(ev.Vector, ext)

	gate, err := c.readGate(ev.Vector, ext)
	if err != nil {
		return err
	}
	cpl := c.CPL()
	if ev.Source == x86.SourceSoftware && cpl > gate.Access().DPL() {
		return x86.GP(vecCode)
	}
	if !gate.Access().Present() {
		return x86.NP(vecCode)
	}

	ref, target, err := c.codeSegment(gate.Selector(), ext)
	if err != nil {
		return err
	}
	dpl := target.Access().DPL()
	if dpl > cpl {
		return x86.GP(x86.SelectorCode(uint16(gate.Selector()), ext))
	}
	newCPL := cpl
	if !target.Conforming() && dpl < cpl {
		newCPL = dpl
	}
	if !mmu.LinearAddress(gate.Offset()).Canonical() {
		return x86.GP(x86.SelectorErrorCode{External: ext})
	}

	rsp := c.gpr[4]
	switch {
	case gate.IST() != 0:
		rsp, err = c.tssStack(tssIST1+8*uint64(gate.IST()-1), ext)
	case newCPL != cpl:
		rsp, err = c.tssStack(tssRSP0+8*uint64(newCPL), ext)
	}
	if err != nil {
		return err
	}
	rsp &^= 0xF

	frame := []uint64{
		uint64(c.seg[mmu.SS].Selector),
		c.gpr[4],
		c.rflags,
		uint64(c.seg[mmu.CS].Selector),
		c.nextRIP,
	}
	if ev.HasErrorCode {
		frame = append(frame, uint64(ev.ErrorCode))
	}
	acc := mmu.Access{Op: mmu.OpWrite, Implicit: newCPL < 3}
	newRSP, err := c.writeFrame(rsp, frame, acc, ext)
	if err != nil {
		return err
	}
	if target, err = c.markAccessed(ref, target); err != nil {
		return err
	}

	c.log.Debug("interrupt", "event", ev, "gate", gate.Kind(), "cs", gate.Selector(),
		"rip", hexutil.Uint64(gate.Offset()), "cpl", newCPL, "from", hexutil.Uint64(c.nextRIP))
	if newCPL != cpl {
		c.seg[mmu.SS] = mmu.SegmentRegister{Selector: mmu.Selector(newCPL)}
	}
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: gate.Selector().WithRPL(newCPL), Descriptor: target}
	c.gpr[4] = newRSP
	flags := c.rflags &^ (x86.FlagTF | x86.FlagVM | x86.FlagRF | x86.FlagNT)
	if gate.Kind() == mmu.KindInterruptGate {
		flags &^= x86.FlagIF
	}
	c.setRFLAGS(flags)
	c.nextRIP = gate.Offset()
	if newCPL != cpl {
		c.nullifyDataSegments(newCPL)
	}
	return nil
}

// iret is IRETQ: always pops RIP, CS, RFLAGS, RSP and SS.
func (c *CPU) iret() error {
	if c.flag(x86.FlagNT) {
		// task return
		return x86.GP0()
	}
	frame, err := c.readStack(c.gpr[4], arith.QWord, 5)
	if err != nil {
		return err
	}
	rip, csSel, flags, rsp, ssSel := frame[0], mmu.Selector(frame[1]), frame[2], frame[3], mmu.Selector(frame[4])
	cpl := c.CPL()

	ref, cs, err := c.returnCodeSegment(csSel, cpl)
	if err != nil {
		return err
	}
	newCPL := csSel.RPL()
	ss, ssRef, err := c.stackSegment(ssSel, newCPL)
	if err != nil {
		return err
	}
	if !mmu.LinearAddress(rip).Canonical() {
		return x86.GP0()
	}
	if cs, err = c.markAccessed(ref, cs); err != nil {
		return err
	}
	if ssRef != nil {
		if ss.Descriptor, err = c.markAccessed(*ssRef, ss.Descriptor); err != nil {
			return err
		}
	}

	c.setRFLAGS(c.poppedFlags(flags, cpl))
	c.seg[mmu.CS] = mmu.SegmentRegister{Selector: csSel, Descriptor: cs}
	c.seg[mmu.SS] = ss
	c.gpr[4] = rsp
	c.nextRIP = rip
	if newCPL > cpl {
		c.nullifyDataSegments(newCPL)
	}
	c.log.Debug("iret", "rip", hexutil.Uint64(rip), "cs", csSel, "cpl", newCPL)
	return nil
}

// returnCodeSegment checks the CS popped by IRET or far RET.
func (c *CPU) returnCodeSegment(sel mmu.Selector, cpl uint8) (descriptorRef, mmu.SegmentDescriptor, error) {
	if sel.Null() {
		return descriptorRef{}, 0, x86.GP0()
	}
	selCode := x86.SelectorCode(uint16(sel), false)
	if sel.RPL() < cpl {
		return descriptorRef{}, 0, x86.GP(selCode)
	}
	ref, d, err := c.codeSegment(sel, false)
	if err != nil {
		return descriptorRef{}, 0, err
	}
	dpl := d.Access().DPL()
	if (d.Conforming() && dpl > sel.RPL()) || (!d.Conforming() && dpl != sel.RPL()) {
		return descriptorRef{}, 0, x86.GP(selCode)
	}
	return ref, d, nil
}

// poppedFlags applies the privilege rules of POPF and IRET to a new RFLAGS value.
func (c *CPU) poppedFlags(v uint64, cpl uint8) uint64 {
	keep := x86.FlagVM | x86.FlagVIF | x86.FlagVIP
	if cpl > 0 {
		keep |= x86.FlagIOPL
	}
	if cpl > c.IOPL() {
		keep |= x86.FlagIF
	}
	return c.rflags&keep | v&^keep
}

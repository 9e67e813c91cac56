package cpu

import (
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// descriptorRef is a descriptor together with where it was read from, for write-back.
type descriptorRef struct {
	desc   mmu.Descriptor
	table  mmu.DescriptorTableRegister
	offset uint64
}

// tableFor picks the GDT or the LDT by the table indicator of sel.
func (c *CPU) tableFor(sel mmu.Selector, ext bool) (mmu.DescriptorTableRegister, error) {
	if !sel.LDT() {
		return c.gdtr, nil
	}
	if !c.ldtr.Descriptor.Access().Present() {
		return mmu.DescriptorTableRegister{}, x86.GP(x86.SelectorCode(uint16(sel), ext))
	}
	return mmu.DescriptorTableRegister{
		Base:  mmu.LinearAddress(c.ldtr.Descriptor.Base()),
		Limit: uint16(min(c.ldtr.Descriptor.Limit(), 0xFFFF)),
	}, nil
}

// readDescriptor fetches the descriptor named by a non-null selector. A selector beyond the table
// limit is #GP(selector).
func (c *CPU) readDescriptor(sel mmu.Selector, ext bool) (descriptorRef, error) {
	table, err := c.tableFor(sel, ext)
	if err != nil {
		return descriptorRef{}, err
	}
	d, ok, err := c.mmu.ReadDescriptor(table, sel.Offset())
	if err != nil {
		return descriptorRef{}, err
	}
	if !ok {
		return descriptorRef{}, x86.GP(x86.SelectorCode(uint16(sel), ext))
	}
	return descriptorRef{desc: d, table: table, offset: sel.Offset()}, nil
}

// markAccessed writes the accessed bit back to the table when it is not yet set.
func (c *CPU) markAccessed(ref descriptorRef, d mmu.SegmentDescriptor) (mmu.SegmentDescriptor, error) {
	if d.Access().Accessed() {
		return d, nil
	}
	d = d.WithAccessed()
	if err := c.mmu.WriteDescriptor(ref.table, ref.offset, d); err != nil {
		return 0, err
	}
	return d, nil
}

// LoadSegment is MOV/POP to a data or stack segment register with all the protection checks.
func (c *CPU) LoadSegment(alias mmu.SegmentAlias, sel mmu.Selector) error {
	cpl := c.CPL()
	selCode := x86.SelectorCode(uint16(sel), false)
	if alias == mmu.CS {
		return x86.UD()
	}

	if sel.Null() {
		if alias == mmu.SS && (cpl == 3 || sel.RPL() != cpl) {
			return x86.GP0()
		}
		c.seg[alias] = mmu.SegmentRegister{Selector: sel}
		return nil
	}

	ref, err := c.readDescriptor(sel, false)
	if err != nil {
		return err
	}
	d, ok := ref.desc.(mmu.SegmentDescriptor)
	if !ok {
		return x86.GP(selCode)
	}
	dpl := d.Access().DPL()

	if alias == mmu.SS {
		if sel.RPL() != cpl || !d.Writable() || dpl != cpl {
			return x86.GP(selCode)
		}
		if !d.Access().Present() {
			return x86.SS(selCode)
		}
	} else {
		if !d.Readable() {
			return x86.GP(selCode)
		}
		if !d.Conforming() && (sel.RPL() > dpl || cpl > dpl) {
			return x86.GP(selCode)
		}
		if !d.Access().Present() {
			return x86.NP(selCode)
		}
	}

	if d, err = c.markAccessed(ref, d); err != nil {
		return err
	}
	c.seg[alias] = mmu.SegmentRegister{Selector: sel, Descriptor: d}
	switch alias {
	case mmu.FS:
		c.fsBase = d.Base()
	case mmu.GS:
		c.gsBase = d.Base()
	}
	return nil
}

// LoadLDTR is LLDT.
func (c *CPU) LoadLDTR(sel mmu.Selector) error {
	if c.CPL() != 0 {
		return x86.GP0()
	}
	if sel.Null() {
		c.ldtr = mmu.SystemSegmentRegister{Selector: sel}
		return nil
	}
	selCode := x86.SelectorCode(uint16(sel), false)
	if sel.LDT() {
		return x86.GP(selCode)
	}
	ref, err := c.readDescriptor(sel, false)
	if err != nil {
		return err
	}
	d, ok := ref.desc.(mmu.SystemDescriptor)
	if !ok || d.Access().Kind() != mmu.KindLDT {
		return x86.GP(selCode)
	}
	if !d.Access().Present() {
		return x86.NP(selCode)
	}
	if !mmu.LinearAddress(d.Base()).Canonical() {
		return x86.GP(selCode)
	}
	c.ldtr = mmu.SystemSegmentRegister{Selector: sel, Descriptor: d}
	return nil
}

// LoadTR is LTR. The TSS descriptor is marked busy in the GDT.
func (c *CPU) LoadTR(sel mmu.Selector) error {
	if c.CPL() != 0 {
		return x86.GP0()
	}
	if sel.Null() {
		return x86.GP0()
	}
	selCode := x86.SelectorCode(uint16(sel), false)
	if sel.LDT() {
		return x86.GP(selCode)
	}
	ref, err := c.readDescriptor(sel, false)
	if err != nil {
		return err
	}
	d, ok := ref.desc.(mmu.SystemDescriptor)
	if !ok || d.Access().Kind() != mmu.KindTSSAvailable {
		return x86.GP(selCode)
	}
	if !d.Access().Present() {
		return x86.NP(selCode)
	}
	d = d.WithBusy(true)
	if err := c.mmu.WriteDescriptor(ref.table, ref.offset, d); err != nil {
		return err
	}
	c.tr = mmu.SystemSegmentRegister{Selector: sel, Descriptor: d}
	return nil
}

// codeSegment resolves the target of a control transfer or a gate. It checks for a present 64-bit
// code segment; the privilege rules differ per transfer and are left to the caller.
func (c *CPU) codeSegment(sel mmu.Selector, ext bool) (descriptorRef, mmu.SegmentDescriptor, error) {
	if sel.Null() {
		return descriptorRef{}, 0, x86.GP(x86.SelectorErrorCode{External: ext})
	}
	selCode := x86.SelectorCode(uint16(sel), ext)
	ref, err := c.readDescriptor(sel, ext)
	if err != nil {
		return descriptorRef{}, 0, err
	}
	d, ok := ref.desc.(mmu.SegmentDescriptor)
	if !ok || !d.IsCode() {
		return descriptorRef{}, 0, x86.GP(selCode)
	}
	if !d.Access().Present() {
		return descriptorRef{}, 0, x86.NP(selCode)
	}
	if !d.Is64BitCode() {
		// compatibility mode is not implemented
		return descriptorRef{}, 0, x86.GP(selCode)
	}
	return ref, d, nil
}

// stackSegment validates the SS selector popped by IRET or a far RET to privilege level rpl.
func (c *CPU) stackSegment(sel mmu.Selector, rpl uint8) (mmu.SegmentRegister, *descriptorRef, error) {
	if sel.Null() {
		if rpl == 3 {
			return mmu.SegmentRegister{}, nil, x86.GP0()
		}
		return mmu.SegmentRegister{Selector: sel}, nil, nil
	}
	selCode := x86.SelectorCode(uint16(sel), false)
	if sel.RPL() != rpl {
		return mmu.SegmentRegister{}, nil, x86.GP(selCode)
	}
	ref, err := c.readDescriptor(sel, false)
	if err != nil {
		return mmu.SegmentRegister{}, nil, err
	}
	d, ok := ref.desc.(mmu.SegmentDescriptor)
	if !ok || !d.Writable() || d.Access().DPL() != rpl {
		return mmu.SegmentRegister{}, nil, x86.GP(selCode)
	}
	if !d.Access().Present() {
		return mmu.SegmentRegister{}, nil, x86.SS(selCode)
	}
	return mmu.SegmentRegister{Selector: sel, Descriptor: d}, &ref, nil
}

// nullifyDataSegments drops data segment registers the new, less privileged level may not use.
func (c *CPU) nullifyDataSegments(cpl uint8) {
	for _, alias := range []mmu.SegmentAlias{mmu.ES, mmu.DS, mmu.FS, mmu.GS} {
		r := c.seg[alias]
		if !r.Usable() {
			continue
		}
		d := r.Descriptor
		if (d.IsData() || !d.Conforming()) && d.Access().DPL() < cpl {
			c.seg[alias] = mmu.SegmentRegister{}
		}
	}
}

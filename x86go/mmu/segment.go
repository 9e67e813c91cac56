package mmu

import (
	"fmt"
)

// Selector is a 16-bit segment selector: RPL in bits 1:0, TI in bit 2 and the index in bits 15:3.
type Selector uint16

func NewSelector(index uint16, ldt bool, rpl uint8) Selector {
	s := Selector(index<<3) | Selector(rpl&3)
	if ldt {
		s |= 4
	}
	return s
}

func (s Selector) RPL() uint8     { return uint8(s) & 3 }
func (s Selector) LDT() bool      { return s&4 != 0 }
func (s Selector) Index() uint16  { return uint16(s) >> 3 }
func (s Selector) Offset() uint64 { return uint64(s.Index()) * 8 }

// Null is a GDT selector with index 0, whatever its RPL.
func (s Selector) Null() bool { return s&^3 == 0 }

func (s Selector) WithRPL(rpl uint8) Selector { return s&^3 | Selector(rpl&3) }

func (s Selector) String() string {
	return fmt.Sprintf("%#04x", uint16(s))
}

// SegmentAlias names a segment register, in the order of the instruction encoding.
type SegmentAlias uint8

const (
	ES SegmentAlias = iota
	CS
	SS
	DS
	FS
	GS
)

var aliasNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs"}

func (a SegmentAlias) String() string {
	if int(a) < len(aliasNames) {
		return aliasNames[a]
	}
	return fmt.Sprintf("seg(%d)", uint8(a))
}

// SegmentRegister is the visible selector and the cached descriptor.
type SegmentRegister struct {
	Selector   Selector
	Descriptor SegmentDescriptor
}

// Usable is false after a null selector load: the cached descriptor is not present.
func (r SegmentRegister) Usable() bool {
	return r.Descriptor.Access().Present()
}

// SystemSegmentRegister is LDTR or TR.
type SystemSegmentRegister struct {
	Selector   Selector
	Descriptor SystemDescriptor
}

// DescriptorTableRegister is GDTR or IDTR.
type DescriptorTableRegister struct {
	Base  LinearAddress
	Limit uint16
}

// Covers reports whether the table holds size bytes at offset.
func (r DescriptorTableRegister) Covers(offset, size uint64) bool {
	return offset+size-1 <= uint64(r.Limit)
}

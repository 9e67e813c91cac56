package mmu

import (
	"fmt"

	"github.com/cpue-emu/cpue/x86go/x86"
)

// AccessByte is bits 47:40 of a descriptor.
type AccessByte uint8

const (
	AccessAccessed    AccessByte = 1 << 0
	AccessReadWrite   AccessByte = 1 << 1
	AccessConforming  AccessByte = 1 << 2
	AccessExecutable  AccessByte = 1 << 3
	AccessApplication AccessByte = 1 << 4
	AccessPresent     AccessByte = 1 << 7
)

func (a AccessByte) Accessed() bool    { return a&AccessAccessed != 0 }
func (a AccessByte) Executable() bool  { return a&AccessExecutable != 0 }
func (a AccessByte) Application() bool { return a&AccessApplication != 0 }
func (a AccessByte) Present() bool     { return a&AccessPresent != 0 }
func (a AccessByte) DPL() uint8        { return uint8(a>>5) & 3 }

// ReadWrite is the readable bit of a code segment or the writable bit of a data segment.
func (a AccessByte) ReadWrite() bool { return a&AccessReadWrite != 0 }

// Conforming is the conforming bit of a code segment or the expand-down bit of a data segment.
func (a AccessByte) Conforming() bool { return a&AccessConforming != 0 }

// SystemType is the 4-bit type of a system descriptor.
func (a AccessByte) SystemType() uint8 { return uint8(a) & 0xF }

func (a AccessByte) WithDPL(dpl uint8) AccessByte {
	return a&^(3<<5) | AccessByte(dpl&3)<<5
}

// DescriptorKind classifies what a descriptor describes.
type DescriptorKind uint8

const (
	KindReserved DescriptorKind = iota
	KindData
	KindCode
	KindLDT
	KindTSSAvailable
	KindTSSBusy
	KindCallGate
	KindTaskGate
	KindInterruptGate
	KindTrapGate
)

var kindNames = [...]string{"reserved", "data", "code", "ldt", "tss", "busy tss", "call gate", "task gate", "interrupt gate", "trap gate"}

func (k DescriptorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// System type values in long mode.
const (
	TypeLDT           = 0x2
	TypeTaskGate      = 0x5
	TypeTSSAvailable  = 0x9
	TypeTSSBusy       = 0xB
	TypeCallGate      = 0xC
	TypeInterruptGate = 0xE
	TypeTrapGate      = 0xF
)

func (a AccessByte) Kind() DescriptorKind {
	if a.Application() {
		if a.Executable() {
			return KindCode
		}
		return KindData
	}
	switch a.SystemType() {
	case TypeLDT:
		return KindLDT
	case TypeTaskGate:
		return KindTaskGate
	case TypeTSSAvailable:
		return KindTSSAvailable
	case TypeTSSBusy:
		return KindTSSBusy
	case TypeCallGate:
		return KindCallGate
	case TypeInterruptGate:
		return KindInterruptGate
	case TypeTrapGate:
		return KindTrapGate
	default:
		return KindReserved
	}
}

// Wide reports whether the descriptor occupies 16 bytes in long mode.
func (a AccessByte) Wide() bool {
	switch a.Kind() {
	case KindLDT, KindTSSAvailable, KindTSSBusy, KindCallGate, KindInterruptGate, KindTrapGate:
		return true
	}
	return false
}

// Descriptor is one of SegmentDescriptor, SystemDescriptor, GateDescriptor or TaskGateDescriptor.
type Descriptor interface {
	Access() AccessByte
	Words() (lo, hi uint64)
}

func accessOf(lo uint64) AccessByte {
	return AccessByte(x86.Bits(lo, 47, 40))
}

// DecodeDescriptor interprets raw descriptor words. hi is only consulted for 16-byte kinds.
func DecodeDescriptor(lo, hi uint64) Descriptor {
	a := accessOf(lo)
	switch a.Kind() {
	case KindCode, KindData:
		return SegmentDescriptor(lo)
	case KindTaskGate:
		return TaskGateDescriptor(lo)
	case KindCallGate, KindInterruptGate, KindTrapGate:
		return GateDescriptor{Lo: lo, Hi: hi}
	default:
		return SystemDescriptor{Lo: lo, Hi: hi}
	}
}

// SegmentDescriptor is an 8-byte code or data descriptor.
type SegmentDescriptor uint64

// Segment flag nibble, bits 55:52.
const (
	FlagAvailable   = 1 << 0
	FlagLong        = 1 << 1
	FlagDefaultBig  = 1 << 2
	FlagGranularity = 1 << 3
)

func NewSegmentDescriptor(access AccessByte, flags uint8, base uint32, limit uint32) SegmentDescriptor {
	var v uint64
	v = x86.SetBits(v, 15, 0, uint64(limit)&0xFFFF)
	v = x86.SetBits(v, 39, 16, uint64(base)&0xFF_FFFF)
	v = x86.SetBits(v, 47, 40, uint64(access))
	v = x86.SetBits(v, 51, 48, uint64(limit>>16)&0xF)
	v = x86.SetBits(v, 55, 52, uint64(flags)&0xF)
	v = x86.SetBits(v, 63, 56, uint64(base>>24))
	return SegmentDescriptor(v)
}

// NewCodeSegment builds a present, readable 64-bit code segment.
func NewCodeSegment(dpl uint8, conforming bool) SegmentDescriptor {
	a := AccessPresent | AccessApplication | AccessExecutable | AccessReadWrite
	if conforming {
		a |= AccessConforming
	}
	return NewSegmentDescriptor(a.WithDPL(dpl), FlagGranularity|FlagLong, 0, 0xF_FFFF)
}

// NewDataSegment builds a present, writable data segment.
func NewDataSegment(dpl uint8) SegmentDescriptor {
	a := AccessPresent | AccessApplication | AccessReadWrite
	return NewSegmentDescriptor(a.WithDPL(dpl), FlagGranularity|FlagDefaultBig, 0, 0xF_FFFF)
}

func (d SegmentDescriptor) Access() AccessByte { return accessOf(uint64(d)) }

func (d SegmentDescriptor) Words() (uint64, uint64) { return uint64(d), 0 }

func (d SegmentDescriptor) flags() uint64 { return x86.Bits(uint64(d), 55, 52) }

func (d SegmentDescriptor) Long() bool        { return d.flags()&FlagLong != 0 }
func (d SegmentDescriptor) DefaultBig() bool  { return d.flags()&FlagDefaultBig != 0 }
func (d SegmentDescriptor) Granularity() bool { return d.flags()&FlagGranularity != 0 }

// Base is ignored for application segments in 64-bit mode.
func (d SegmentDescriptor) Base() uint64 { return 0 }

// Limit is the raw 20-bit limit field.
func (d SegmentDescriptor) Limit() uint32 {
	return uint32(x86.Bits(uint64(d), 15, 0) | x86.Bits(uint64(d), 51, 48)<<16)
}

func (d SegmentDescriptor) IsCode() bool {
	return d.Access().Application() && d.Access().Executable()
}

func (d SegmentDescriptor) IsData() bool {
	return d.Access().Application() && !d.Access().Executable()
}

// Readable applies to code segments; data segments are always readable.
func (d SegmentDescriptor) Readable() bool { return d.IsData() || d.Access().ReadWrite() }

// Writable applies to data segments; code segments are never writable.
func (d SegmentDescriptor) Writable() bool { return d.IsData() && d.Access().ReadWrite() }

func (d SegmentDescriptor) Conforming() bool { return d.IsCode() && d.Access().Conforming() }

// Is64BitCode reports a long-mode code segment: L=1 and D=0.
func (d SegmentDescriptor) Is64BitCode() bool {
	return d.IsCode() && d.Long() && !d.DefaultBig()
}

func (d SegmentDescriptor) WithAccessed() SegmentDescriptor {
	return d | SegmentDescriptor(AccessAccessed)<<40
}

// SystemDescriptor is a 16-byte LDT or TSS descriptor.
type SystemDescriptor struct {
	Lo, Hi uint64
}

func NewSystemDescriptor(typ uint8, dpl uint8, base uint64, limit uint32) SystemDescriptor {
	a := (AccessPresent | AccessByte(typ&0xF)).WithDPL(dpl)
	lo := uint64(NewSegmentDescriptor(a, 0, uint32(base), limit))
	return SystemDescriptor{Lo: lo, Hi: base >> 32}
}

func (d SystemDescriptor) Access() AccessByte { return accessOf(d.Lo) }

func (d SystemDescriptor) Words() (uint64, uint64) { return d.Lo, d.Hi }

func (d SystemDescriptor) Base() uint64 {
	return x86.Bits(d.Lo, 39, 16) | x86.Bits(d.Lo, 63, 56)<<24 | x86.Bits(d.Hi, 31, 0)<<32
}

// Limit is the effective byte limit, scaled when the granularity bit is set.
func (d SystemDescriptor) Limit() uint64 {
	raw := uint64(SegmentDescriptor(d.Lo).Limit())
	if SegmentDescriptor(d.Lo).Granularity() {
		return raw<<12 | 0xFFF
	}
	return raw
}

// WithBusy toggles between the available and busy TSS types.
func (d SystemDescriptor) WithBusy(busy bool) SystemDescriptor {
	d.Lo = x86.SetBit(d.Lo, 41, busy)
	return d
}

// GateDescriptor is a 16-byte call, interrupt or trap gate.
type GateDescriptor struct {
	Lo, Hi uint64
}

func NewGateDescriptor(typ uint8, dpl uint8, selector Selector, offset uint64, ist uint8) GateDescriptor {
	a := (AccessPresent | AccessByte(typ&0xF)).WithDPL(dpl)
	var lo uint64
	lo = x86.SetBits(lo, 15, 0, offset&0xFFFF)
	lo = x86.SetBits(lo, 31, 16, uint64(selector))
	lo = x86.SetBits(lo, 34, 32, uint64(ist&7))
	lo = x86.SetBits(lo, 47, 40, uint64(a))
	lo = x86.SetBits(lo, 63, 48, (offset>>16)&0xFFFF)
	return GateDescriptor{Lo: lo, Hi: offset >> 32}
}

func (d GateDescriptor) Access() AccessByte { return accessOf(d.Lo) }

func (d GateDescriptor) Words() (uint64, uint64) { return d.Lo, d.Hi }

func (d GateDescriptor) Kind() DescriptorKind { return d.Access().Kind() }

func (d GateDescriptor) Selector() Selector { return Selector(x86.Bits(d.Lo, 31, 16)) }

func (d GateDescriptor) Offset() uint64 {
	return x86.Bits(d.Lo, 15, 0) | x86.Bits(d.Lo, 63, 48)<<16 | x86.Bits(d.Hi, 31, 0)<<32
}

// IST is the interrupt stack table index; zero means no IST switch.
func (d GateDescriptor) IST() uint8 { return uint8(x86.Bits(d.Lo, 34, 32)) }

// TaskGateDescriptor is recognized but task switching is not supported in long mode.
type TaskGateDescriptor uint64

func (d TaskGateDescriptor) Access() AccessByte { return accessOf(uint64(d)) }

func (d TaskGateDescriptor) Words() (uint64, uint64) { return uint64(d), 0 }

func (d TaskGateDescriptor) Selector() Selector { return Selector(x86.Bits(uint64(d), 31, 16)) }

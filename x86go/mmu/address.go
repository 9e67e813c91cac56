package mmu

import (
	"fmt"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// LinearAddress is a flat 64-bit virtual address, the input of paging.
type LinearAddress uint64

// Canonical reports whether bits 63:47 are a sign extension of bit 47.
func (a LinearAddress) Canonical() bool {
	const shift = 64 - x86.VirtualAddrBits
	return int64(a)<<shift>>shift == int64(a)
}

// PageNumber is bits 47:12, the TLB key.
func (a LinearAddress) PageNumber() uint64 {
	return x86.Bits(uint64(a), x86.VirtualAddrBits-1, x86.PageShift)
}

func (a LinearAddress) PageOffset() uint64 {
	return uint64(a) & x86.PageMask
}

// TableIndex selects the entry of the paging structure at level.
func (a LinearAddress) TableIndex(level Level) uint64 {
	return (uint64(a) >> level.Shift()) & 0x1FF
}

// Add is an overflow-checked offset; wrapping past the top of the address space is an invariant violation.
func (a LinearAddress) Add(off uint64) LinearAddress {
	return LinearAddress(arith.CheckedAdd(uint64(a), off))
}

func (a LinearAddress) Sub(off uint64) LinearAddress {
	return LinearAddress(arith.CheckedSub(uint64(a), off))
}

func (a LinearAddress) String() string {
	return fmt.Sprintf("%#016x", uint64(a))
}

// PhysicalAddress is bounded by the implemented physical address width.
type PhysicalAddress uint64

const MaxPhysicalAddress = PhysicalAddress(uint64(1)<<x86.MaxPhysAddrBits - 1)

// NewPhysicalAddress panics on addresses beyond MAXPHYADDR.
func NewPhysicalAddress(v uint64) PhysicalAddress {
	if v > uint64(MaxPhysicalAddress) {
		panic(fmt.Errorf("physical address %#x beyond %d bits", v, x86.MaxPhysAddrBits))
	}
	return PhysicalAddress(v)
}

func (a PhysicalAddress) Add(off uint64) PhysicalAddress {
	return NewPhysicalAddress(arith.CheckedAdd(uint64(a), off))
}

func (a PhysicalAddress) Sub(off uint64) PhysicalAddress {
	return PhysicalAddress(arith.CheckedSub(uint64(a), off))
}

// Frame is the physical page number.
func (a PhysicalAddress) Frame() uint64 {
	return uint64(a) >> x86.PageShift
}

func (a PhysicalAddress) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// LogicalAddress is a segment-relative address.
type LogicalAddress struct {
	Segment SegmentAlias
	Offset  uint64
}

func (a LogicalAddress) String() string {
	return fmt.Sprintf("%s:%#x", a.Segment, a.Offset)
}

// PageAlign rounds down to a page boundary.
func PageAlign(v uint64) uint64 {
	return v &^ x86.PageMask
}

// PageAlignUp rounds up to a page boundary.
func PageAlignUp(v uint64) uint64 {
	return PageAlign(arith.CheckedAdd(v, x86.PageMask))
}

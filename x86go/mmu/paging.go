package mmu

import (
	"fmt"

	"github.com/cpue-emu/cpue/x86go/x86"
)

// Level is a paging structure in the 4-level hierarchy, outermost first.
type Level uint8

const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT
)

var levelNames = [...]string{"PML4", "PDPT", "PD", "PT"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Shift is the position of the 9-bit table index in a linear address.
func (l Level) Shift() uint {
	return 39 - 9*uint(l)
}

// PageEntry is a 64-bit entry of any paging structure.
type PageEntry uint64

const (
	PagePresent        PageEntry = 1 << 0
	PageWritable       PageEntry = 1 << 1
	PageUser           PageEntry = 1 << 2
	PageWriteThrough   PageEntry = 1 << 3
	PageCacheDisable   PageEntry = 1 << 4
	PageAccessed       PageEntry = 1 << 5
	PageDirty          PageEntry = 1 << 6
	PageLarge          PageEntry = 1 << 7
	PageGlobal         PageEntry = 1 << 8
	PageExecuteDisable PageEntry = 1 << 63
)

// NewPageEntry places frame at bits 35:12 alongside the given flag bits.
func NewPageEntry(frame uint64, flags PageEntry) PageEntry {
	return PageEntry(0).WithFrame(frame) | flags
}

func (e PageEntry) has(f PageEntry) bool { return e&f != 0 }

func (e PageEntry) Present() bool        { return e.has(PagePresent) }
func (e PageEntry) Writable() bool       { return e.has(PageWritable) }
func (e PageEntry) User() bool           { return e.has(PageUser) }
func (e PageEntry) Accessed() bool       { return e.has(PageAccessed) }
func (e PageEntry) Dirty() bool          { return e.has(PageDirty) }
func (e PageEntry) Large() bool          { return e.has(PageLarge) }
func (e PageEntry) Global() bool         { return e.has(PageGlobal) }
func (e PageEntry) ExecuteDisable() bool { return e.has(PageExecuteDisable) }

// Frame is the physical page number the entry points at.
func (e PageEntry) Frame() uint64 {
	return x86.Bits(uint64(e), x86.MaxPhysAddrBits-1, x86.PageShift)
}

func (e PageEntry) WithFrame(frame uint64) PageEntry {
	return PageEntry(x86.SetBits(uint64(e), x86.MaxPhysAddrBits-1, x86.PageShift, frame))
}

// Address is the physical address of the next table or page.
func (e PageEntry) Address() PhysicalAddress {
	return PhysicalAddress(e.Frame() << x86.PageShift)
}

func (e PageEntry) ProtectionKey() uint8 {
	return uint8(x86.Bits(uint64(e), 62, 59))
}

// ReservedBits returns the set bits the architecture requires to be zero at level.
func (e PageEntry) ReservedBits(level Level, nxe bool) PageEntry {
	mask := PageEntry(x86.SetBits(0, 51, x86.MaxPhysAddrBits, ^uint64(0)))
	if !nxe {
		mask |= PageExecuteDisable
	}
	// only 4 KiB pages are supported, so PS must be clear above the last level
	if level != LevelPT {
		mask |= PageLarge
	}
	return e & mask
}

func (e PageEntry) String() string {
	flags := []byte("-------")
	for i, f := range []PageEntry{PagePresent, PageWritable, PageUser, PageAccessed, PageDirty, PageGlobal, PageExecuteDisable} {
		if e.has(f) {
			flags[i] = "PWUADGX"[i]
		}
	}
	return fmt.Sprintf("%#x[%s]", e.Frame(), flags)
}

package loader

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

var (
	ErrOutOfMemory   = errors.New("out of physical memory")
	ErrAlreadyMapped = errors.New("region already mapped")
)

// FrameAllocator hands out zeroed physical pages from a cursor that only moves up.
type FrameAllocator struct {
	mem  *mmu.PhysicalMemory
	next uint64
}

func NewFrameAllocator(mem *mmu.PhysicalMemory, start mmu.PhysicalAddress) *FrameAllocator {
	return &FrameAllocator{mem: mem, next: mmu.PageAlignUp(uint64(start))}
}

// Next is the first free frame.
func (a *FrameAllocator) Next() mmu.PhysicalAddress {
	return mmu.PhysicalAddress(a.next)
}

// SkipTo moves the cursor up to addr, leaving the frames below it to their owner. The cursor
// never moves down.
func (a *FrameAllocator) SkipTo(addr mmu.PhysicalAddress) {
	a.next = max(a.next, mmu.PageAlignUp(uint64(addr)))
}

func (a *FrameAllocator) Alloc() (mmu.PhysicalAddress, error) {
	return a.AllocContiguous(1)
}

// AllocContiguous reserves n consecutive zeroed frames.
func (a *FrameAllocator) AllocContiguous(n uint64) (mmu.PhysicalAddress, error) {
	size := n * x86.PageSize
	if n == 0 || size/x86.PageSize != n || !a.mem.Contains(mmu.PhysicalAddress(a.next), size) {
		return 0, fmt.Errorf("allocating %d frames at %#x: %w", n, a.next, ErrOutOfMemory)
	}
	base := mmu.PhysicalAddress(a.next)
	for i := uint64(0); i < n; i++ {
		a.mem.ClearPage(base.Add(i * x86.PageSize))
	}
	a.next += size
	return base, nil
}

// Strategy picks the frame backing a newly mapped page.
type Strategy uint8

const (
	// StrategyZero backs each page with a freshly allocated zeroed frame.
	StrategyZero Strategy = iota
	// StrategyIdentity maps each page to the frame with the same address.
	StrategyIdentity
)

func (s Strategy) String() string {
	switch s {
	case StrategyZero:
		return "zero"
	case StrategyIdentity:
		return "identity"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Region is a range of linear memory with its leaf page flags.
type Region struct {
	Base  mmu.LinearAddress
	Size  uint64
	Flags mmu.PageEntry
	// Data is copied to Base; the rest of the region keeps the content of its frames.
	Data []byte
	// Overwrite lets the region reuse pages that are already mapped, keeping their frames.
	Overwrite bool
}

func (r Region) pages() (first mmu.LinearAddress, count uint64) {
	start := mmu.PageAlign(uint64(r.Base))
	end := mmu.PageAlignUp(uint64(r.Base) + r.Size)
	return mmu.LinearAddress(start), (end - start) / x86.PageSize
}

// intermediate entries grant everything; the leaf decides
const tableFlags = mmu.PagePresent | mmu.PageWritable | mmu.PageUser

// Loader edits the page tables rooted at a PML4 frame and copies data through them.
type Loader struct {
	log   log.Logger
	mmu   *mmu.MMU
	mem   *mmu.PhysicalMemory
	alloc *FrameAllocator
	pml4  mmu.PhysicalAddress
}

func New(logger log.Logger, m *mmu.MMU, alloc *FrameAllocator, pml4 mmu.PhysicalAddress) *Loader {
	return &Loader{
		log:   logger,
		mmu:   m,
		mem:   m.Memory(),
		alloc: alloc,
		pml4:  pml4,
	}
}

func (l *Loader) Allocator() *FrameAllocator { return l.alloc }

func (l *Loader) PML4() mmu.PhysicalAddress { return l.pml4 }

// empty treats an entry with nothing but the accessed bit as unmapped; walks mark entries accessed
// even when they are not present.
func empty(e mmu.PageEntry) bool {
	return e&^mmu.PageAccessed == 0
}

// leaf returns the address of the PT entry for lin. With create set, missing tables are allocated.
func (l *Loader) leaf(lin mmu.LinearAddress, create bool) (mmu.PhysicalAddress, bool, error) {
	table := l.pml4
	for level := mmu.LevelPML4; level < mmu.LevelPT; level++ {
		entryAddr := table.Add(lin.TableIndex(level) * 8)
		e := mmu.PageEntry(l.mem.Read64(entryAddr))
		if empty(e) {
			if !create {
				return 0, false, nil
			}
			frame, err := l.alloc.Alloc()
			if err != nil {
				return 0, false, err
			}
			e = mmu.NewPageEntry(frame.Frame(), tableFlags)
			l.mem.Write64(entryAddr, uint64(e))
		} else if !e.Present() || e.Large() {
			return 0, false, fmt.Errorf("%s entry for %s is not a table: %s", level, lin, e)
		}
		table = e.Address()
	}
	return table.Add(lin.TableIndex(mmu.LevelPT) * 8), true, nil
}

// Resolve translates lin through the page tables without the TLB or rights checks.
func (l *Loader) Resolve(lin mmu.LinearAddress) (mmu.PhysicalAddress, bool) {
	pte, ok, err := l.leaf(lin, false)
	if err != nil || !ok {
		return 0, false
	}
	e := mmu.PageEntry(l.mem.Read64(pte))
	if !e.Present() {
		return 0, false
	}
	return e.Address().Add(lin.PageOffset()), true
}

// Mapped reports whether the page containing lin has a present leaf.
func (l *Loader) Mapped(lin mmu.LinearAddress) bool {
	_, ok := l.Resolve(lin)
	return ok
}

// merge widens the rights of a page shared by two regions.
func merge(old, flags mmu.PageEntry) mmu.PageEntry {
	out := (old | flags) & (mmu.PageWritable | mmu.PageUser | mmu.PageGlobal)
	if old.ExecuteDisable() && flags.ExecuteDisable() {
		out |= mmu.PageExecuteDisable
	}
	return out
}

// CreateRegionVAS creates the page-table structures for r and assigns frames to its pages.
// Nothing is changed when a page is already mapped and r does not allow overwriting.
func (l *Loader) CreateRegionVAS(r Region, strategy Strategy) error {
	first, count := r.pages()
	if !r.Overwrite {
		for i := uint64(0); i < count; i++ {
			if lin := first.Add(i * x86.PageSize); l.Mapped(lin) {
				return fmt.Errorf("page %s: %w", lin, ErrAlreadyMapped)
			}
		}
	}
	flags := r.Flags &^ mmu.PagePresent
	for i := uint64(0); i < count; i++ {
		lin := first.Add(i * x86.PageSize)
		pte, _, err := l.leaf(lin, true)
		if err != nil {
			return err
		}
		old := mmu.PageEntry(l.mem.Read64(pte))
		var frame uint64
		leafFlags := flags
		switch {
		case old.Present():
			frame = old.Frame()
			leafFlags = merge(old, flags)
		case strategy == StrategyIdentity:
			frame = mmu.NewPhysicalAddress(uint64(lin)).Frame()
		default:
			pa, err := l.alloc.Alloc()
			if err != nil {
				return err
			}
			frame = pa.Frame()
		}
		l.mem.Write64(pte, uint64(mmu.NewPageEntry(frame, leafFlags|mmu.PagePresent)))
	}
	l.mmu.TLB().InvalidateAll()
	l.log.Debug("mapped region", "base", r.Base, "size", r.Size, "pages", count, "strategy", strategy, "flags", r.Flags)
	return nil
}

// LoadRegion maps r and copies its data into place.
func (l *Loader) LoadRegion(r Region, strategy Strategy) error {
	if uint64(len(r.Data)) > r.Size {
		return fmt.Errorf("region at %s: %d bytes of data exceed size %d", r.Base, len(r.Data), r.Size)
	}
	if err := l.CreateRegionVAS(r, strategy); err != nil {
		return err
	}
	return l.Copy(r.Base, r.Data)
}

// Copy writes data at lin through the page tables, ignoring page rights.
func (l *Loader) Copy(lin mmu.LinearAddress, data []byte) error {
	for off := 0; off < len(data); {
		cur := lin.Add(uint64(off))
		pa, ok := l.Resolve(cur)
		if !ok {
			return fmt.Errorf("copy to unmapped page %s", cur)
		}
		n := min(len(data)-off, int(x86.PageSize-cur.PageOffset()))
		l.mmu.WritePhysical(pa, data[off:off+n])
		off += n
	}
	return nil
}

// Unmap clears the leaves covering [base, base+size). Frames are not reclaimed.
func (l *Loader) Unmap(base mmu.LinearAddress, size uint64) {
	first, count := Region{Base: base, Size: size}.pages()
	for i := uint64(0); i < count; i++ {
		lin := first.Add(i * x86.PageSize)
		if pte, ok, err := l.leaf(lin, false); err == nil && ok {
			l.mem.Write64(pte, 0)
		}
		l.mmu.TLB().Invalidate(lin)
	}
}

// Protect replaces the rights of the mapped pages in [base, base+size).
func (l *Loader) Protect(base mmu.LinearAddress, size uint64, flags mmu.PageEntry) error {
	first, count := Region{Base: base, Size: size}.pages()
	for i := uint64(0); i < count; i++ {
		lin := first.Add(i * x86.PageSize)
		pte, ok, err := l.leaf(lin, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("protect unmapped page %s", lin)
		}
		old := mmu.PageEntry(l.mem.Read64(pte))
		if !old.Present() {
			return fmt.Errorf("protect unmapped page %s", lin)
		}
		keep := old & (mmu.PageAccessed | mmu.PageDirty)
		l.mem.Write64(pte, uint64(mmu.NewPageEntry(old.Frame(), flags&^mmu.PagePresent|keep|mmu.PagePresent)))
		l.mmu.TLB().Invalidate(lin)
	}
	return nil
}

package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// Control is the part of the processor state that steers translation.
type Control struct {
	CR0, CR3, CR4, EFER uint64
	// AC mirrors RFLAGS.AC, which lifts SMAP for explicit accesses.
	AC bool
}

func (c Control) Paging() bool      { return c.CR0&x86.CR0PG != 0 }
func (c Control) WP() bool          { return c.CR0&x86.CR0WP != 0 }
func (c Control) SMEP() bool        { return c.CR4&x86.CR4SMEP != 0 }
func (c Control) SMAP() bool        { return c.CR4&x86.CR4SMAP != 0 }
func (c Control) GlobalPages() bool { return c.CR4&x86.CR4PGE != 0 }
func (c Control) NXE() bool         { return c.EFER&x86.EFERNXE != 0 }

// PCID is the current process-context identifier, zero unless CR4.PCIDE is set.
func (c Control) PCID() uint16 {
	if c.CR4&x86.CR4PCIDE == 0 {
		return 0
	}
	return uint16(c.CR3 & x86.CR3PCIDMask)
}

// Context is what the MMU needs from the processor. The CPU implements it.
type Context interface {
	CPL() uint8
	Control() Control
	Segment(alias SegmentAlias) SegmentRegister
	// SegmentBase is the linear base of the segment; only FS and GS have a non-zero base.
	SegmentBase(alias SegmentAlias) uint64
	// SetFaultAddress records the faulting linear address in CR2.
	SetFaultAddress(addr LinearAddress)
}

type Operation uint8

const (
	OpRead Operation = iota
	OpWrite
	OpFetch
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFetch:
		return "fetch"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Access describes one memory access. Implicit accesses (descriptor tables, the TSS, the stack
// frames of privilege changes) are made with supervisor rights whatever the CPL.
type Access struct {
	Op       Operation
	Implicit bool
}

var (
	ReadAccess    = Access{Op: OpRead}
	WriteAccess   = Access{Op: OpWrite}
	FetchAccess   = Access{Op: OpFetch}
	ImplicitRead  = Access{Op: OpRead, Implicit: true}
	ImplicitWrite = Access{Op: OpWrite, Implicit: true}
)

// MMU translates logical and linear addresses and routes physical accesses to MMIO or RAM.
type MMU struct {
	ctx  Context
	mem  *PhysicalMemory
	mmio *MMIO
	tlb  *TLB

	// linear address of the translation in progress, reported through CR2 on a page fault
	inFlight      LinearAddress
	inFlightValid bool
}

func New(ctx Context, mem *PhysicalMemory, mmio *MMIO) *MMU {
	if mmio == nil {
		mmio = NewMMIO()
	}
	return &MMU{
		ctx:  ctx,
		mem:  mem,
		mmio: mmio,
		tlb:  NewTLB(DefaultTLBCapacity),
	}
}

func (m *MMU) TLB() *TLB               { return m.tlb }
func (m *MMU) Memory() *PhysicalMemory { return m.mem }
func (m *MMU) MMIO() *MMIO             { return m.mmio }

func segmentFault(alias SegmentAlias) error {
	if alias == SS {
		return x86.SS(x86.SelectorErrorCode{})
	}
	return x86.GP0()
}

func (m *MMU) checkSegment(alias SegmentAlias, seg SegmentRegister, acc Access) error {
	if !seg.Usable() {
		if alias == CS || (alias == SS && m.ctx.CPL() == 3) {
			return segmentFault(alias)
		}
		// null data segments are not checked in 64-bit mode
		return nil
	}
	d := seg.Descriptor
	switch acc.Op {
	case OpFetch:
		if !d.IsCode() {
			return segmentFault(alias)
		}
	case OpWrite:
		if !d.Writable() {
			return segmentFault(alias)
		}
	case OpRead:
		if !d.Readable() {
			return segmentFault(alias)
		}
	}
	return nil
}

// LogicalToLinear applies segmentation to a size-byte access.
func (m *MMU) LogicalToLinear(addr LogicalAddress, size uint64, acc Access) (LinearAddress, error) {
	if err := m.checkSegment(addr.Segment, m.ctx.Segment(addr.Segment), acc); err != nil {
		return 0, err
	}
	// effective addresses wrap modulo 2^64
	lin := LinearAddress(m.ctx.SegmentBase(addr.Segment) + addr.Offset)
	last := LinearAddress(uint64(lin) + max(size, 1) - 1)
	if !lin.Canonical() || !last.Canonical() {
		return 0, segmentFault(addr.Segment)
	}
	return lin, nil
}

// LinearToPhysical translates one address through the TLB or a page walk.
func (m *MMU) LinearToPhysical(lin LinearAddress, acc Access) (PhysicalAddress, error) {
	prev, prevValid := m.inFlight, m.inFlightValid
	m.inFlight, m.inFlightValid = lin, true
	pa, err := m.translate(lin, acc)
	m.inFlight, m.inFlightValid = prev, prevValid
	return pa, err
}

func physical(frame uint64, lin LinearAddress) PhysicalAddress {
	return NewPhysicalAddress(frame<<x86.PageShift | lin.PageOffset())
}

func (m *MMU) translate(lin LinearAddress, acc Access) (PhysicalAddress, error) {
	ctl := m.ctx.Control()
	if !ctl.Paging() {
		return NewPhysicalAddress(uint64(lin)), nil
	}
	if !lin.Canonical() {
		return 0, x86.GP0()
	}
	user := m.ctx.CPL() == 3 && !acc.Implicit
	pcid := ctl.PCID()

	// a write through an entry cached as clean takes the walk so the dirty bit gets set
	if e, ok := m.tlb.Lookup(lin, pcid, ctl.GlobalPages()); ok && (acc.Op != OpWrite || e.Dirty) {
		if !permitted(e, acc, user, ctl) {
			return 0, m.pageFault(acc, user, ctl, true, false)
		}
		return physical(e.Frame, lin), nil
	}

	e, err := m.walk(lin, acc, user, ctl)
	if err != nil {
		return 0, err
	}
	e.PCID = pcid
	m.tlb.Insert(lin, e)
	return physical(e.Frame, lin), nil
}

func (m *MMU) walk(lin LinearAddress, acc Access, user bool, ctl Control) (TLBEntry, error) {
	table := PhysicalAddress(ctl.CR3 & x86.CR3FrameMask)
	combined := TLBEntry{Writable: true, User: true}
	for level := LevelPML4; level <= LevelPT; level++ {
		entryAddr := table.Add(lin.TableIndex(level) * 8)
		entry := PageEntry(m.readPhysical64(entryAddr))
		if !entry.Accessed() {
			entry |= PageAccessed
			m.writePhysical64(entryAddr, uint64(entry))
		}
		if !entry.Present() {
			return TLBEntry{}, m.pageFault(acc, user, ctl, false, false)
		}
		if entry.ReservedBits(level, ctl.NXE()) != 0 {
			return TLBEntry{}, m.pageFault(acc, user, ctl, true, true)
		}
		combined.Writable = combined.Writable && entry.Writable()
		combined.User = combined.User && entry.User()
		combined.ExecuteDisable = combined.ExecuteDisable || entry.ExecuteDisable()
		if !permitted(combined, acc, user, ctl) {
			return TLBEntry{}, m.pageFault(acc, user, ctl, true, false)
		}
		if level == LevelPT {
			if acc.Op == OpWrite && !entry.Dirty() {
				entry |= PageDirty
				m.writePhysical64(entryAddr, uint64(entry))
			}
			combined.Frame = entry.Frame()
			combined.Dirty = entry.Dirty()
			combined.Global = entry.Global()
			combined.ProtectionKey = entry.ProtectionKey()
			return combined, nil
		}
		table = entry.Address()
	}
	panic("unreachable")
}

func permitted(e TLBEntry, acc Access, user bool, ctl Control) bool {
	write := acc.Op == OpWrite
	fetch := acc.Op == OpFetch
	switch {
	case user && !e.User:
		return false
	case user && write && !e.Writable:
		return false
	case !user && e.User && fetch && ctl.SMEP():
		return false
	case !user && e.User && !fetch && ctl.SMAP() && (acc.Implicit || !ctl.AC):
		return false
	case !user && write && !e.Writable && ctl.WP():
		return false
	case fetch && ctl.NXE() && e.ExecuteDisable:
		return false
	}
	return true
}

func (m *MMU) pageFault(acc Access, user bool, ctl Control, present, reserved bool) error {
	code := x86.PageFaultErrorCode{
		Present:  present,
		Write:    acc.Op == OpWrite,
		User:     user,
		Reserved: reserved,
		Fetch:    acc.Op == OpFetch && (ctl.NXE() || ctl.SMEP()),
	}
	if !m.inFlightValid {
		panic("page fault outside of a translation")
	}
	m.ctx.SetFaultAddress(m.inFlight)
	m.tlb.Invalidate(m.inFlight)
	return x86.PF(code)
}

// ReadPhysical serves MMIO windows first and RAM otherwise. Faults of either are host errors.
func (m *MMU) ReadPhysical(pa PhysicalAddress, buf []byte) {
	if m.mmio.Handles(pa) {
		if len(buf) > 8 {
			panic(fmt.Errorf("%d byte mmio read at %s", len(buf), pa))
		}
		v, _, err := m.mmio.Read(pa, len(buf))
		if err != nil {
			panic(err)
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		copy(buf, b[:])
		return
	}
	m.mem.Read(pa, buf)
}

func (m *MMU) WritePhysical(pa PhysicalAddress, data []byte) {
	if m.mmio.Handles(pa) {
		if len(data) > 8 {
			panic(fmt.Errorf("%d byte mmio write at %s", len(data), pa))
		}
		var b [8]byte
		copy(b[:], data)
		if _, err := m.mmio.Write(pa, len(data), binary.LittleEndian.Uint64(b[:])); err != nil {
			panic(err)
		}
		return
	}
	m.mem.Write(pa, data)
}

func (m *MMU) readPhysical64(pa PhysicalAddress) uint64 {
	var b [8]byte
	m.ReadPhysical(pa, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (m *MMU) writePhysical64(pa PhysicalAddress, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WritePhysical(pa, b[:])
}

type chunk struct {
	pa   PhysicalAddress
	from int
	to   int
}

// translateRange splits [lin, lin+n) at page boundaries.
func (m *MMU) translateRange(lin LinearAddress, n int, acc Access) ([]chunk, error) {
	var out []chunk
	for off := 0; off < n; {
		cur := LinearAddress(uint64(lin) + uint64(off))
		size := min(n-off, int(x86.PageSize-cur.PageOffset()))
		pa, err := m.LinearToPhysical(cur, acc)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk{pa: pa, from: off, to: off + size})
		off += size
	}
	return out, nil
}

// ReadLinear fills buf from linear memory.
func (m *MMU) ReadLinear(lin LinearAddress, buf []byte, acc Access) error {
	chunks, err := m.translateRange(lin, len(buf), acc)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		m.ReadPhysical(c.pa, buf[c.from:c.to])
	}
	return nil
}

// WriteLinear translates every page before touching memory, so a fault leaves memory unchanged.
func (m *MMU) WriteLinear(lin LinearAddress, data []byte, acc Access) error {
	chunks, err := m.translateRange(lin, len(data), acc)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		m.WritePhysical(c.pa, data[c.from:c.to])
	}
	return nil
}

func (m *MMU) ReadLinear64(lin LinearAddress, acc Access) (uint64, error) {
	var b [8]byte
	if err := m.ReadLinear(lin, b[:], acc); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *MMU) WriteLinear64(lin LinearAddress, v uint64, acc Access) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.WriteLinear(lin, b[:], acc)
}

// ReadBytes reads through segmentation and paging.
func (m *MMU) ReadBytes(addr LogicalAddress, buf []byte, acc Access) error {
	lin, err := m.LogicalToLinear(addr, uint64(len(buf)), acc)
	if err != nil {
		return err
	}
	return m.ReadLinear(lin, buf, acc)
}

func (m *MMU) WriteBytes(addr LogicalAddress, data []byte, acc Access) error {
	lin, err := m.LogicalToLinear(addr, uint64(len(data)), acc)
	if err != nil {
		return err
	}
	return m.WriteLinear(lin, data, acc)
}

// Read loads a little-endian value of width w.
func (m *MMU) Read(addr LogicalAddress, w arith.ByteWidth, acc Access) (arith.SizedValue, error) {
	buf := make([]byte, w)
	if err := m.ReadBytes(addr, buf, acc); err != nil {
		return arith.SizedValue{}, err
	}
	return DecodeValue(buf), nil
}

// Write stores v little-endian.
func (m *MMU) Write(addr LogicalAddress, v arith.SizedValue, acc Access) error {
	return m.WriteBytes(addr, EncodeValue(v), acc)
}

// DecodeValue interprets 1 to 16 little-endian bytes.
func DecodeValue(buf []byte) arith.SizedValue {
	w := arith.ByteWidth(len(buf))
	if w == arith.DQWord {
		lo := arith.New(binary.LittleEndian.Uint64(buf[:8]), arith.QWord)
		hi := arith.New(binary.LittleEndian.Uint64(buf[8:]), arith.QWord)
		return arith.FromHalves(hi, lo)
	}
	var b [8]byte
	copy(b[:], buf)
	return arith.New(binary.LittleEndian.Uint64(b[:]), w)
}

func EncodeValue(v arith.SizedValue) []byte {
	out := make([]byte, v.Width())
	if v.Width() == arith.DQWord {
		binary.LittleEndian.PutUint64(out[:8], v.LowerHalf().Uint64())
		binary.LittleEndian.PutUint64(out[8:], v.UpperHalf().Uint64())
		return out
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v.Uint64())
	copy(out, b[:])
	return out
}

// ReadDescriptor loads the descriptor at offset in a descriptor table. ok is false when the
// descriptor does not fit below the table limit.
func (m *MMU) ReadDescriptor(table DescriptorTableRegister, offset uint64) (d Descriptor, ok bool, err error) {
	if !table.Covers(offset, 8) {
		return nil, false, nil
	}
	lin := LinearAddress(uint64(table.Base) + offset)
	lo, err := m.ReadLinear64(lin, ImplicitRead)
	if err != nil {
		return nil, true, err
	}
	if !accessOf(lo).Wide() {
		return DecodeDescriptor(lo, 0), true, nil
	}
	if !table.Covers(offset, 16) {
		return nil, false, nil
	}
	hi, err := m.ReadLinear64(lin+8, ImplicitRead)
	if err != nil {
		return nil, true, err
	}
	return DecodeDescriptor(lo, hi), true, nil
}

// WriteDescriptor stores d back, used for the accessed and busy bits.
func (m *MMU) WriteDescriptor(table DescriptorTableRegister, offset uint64, d Descriptor) error {
	lo, hi := d.Words()
	lin := LinearAddress(uint64(table.Base) + offset)
	if err := m.WriteLinear64(lin, lo, ImplicitWrite); err != nil {
		return err
	}
	if d.Access().Wide() {
		return m.WriteLinear64(lin+8, hi, ImplicitWrite)
	}
	return nil
}

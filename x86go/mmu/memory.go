package mmu

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cpue-emu/cpue/x86go/x86"
)

// Note: pages match the architectural 4 KiB page so that a frame never straddles two backing pages.
const (
	PageAddrSize = x86.PageShift
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

type Page [PageSize]byte

// PhysicalMemory is guest RAM. Pages are allocated on first write; unwritten pages read as zero.
type PhysicalMemory struct {
	size  uint64
	pages map[uint64]*Page

	// two caches: we often read instructions from one page, and do memory things with another page.
	// this prevents map lookups each instruction
	lastPageKeys [2]uint64
	lastPage     [2]*Page
}

func NewPhysicalMemory(size uint64) *PhysicalMemory {
	if size == 0 || size&PageAddrMask != 0 {
		panic(fmt.Errorf("memory size %#x is not a positive multiple of the page size", size))
	}
	if size-1 > uint64(MaxPhysicalAddress) {
		panic(fmt.Errorf("memory size %#x exceeds the physical address space", size))
	}
	return &PhysicalMemory{
		size:         size,
		pages:        make(map[uint64]*Page),
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
	}
}

func (m *PhysicalMemory) Size() uint64 {
	return m.size
}

func (m *PhysicalMemory) PageCount() int {
	return len(m.pages)
}

// Contains reports whether [addr, addr+n) is backed by RAM.
func (m *PhysicalMemory) Contains(addr PhysicalAddress, n uint64) bool {
	end := uint64(addr) + n
	return end >= uint64(addr) && end <= m.size
}

func (m *PhysicalMemory) pageLookup(pageIndex uint64) (*Page, bool) {
	// hit caches
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}

	return p, ok
}

func (m *PhysicalMemory) allocPage(pageIndex uint64) *Page {
	p := new(Page)
	m.pages[pageIndex] = p
	return p
}

func (m *PhysicalMemory) checkRange(addr PhysicalAddress, n int) {
	if !m.Contains(addr, uint64(n)) {
		panic(fmt.Errorf("physical access %s+%d outside of %d bytes of RAM", addr, n, m.size))
	}
}

// Read copies len(dest) bytes starting at addr.
func (m *PhysicalMemory) Read(addr PhysicalAddress, dest []byte) {
	m.checkRange(addr, len(dest))
	a := uint64(addr)
	for len(dest) > 0 {
		pageAddr := a & PageAddrMask
		var n int
		if p, ok := m.pageLookup(a >> PageAddrSize); ok {
			n = copy(dest, p[pageAddr:])
		} else {
			n = min(len(dest), int(PageSize-pageAddr))
			clear(dest[:n])
		}
		dest = dest[n:]
		a += uint64(n)
	}
}

// Write copies src into memory starting at addr.
func (m *PhysicalMemory) Write(addr PhysicalAddress, src []byte) {
	m.checkRange(addr, len(src))
	a := uint64(addr)
	for len(src) > 0 {
		pageIndex := a >> PageAddrSize
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		n := copy(p[a&PageAddrMask:], src)
		src = src[n:]
		a += uint64(n)
	}
}

func (m *PhysicalMemory) Read64(addr PhysicalAddress) uint64 {
	var b [8]byte
	m.Read(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (m *PhysicalMemory) Write64(addr PhysicalAddress, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(addr, b[:])
}

// ClearPage zeroes the frame containing addr.
func (m *PhysicalMemory) ClearPage(addr PhysicalAddress) {
	m.checkRange(addr, 1)
	pageIndex := uint64(addr) >> PageAddrSize
	delete(m.pages, pageIndex)
	for i := range m.lastPageKeys {
		if m.lastPageKeys[i] == pageIndex {
			m.lastPageKeys[i] = ^uint64(0)
			m.lastPage[i] = nil
		}
	}
}

// SetMemoryRange fills memory from r until EOF.
func (m *PhysicalMemory) SetMemoryRange(addr PhysicalAddress, r io.Reader) error {
	a := uint64(addr)
	for {
		if a >= m.size {
			// only an error if the reader still has data
			var probe [1]byte
			if n, _ := r.Read(probe[:]); n == 0 {
				return nil
			}
			return fmt.Errorf("memory range starting at %s exceeds RAM", addr)
		}
		pageIndex := a >> PageAddrSize
		pageAddr := a & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		end := uint64(PageSize)
		if remaining := m.size - (a - pageAddr); remaining < end {
			end = remaining
		}
		n, err := r.Read(p[pageAddr:end])
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		a += uint64(n)
	}
}

type memReader struct {
	m     *PhysicalMemory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	n = len(dest)
	if uint64(n) > r.count {
		n = int(r.count)
	}
	if pageLeft := int(PageSize - r.addr&PageAddrMask); n > pageLeft {
		n = pageLeft
	}
	r.m.Read(PhysicalAddress(r.addr), dest[:n])
	r.addr += uint64(n)
	r.count -= uint64(n)
	return n, nil
}

func (m *PhysicalMemory) ReadMemoryRange(addr PhysicalAddress, count uint64) io.Reader {
	m.checkRange(addr, 0)
	return &memReader{m: m, addr: uint64(addr), count: count}
}

func (m *PhysicalMemory) sortedPageIndices() []uint64 {
	out := make([]uint64, 0, len(m.pages))
	for k := range m.pages {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Serialize writes the allocated pages in a simple binary format, using big endian for numbers.
//
// size              uint64
// len(PageCount)    uint64
// For each page (ascending page index):
//
//	page index          uint64
//	page Data           [PageSize]byte
func (m *PhysicalMemory) Serialize(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, m.size); err != nil {
		return err
	}
	if err := binary.Write(out, binary.BigEndian, uint64(m.PageCount())); err != nil {
		return err
	}
	for _, pageIndex := range m.sortedPageIndices() {
		if err := binary.Write(out, binary.BigEndian, pageIndex); err != nil {
			return err
		}
		if _, err := out.Write(m.pages[pageIndex][:]); err != nil {
			return err
		}
	}
	return nil
}

// Digest is a keccak hash over the non-zero pages, stable across runs of the same guest.
func (m *PhysicalMemory) Digest() common.Hash {
	var zero Page
	var idx [8]byte
	data := make([][]byte, 0, 2*len(m.pages))
	for _, pageIndex := range m.sortedPageIndices() {
		p := m.pages[pageIndex]
		if *p == zero {
			continue
		}
		binary.BigEndian.PutUint64(idx[:], pageIndex)
		data = append(data, append([]byte(nil), idx[:]...), p[:])
	}
	return crypto.Keccak256Hash(data...)
}

func (m *PhysicalMemory) Usage() string {
	total := uint64(len(m.pages)) * PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}

package mmu

import (
	"fmt"
	"sort"
)

// MMIORegister is a device window in the physical address space. Offsets passed to the
// callbacks are relative to the window base.
type MMIORegister struct {
	Name  string
	Size  uint64
	Read  func(offset uint64, size int) (uint64, error)
	Write func(offset uint64, size int, value uint64) error
}

type mappedRegister struct {
	base PhysicalAddress
	reg  MMIORegister
}

func (r *mappedRegister) end() uint64 {
	return uint64(r.base) + r.reg.Size
}

// MMIO dispatches physical accesses to device windows. Windows are registered before the
// emulator starts and never change afterwards.
type MMIO struct {
	regs []mappedRegister
}

func NewMMIO() *MMIO {
	return &MMIO{}
}

// Map registers a window. Overlapping windows are rejected.
func (m *MMIO) Map(base PhysicalAddress, reg MMIORegister) error {
	if reg.Size == 0 {
		return fmt.Errorf("mmio %q: empty window", reg.Name)
	}
	if reg.Read == nil || reg.Write == nil {
		return fmt.Errorf("mmio %q: missing callbacks", reg.Name)
	}
	n := mappedRegister{base: base, reg: reg}
	if n.end() < uint64(base) {
		return fmt.Errorf("mmio %q: window wraps the address space", reg.Name)
	}
	for i := range m.regs {
		o := &m.regs[i]
		if uint64(base) < o.end() && uint64(o.base) < n.end() {
			return fmt.Errorf("mmio %q at %s overlaps %q at %s", reg.Name, base, o.reg.Name, o.base)
		}
	}
	m.regs = append(m.regs, n)
	sort.Slice(m.regs, func(i, j int) bool { return m.regs[i].base < m.regs[j].base })
	return nil
}

func (m *MMIO) find(addr PhysicalAddress) *mappedRegister {
	i := sort.Search(len(m.regs), func(i int) bool { return m.regs[i].end() > uint64(addr) })
	if i < len(m.regs) && m.regs[i].base <= addr {
		return &m.regs[i]
	}
	return nil
}

// Window is a mapped device window.
type Window struct {
	Name string
	Base PhysicalAddress
	Size uint64
}

// Windows lists the registered windows by address.
func (m *MMIO) Windows() []Window {
	out := make([]Window, len(m.regs))
	for i, r := range m.regs {
		out[i] = Window{Name: r.reg.Name, Base: r.base, Size: r.reg.Size}
	}
	return out
}

// Handles reports whether addr falls in a device window.
func (m *MMIO) Handles(addr PhysicalAddress) bool {
	return m.find(addr) != nil
}

func (r *mappedRegister) checkAccess(addr PhysicalAddress, size int) (uint64, error) {
	off := uint64(addr - r.base)
	if size <= 0 || size > 8 || off+uint64(size) > r.reg.Size {
		return 0, fmt.Errorf("mmio %q: %d byte access at offset %#x out of bounds", r.reg.Name, size, off)
	}
	return off, nil
}

// Read returns handled=false when no window claims addr; the caller then falls back to RAM.
func (m *MMIO) Read(addr PhysicalAddress, size int) (value uint64, handled bool, err error) {
	r := m.find(addr)
	if r == nil {
		return 0, false, nil
	}
	off, err := r.checkAccess(addr, size)
	if err != nil {
		return 0, true, err
	}
	v, err := r.reg.Read(off, size)
	if err != nil {
		return 0, true, fmt.Errorf("mmio %q read at %#x: %w", r.reg.Name, off, err)
	}
	return v, true, nil
}

func (m *MMIO) Write(addr PhysicalAddress, size int, value uint64) (handled bool, err error) {
	r := m.find(addr)
	if r == nil {
		return false, nil
	}
	off, err := r.checkAccess(addr, size)
	if err != nil {
		return true, err
	}
	if err := r.reg.Write(off, size, value); err != nil {
		return true, fmt.Errorf("mmio %q write at %#x: %w", r.reg.Name, off, err)
	}
	return true, nil
}

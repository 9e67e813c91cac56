// Package testutil builds guest executables for tests.
package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

type Segment struct {
	Vaddr uint64
	Flags elf.ProgFlag
	Data  []byte
	// MemSize defaults to len(Data).
	MemSize uint64
}

const pageSize = 0x1000

// BuildELF assembles a minimal static executable without section headers.
func BuildELF(machine elf.Machine, entry uint64, segs []Segment) []byte {
	const ehsize, phentsize = 64, 56
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.Write([]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	buf.Write(make([]byte, 9))
	w(uint16(elf.ET_EXEC))
	w(uint16(machine))
	w(uint32(elf.EV_CURRENT))
	w(entry)
	w(uint64(ehsize)) // phoff
	w(uint64(0))      // shoff
	w(uint32(0))      // flags
	w(uint16(ehsize))
	w(uint16(phentsize))
	w(uint16(len(segs)))
	w(uint16(64)) // shentsize
	w(uint16(0))  // shnum
	w(uint16(0))  // shstrndx

	off := uint64(ehsize + phentsize*len(segs))
	offsets := make([]uint64, len(segs))
	for i, s := range segs {
		offsets[i] = off
		off += uint64(len(s.Data))
	}
	for i, s := range segs {
		memsz := s.MemSize
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		w(uint32(elf.PT_LOAD))
		w(uint32(s.Flags))
		w(offsets[i])
		w(s.Vaddr)
		w(s.Vaddr)
		w(uint64(len(s.Data)))
		w(memsz)
		w(uint64(pageSize))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

// Executable builds a single segment x86-64 executable entered at the start of code.
func Executable(base uint64, code []byte) []byte {
	return BuildELF(elf.EM_X86_64, base, []Segment{{Vaddr: base, Flags: elf.PF_R | elf.PF_X, Data: code}})
}

// OpenELF parses raw as an ELF file.
func OpenELF(t testing.TB, raw []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse test executable: %v", err)
	}
	return f
}

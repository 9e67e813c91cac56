package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// Image describes a loaded ELF executable.
type Image struct {
	Entry uint64
	// Low and High bound the loaded segments; High is the initial program break.
	Low, High uint64
	// ProgramHeaders is the linear address of the program header table, when it was loaded.
	ProgramHeaders uint64
	ProgramCount   int
	Symbols        SortedSymbols
}

// ImageOptions controls how an image is mapped.
type ImageOptions struct {
	User bool
	// NoExecute marks non-executable segments execute-disable; only valid with EFER.NXE.
	NoExecute bool
	// Overwrite allows the image to share pages with regions that are already mapped.
	Overwrite bool
}

func segmentFlags(prog *elf.Prog, opts ImageOptions) mmu.PageEntry {
	var flags mmu.PageEntry
	if prog.Flags&elf.PF_W != 0 {
		flags |= mmu.PageWritable
	}
	if opts.User {
		flags |= mmu.PageUser
	}
	if opts.NoExecute && prog.Flags&elf.PF_X == 0 {
		flags |= mmu.PageExecuteDisable
	}
	return flags
}

// LoadELF maps every PT_LOAD segment of f and copies its contents in, zero-filling the part of
// each segment beyond its file size.
func (l *Loader) LoadELF(f *elf.File, opts ImageOptions) (*Image, error) {
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 executable: %s %s", f.Class, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("unsupported ELF type %s, expected a static executable", f.Type)
	}
	out := &Image{Entry: f.Entry, Low: ^uint64(0)}

	// pages mapped by earlier segments of this image may be shared by the next one
	own := make(map[uint64]bool)
	for i, prog := range f.Progs {
		if prog.Type == elf.PT_PHDR {
			out.ProgramHeaders = prog.Vaddr
		}
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("invalid PT_LOAD program segment %d, file size (%d) > mem size (%d)", i, prog.Filesz, prog.Memsz)
		}
		r := io.Reader(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if prog.Filesz < prog.Memsz {
			r = io.MultiReader(r, bytes.NewReader(make([]byte, prog.Memsz-prog.Filesz)))
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}

		region := Region{
			Base:      mmu.LinearAddress(prog.Vaddr),
			Size:      prog.Memsz,
			Flags:     segmentFlags(prog, opts),
			Data:      data,
			Overwrite: opts.Overwrite,
		}
		first, count := region.pages()
		if own[uint64(first)] || own[uint64(first)+(count-1)*x86.PageSize] {
			region.Overwrite = true
		}
		if err := l.LoadRegion(region, StrategyZero); err != nil {
			return nil, fmt.Errorf("failed to load program segment %d: %w", i, err)
		}
		for p := uint64(0); p < count; p++ {
			own[uint64(first)+p*x86.PageSize] = true
		}

		if prog.Off == 0 && out.ProgramHeaders == 0 {
			// the first segment usually carries the ELF header and the program headers
			out.ProgramHeaders = prog.Vaddr + 64
		}
		out.Low = min(out.Low, prog.Vaddr)
		out.High = max(out.High, prog.Vaddr+prog.Memsz)
	}
	if out.High == 0 {
		return nil, errors.New("no loadable segments")
	}
	out.ProgramCount = len(f.Progs)

	syms, err := Symbols(f)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	out.Symbols = syms
	l.log.Info("loaded image", "entry", fmt.Sprintf("%#x", out.Entry), "low", fmt.Sprintf("%#x", out.Low),
		"high", fmt.Sprintf("%#x", out.High), "user", opts.User, "symbols", len(syms))
	return out, nil
}

type SortedSymbols []elf.Symbol

// FindSymbol finds the symbol that intersects with the given addr, or nil if none exists
func (s SortedSymbols) FindSymbol(addr uint64) elf.Symbol {
	// find first symbol with higher start. Or n if no such symbol exists
	i := sort.Search(len(s), func(i int) bool {
		return s[i].Value > addr
	})
	if i == 0 {
		return elf.Symbol{Name: "!start", Value: 0}
	}
	out := &s[i-1]
	if out.Value+out.Size < addr { // addr may be pointing to a gap between symbols
		return elf.Symbol{Name: "!gap", Value: addr}
	}
	return *out
}

// Describe formats addr as symbol+offset.
func (s SortedSymbols) Describe(addr uint64) string {
	if len(s) == 0 {
		return fmt.Sprintf("%#x", addr)
	}
	sym := s.FindSymbol(addr)
	if sym.Name == "" || sym.Name[0] == '!' {
		return fmt.Sprintf("%#x", addr)
	}
	return fmt.Sprintf("%s+%#x", sym.Name, addr-sym.Value)
}

func Symbols(f *elf.File) (SortedSymbols, error) {
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols data: %w", err)
	}
	// not every ELF has sorted symbols
	out := make(SortedSymbols, 0, len(symbols))
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC || elf.ST_TYPE(sym.Info) == elf.STT_OBJECT {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// Package kernel prepares the machine left by the firmware for the program: directly in
// supervisor mode, under a host-side emulation of Linux, or under a supervisor image.
package kernel

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/cpu"
	"github.com/cpue-emu/cpue/x86go/firmware"
	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

type Kind string

const (
	KindNone    Kind = "none"
	KindEmulate Kind = "emulate"
	KindCustom  Kind = "custom"
)

var Kinds = []Kind{KindNone, KindEmulate, KindCustom}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return "", fmt.Errorf("unknown kernel %q, expected one of %s", s, strings.Join(names, ", "))
}

// Kernel loads the program into the address space built by the firmware and sets up the
// processor to start it. The returned image is the program's.
type Kernel interface {
	Boot(c *cpu.CPU, ldr *loader.Loader, layout *firmware.Layout) (*loader.Image, error)
}

// ExitError ends emulation with a process exit status.
type ExitError struct {
	Code int
	// Signal is set when the process was killed by a guest exception.
	Signal int
	Event  *x86.Event
}

func (e *ExitError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("process killed by signal %d (%s)", e.Signal, e.Event)
	}
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// checkSupervisorImage refuses images that would overwrite the firmware's structures. Supervisor
// images inside the identity map share its frames.
func checkSupervisorImage(f *elf.File, layout *firmware.Layout) error {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Vaddr < uint64(layout.Reserved) {
			return fmt.Errorf("segment at %#x overlaps the firmware below %s", p.Vaddr, layout.Reserved)
		}
	}
	return nil
}

func loadSupervisorImage(ldr *loader.Loader, f *elf.File, layout *firmware.Layout) (*loader.Image, error) {
	if err := checkSupervisorImage(f, layout); err != nil {
		return nil, err
	}
	return ldr.LoadELF(f, loader.ImageOptions{NoExecute: true, Overwrite: true})
}

type noKernel struct {
	log     log.Logger
	program *elf.File
}

// None runs the program in supervisor mode on the firmware stack, with interrupts enabled.
func None(logger log.Logger, program *elf.File) Kernel {
	return &noKernel{log: logger, program: program}
}

func (k *noKernel) Boot(c *cpu.CPU, ldr *loader.Loader, layout *firmware.Layout) (*loader.Image, error) {
	img, err := loadSupervisorImage(ldr, k.program, layout)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	if err := c.SetRegister(cpu.RFLAGS, c.RFLAGS()|x86.FlagIF); err != nil {
		return nil, err
	}
	c.SetRIP(img.Entry)
	k.log.Info("starting program without kernel", "entry", hexutil.Uint64(img.Entry))
	return img, nil
}

type customKernel struct {
	log     log.Logger
	image   *elf.File
	program *elf.File
}

// Custom loads a supervisor image next to the user program and enters the supervisor with the
// program's entry point in RDI.
func Custom(logger log.Logger, image, program *elf.File) Kernel {
	return &customKernel{log: logger, image: image, program: program}
}

func (k *customKernel) Boot(c *cpu.CPU, ldr *loader.Loader, layout *firmware.Layout) (*loader.Image, error) {
	kimg, err := loadSupervisorImage(ldr, k.image, layout)
	if err != nil {
		return nil, fmt.Errorf("load kernel image: %w", err)
	}
	img, err := ldr.LoadELF(k.program, loader.ImageOptions{User: true, NoExecute: true, Overwrite: true})
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	if err := c.SetRegister(x86asm.RDI, img.Entry); err != nil {
		return nil, err
	}
	c.SetRIP(kimg.Entry)
	k.log.Info("starting kernel image", "entry", hexutil.Uint64(kimg.Entry), "program", hexutil.Uint64(img.Entry))
	return img, nil
}

// enterUser makes the processor IRET to rip at CPL 3 with the given stack. The IRETQ runs from a
// supervisor page mapped at trampolineBase.
func enterUser(c *cpu.CPU, ldr *loader.Loader, layout *firmware.Layout, rip, rsp uint64) error {
	trampoline := loader.Region{Base: trampolineBase, Size: x86.PageSize, Data: []byte{0x48, 0xCF}} // iretq
	if err := ldr.LoadRegion(trampoline, loader.StrategyZero); err != nil {
		return fmt.Errorf("map user entry: %w", err)
	}
	frame := []uint64{
		rip,
		uint64(firmware.SelectorUserCode),
		x86.FlagRsv1 | x86.FlagIF,
		rsp,
		uint64(firmware.SelectorUserData),
	}
	top := layout.StackTop - uint64(len(frame))*8
	for i, v := range frame {
		if err := c.MMU().WriteLinear64(mmu.LinearAddress(top+uint64(i)*8), v, mmu.ImplicitWrite); err != nil {
			return fmt.Errorf("write user entry frame: %w", err)
		}
	}
	if err := c.SetRegister(x86asm.RSP, top); err != nil {
		return err
	}
	c.SetRIP(uint64(trampolineBase))
	return nil
}

// kernel half of the address space
const trampolineBase = mmu.LinearAddress(0xFFFF_8000_0000_0000)

// Package emulator assembles a machine from memory, processor, devices, firmware and a kernel,
// and runs it.
package emulator

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/cpue-emu/cpue/x86go/cpu"
	"github.com/cpue-emu/cpue/x86go/devices"
	"github.com/cpue-emu/cpue/x86go/firmware"
	"github.com/cpue-emu/cpue/x86go/kernel"
	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

const (
	MiB = 1 << 20

	MinRAM = 2 * MiB
	// RAM must stay below the device windows.
	MaxRAM = uint64(devices.UARTMMIOBase)

	// the context is only checked every so many steps
	ctxCheckInterval = 100
)

type Config struct {
	// RAM is the size of physical memory in bytes.
	RAM uint64

	Kernel kernel.Kind
	// Program is the path of the executable to run.
	Program string
	// KernelImage is the supervisor image of the custom kernel.
	KernelImage string
	// Args are passed to the program after its path; Env is its environment.
	Args []string
	Env  []string

	// Serial output goes to a terminal on Stdin/Stdout unless NoSerial is set, in which case it is
	// written line by line to SerialLog and the serial input is empty.
	NoSerial  bool
	Stdin     *os.File
	Stdout    io.Writer
	SerialLog io.Writer

	// MaxSteps stops the processor after that many instructions, 0 for no limit.
	MaxSteps uint64
	// InfoEvery logs progress every that many instructions, 0 to disable.
	InfoEvery uint64
}

func (c *Config) Check() error {
	if c.RAM < MinRAM || c.RAM > MaxRAM {
		return fmt.Errorf("ram size %d MiB out of range [%d, %d] MiB", c.RAM/MiB, MinRAM/MiB, MaxRAM/MiB)
	}
	if c.RAM%x86.PageSize != 0 {
		return fmt.Errorf("ram size %d is not a multiple of the page size", c.RAM)
	}
	if c.Program == "" {
		return errors.New("no program to run")
	}
	switch c.Kernel {
	case kernel.KindCustom:
		if c.KernelImage == "" {
			return errors.New("the custom kernel needs a kernel image")
		}
	case kernel.KindNone, kernel.KindEmulate:
		if c.KernelImage != "" {
			return fmt.Errorf("kernel image is only used by the %s kernel", kernel.KindCustom)
		}
	default:
		return fmt.Errorf("unknown kernel %q", c.Kernel)
	}
	if c.NoSerial {
		if c.SerialLog == nil {
			return errors.New("no destination for serial output")
		}
	} else if c.Stdin == nil || c.Stdout == nil {
		return errors.New("the serial terminal needs stdin and stdout")
	}
	return nil
}

// Emulator is one assembled machine.
type Emulator struct {
	log log.Logger
	cfg Config

	mem  *mmu.PhysicalMemory
	cpu  *cpu.CPU
	pic  *devices.PIC
	uart *devices.UART

	layout *firmware.Layout
	image  *loader.Image

	peer     devices.Peer
	terminal *devices.Terminal
}

func openELF(path string) (*elf.File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// New builds the machine and boots it up to the first instruction of the program or kernel.
func New(logger log.Logger, cfg Config) (*Emulator, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	e := &Emulator{log: logger, cfg: cfg}
	e.mem = mmu.NewPhysicalMemory(cfg.RAM)
	mmio := mmu.NewMMIO()
	e.cpu = cpu.New(logger.New("role", "cpu"), e.mem, mmio)

	e.pic = devices.NewPIC(logger.New("role", "pic"), e.cpu.ICU())
	e.cpu.ICU().OnInterruptsEnabled(e.pic.Reprocess)
	line, err := e.pic.Connect()
	if err != nil {
		return nil, err
	}
	e.uart = devices.NewUART(logger.New("role", "uart"), line)
	if err := mmio.Map(devices.UARTMMIOBase, e.uart.MMIORegister()); err != nil {
		return nil, fmt.Errorf("map uart: %w", err)
	}
	if err := mmio.Map(devices.PICMMIOBase, e.pic.MMIORegister()); err != nil {
		return nil, fmt.Errorf("map pic: %w", err)
	}
	if cfg.NoSerial {
		e.peer = devices.NewLinePeer(cfg.SerialLog)
		e.uart.CloseInput()
	} else {
		e.terminal = devices.NewTerminal(logger.New("role", "terminal"), e.uart, cfg.Stdin, cfg.Stdout)
		e.peer = e.terminal
	}

	k, err := e.kernel()
	if err != nil {
		return nil, err
	}
	ldr, layout, err := firmware.Boot(logger.New("role", "firmware"), e.cpu)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	e.layout = layout
	if e.image, err = k.Boot(e.cpu, ldr, layout); err != nil {
		return nil, fmt.Errorf("%s kernel: %w", cfg.Kernel, err)
	}
	return e, nil
}

func (e *Emulator) kernel() (kernel.Kernel, error) {
	program, err := openELF(e.cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("open program: %w", err)
	}
	klog := e.log.New("role", "kernel", "kind", e.cfg.Kernel)
	switch e.cfg.Kernel {
	case kernel.KindNone:
		return kernel.None(klog, program), nil
	case kernel.KindCustom:
		image, err := openELF(e.cfg.KernelImage)
		if err != nil {
			return nil, fmt.Errorf("open kernel image: %w", err)
		}
		return kernel.Custom(klog, image, program), nil
	default:
		// the kernel writes whole buffers, let them queue
		if err := e.uart.WriteRegister(devices.UARTRegIIR, devices.FCREnable|devices.FCR64Byte); err != nil {
			return nil, err
		}
		proc := kernel.Process{
			Args:    append([]string{e.cfg.Program}, e.cfg.Args...),
			Env:     e.cfg.Env,
			Console: e.uart,
		}
		return kernel.Emulate(klog, program, proc), nil
	}
}

func (e *Emulator) CPU() *cpu.CPU               { return e.cpu }
func (e *Emulator) UART() *devices.UART         { return e.uart }
func (e *Emulator) PIC() *devices.PIC           { return e.pic }
func (e *Emulator) Memory() *mmu.PhysicalMemory { return e.mem }
func (e *Emulator) Image() *loader.Image        { return e.image }
func (e *Emulator) Layout() *firmware.Layout    { return e.layout }

// Reason tells why the processor stopped.
type Reason string

const (
	ReasonExit      Reason = "exit"
	ReasonKilled    Reason = "killed"
	ReasonHalt      Reason = "halt"
	ReasonStepLimit Reason = "step-limit"
)

type Result struct {
	Reason   Reason
	ExitCode int
	// Signal is set when the process was killed by an exception.
	Signal int
	Steps  uint64
	Digest common.Hash
}

// Run drives the processor until the program exits, halts for good or hits the step limit, while
// the UART worker and the terminal run alongside. Queued serial output is flushed before Run
// returns. A cancelled ctx ends the run with its error.
func (e *Emulator) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.uart.Run(gctx, e.peer) })
	if e.terminal != nil {
		g.Go(func() error { return e.terminal.Run(gctx) })
	}
	var res *Result
	g.Go(func() error {
		defer cancel()
		r, err := e.loop(gctx)
		if err != nil {
			return err
		}
		e.uart.Drain()
		res = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Info("emulation finished", "reason", res.Reason, "code", res.ExitCode, "steps", res.Steps,
		"digest", res.Digest, "pages", e.mem.PageCount(), "mem", e.mem.Usage())
	return res, nil
}

func (e *Emulator) loop(ctx context.Context) (*Result, error) {
	c := e.cpu
	start := time.Now()
	startStep := c.Steps()
	lastInfo := ^uint64(0)
	for {
		step := c.Steps()
		if step%ctxCheckInterval == 0 || c.Halted() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if e.cfg.MaxSteps != 0 && step >= e.cfg.MaxSteps {
			e.log.Warn("step limit reached", "steps", step, "rip", hexutil.Uint64(c.RIP()))
			return e.result(ReasonStepLimit, 0, 0), nil
		}
		if e.cfg.InfoEvery != 0 && step%e.cfg.InfoEvery == 0 && step != lastInfo {
			lastInfo = step
			delta := time.Since(start)
			e.log.Info("processing",
				"step", step,
				"rip", hexutil.Uint64(c.RIP()),
				"ips", float64(step-startStep)/(float64(delta)/float64(time.Second)),
				"pages", e.mem.PageCount(),
				"mem", e.mem.Usage(),
				"name", e.symbol(c.RIP()),
			)
		}
		if c.Halted() && !c.Wakeable() {
			if !e.wakeable() {
				code := int(c.Register(x86asm.RAX) & 0xFF)
				return e.result(ReasonHalt, code, 0), nil
			}
			if err := c.ICU().Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.Step(); err != nil {
			var exit *kernel.ExitError
			if errors.As(err, &exit) {
				if exit.Signal != 0 {
					return e.result(ReasonKilled, exit.Code, exit.Signal), nil
				}
				return e.result(ReasonExit, exit.Code, 0), nil
			}
			return nil, fmt.Errorf("step %d: %w", c.Steps(), err)
		}
	}
}

// wakeable is true when a halted processor can still be resumed by the serial line.
func (e *Emulator) wakeable() bool {
	return e.cpu.RFLAGS()&x86.FlagIF != 0 && e.uart.InterruptsEnabled()
}

func (e *Emulator) symbol(rip uint64) string {
	if e.image == nil || rip < e.image.Low || rip >= e.image.High {
		return ""
	}
	return e.image.Symbols.FindSymbol(rip).Name
}

func (e *Emulator) result(reason Reason, code, signal int) *Result {
	return &Result{
		Reason:   reason,
		ExitCode: code,
		Signal:   signal,
		Steps:    e.cpu.Steps(),
		Digest:   e.mem.Digest(),
	}
}

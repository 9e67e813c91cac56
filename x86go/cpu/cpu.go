package cpu

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/arith"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

var (
	// ErrFatal wraps host-side invariant violations recovered from a step.
	ErrFatal = errors.New("fatal emulation error")
	// ErrShutdown is the triple fault: an event that could not be delivered even as a double fault.
	ErrShutdown = errors.New("processor shutdown")
)

// State is the phase of the execution loop.
type State uint8

const (
	StateFetch State = iota
	StateHandleInstruction
	StateHandleInterrupt
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateFetch:
		return "fetch"
	case StateHandleInstruction:
		return "handle-instruction"
	case StateHandleInterrupt:
		return "handle-interrupt"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// InterruptHook runs before an event goes through the IDT. Returning true consumes the event.
// A non-event error stops the processor.
type InterruptHook func(c *CPU, ev *x86.Event) (bool, error)

// SyscallHook replaces the architectural SYSCALL transfer. It runs with RIP already pointing
// after the instruction.
type SyscallHook func(c *CPU) error

// CPU is a single x86-64 logical processor.
type CPU struct {
	log log.Logger

	gpr    [16]uint64
	rip    uint64
	rflags uint64

	cr0, cr2, cr3, cr4, cr8 uint64
	efer                    uint64

	star, lstar, cstar, fmask    uint64
	fsBase, gsBase, kernelGSBase uint64

	seg        [6]mmu.SegmentRegister
	gdtr, idtr mmu.DescriptorTableRegister
	ldtr, tr   mmu.SystemSegmentRegister

	state   State
	nextRIP uint64
	steps   uint64
	// event whose delivery is in progress
	delivering *x86.Event

	regs     map[x86asm.Reg]regSlot
	handlers map[x86asm.Op]handler

	mmu *mmu.MMU
	icu *ICU

	interruptHook InterruptHook
	syscallHook   SyscallHook
}

// New builds a processor in its reset state on top of physical memory and the MMIO windows.
func New(logger log.Logger, mem *mmu.PhysicalMemory, mmio *mmu.MMIO) *CPU {
	c := &CPU{log: logger}
	c.mmu = mmu.New(c, mem, mmio)
	c.icu = NewICU(logger)
	c.regs = c.buildRegisterTable()
	c.handlers = instructionTable()
	c.Reset()
	return c
}

// Reset loads the power-on register values.
func (c *CPU) Reset() {
	c.gpr = [16]uint64{}
	c.gpr[2] = 0x600 // RDX holds the processor signature
	c.rip = 0xFFF0
	c.nextRIP = c.rip
	c.rflags = x86.FlagRsv1
	c.icu.SetInterruptsEnabled(false)
	c.cr0 = x86.CR0CD | x86.CR0NW | x86.CR0ET
	c.cr2, c.cr3, c.cr4, c.cr8, c.efer = 0, 0, 0, 0, 0
	c.star, c.lstar, c.cstar, c.fmask = 0, 0, 0, 0
	c.fsBase, c.gsBase, c.kernelGSBase = 0, 0, 0

	data := mmu.SegmentRegister{Descriptor: mmu.NewSegmentDescriptor(
		mmu.AccessPresent|mmu.AccessApplication|mmu.AccessReadWrite|mmu.AccessAccessed, 0, 0, 0xFFFF)}
	for i := range c.seg {
		c.seg[i] = data
	}
	c.seg[mmu.CS] = mmu.SegmentRegister{
		Selector: 0xF000,
		Descriptor: mmu.NewSegmentDescriptor(
			mmu.AccessPresent|mmu.AccessApplication|mmu.AccessExecutable|mmu.AccessReadWrite|mmu.AccessAccessed, 0, 0, 0xFFFF),
	}
	c.gdtr = mmu.DescriptorTableRegister{Limit: 0xFFFF}
	c.idtr = mmu.DescriptorTableRegister{Limit: 0xFFFF}
	c.ldtr = mmu.SystemSegmentRegister{}
	c.tr = mmu.SystemSegmentRegister{}

	c.state = StateFetch
	c.delivering = nil
	c.steps = 0
	c.mmu.TLB().InvalidateAll()
}

func (c *CPU) MMU() *mmu.MMU { return c.mmu }
func (c *CPU) ICU() *ICU     { return c.icu }
func (c *CPU) State() State  { return c.state }
func (c *CPU) Steps() uint64 { return c.steps }
func (c *CPU) Halted() bool  { return c.state == StateHalted }

func (c *CPU) SetInterruptHook(h InterruptHook) { c.interruptHook = h }
func (c *CPU) SetSyscallHook(h SyscallHook)     { c.syscallHook = h }

// CPL is the privilege level of the running code, the RPL of CS.
func (c *CPU) CPL() uint8 { return c.seg[mmu.CS].Selector.RPL() }

func (c *CPU) Control() mmu.Control {
	return mmu.Control{CR0: c.cr0, CR3: c.cr3, CR4: c.cr4, EFER: c.efer, AC: c.flag(x86.FlagAC)}
}

func (c *CPU) Segment(alias mmu.SegmentAlias) mmu.SegmentRegister { return c.seg[alias] }

func (c *CPU) SegmentBase(alias mmu.SegmentAlias) uint64 {
	switch alias {
	case mmu.FS:
		return c.fsBase
	case mmu.GS:
		return c.gsBase
	}
	return 0
}

func (c *CPU) SetFaultAddress(addr mmu.LinearAddress) { c.cr2 = uint64(addr) }

// SetSegment loads a segment register without the checks of LoadSegment, for boot code.
func (c *CPU) SetSegment(alias mmu.SegmentAlias, r mmu.SegmentRegister) {
	c.seg[alias] = r
}

func (c *CPU) GDTR() mmu.DescriptorTableRegister { return c.gdtr }
func (c *CPU) IDTR() mmu.DescriptorTableRegister { return c.idtr }

func (c *CPU) SetGDTR(r mmu.DescriptorTableRegister) { c.gdtr = r }
func (c *CPU) SetIDTR(r mmu.DescriptorTableRegister) { c.idtr = r }

func (c *CPU) TR() mmu.SystemSegmentRegister   { return c.tr }
func (c *CPU) LDTR() mmu.SystemSegmentRegister { return c.ldtr }

// Step runs one fetch, handle-instruction, handle-interrupt cycle. Guest events never surface as
// errors: they are delivered through the IDT. Host invariant violations are recovered into ErrFatal.
func (c *CPU) Step() (outErr error) {
	if c.state == StateHalted && !c.Wakeable() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			outErr = fmt.Errorf("%w at rip %#x: %v", ErrFatal, c.rip, r)
		}
	}()
	if c.state == StateHalted {
		return c.resume()
	}
	c.steps++
	singleStep := c.flag(x86.FlagTF)

	c.state = StateFetch
	inst, err := c.fetch()
	if err == nil {
		c.nextRIP = c.rip + uint64(inst.Len)
		c.state = StateHandleInstruction
		c.log.Trace("step", "rip", hexutil.Uint64(c.rip), "inst", disasm{inst: inst, pc: c.rip})
		err = c.execute(&inst)
	}
	if err != nil {
		var ev *x86.Event
		if !errors.As(err, &ev) {
			return err
		}
		if ev.Type == x86.TypeFault {
			// the faulting instruction is restarted when the handler returns
			c.nextRIP = c.rip
		}
		c.raise(ev)
	} else if singleStep && c.state != StateHalted {
		ev := x86.DB()
		ev.Type = x86.TypeTrap
		c.raise(ev)
	}
	if c.state == StateHalted {
		c.rip = c.nextRIP
		c.log.Info("processor halted", "rip", hexutil.Uint64(c.rip), "steps", c.steps)
		return nil
	}

	c.state = StateHandleInterrupt
	if _, err := c.serviceInterrupts(); err != nil {
		return err
	}
	c.rip = c.nextRIP
	c.state = StateFetch
	return nil
}

// Wakeable reports whether a pending event would resume the processor if it is halted.
func (c *CPU) Wakeable() bool {
	return c.icu.Deliverable(c.flag(x86.FlagIF))
}

// resume services the events pending at a halted processor. Once one is delivered, execution
// continues at its handler and returns after the HLT.
func (c *CPU) resume() error {
	c.state = StateHandleInterrupt
	delivered, err := c.serviceInterrupts()
	if err != nil {
		return err
	}
	if delivered == 0 {
		c.state = StateHalted
		return nil
	}
	c.log.Debug("processor resumed", "rip", hexutil.Uint64(c.nextRIP))
	c.rip = c.nextRIP
	c.state = StateFetch
	return nil
}

func (c *CPU) execute(inst *x86asm.Inst) error {
	h, ok := c.handlers[inst.Op]
	if !ok {
		panic(fmt.Errorf("no handler for %s", disasm{inst: *inst, pc: c.rip}))
	}
	return h(c, inst)
}

// disasm formats an instruction only when a log line is actually written.
type disasm struct {
	inst x86asm.Inst
	pc   uint64
}

func (d disasm) String() string {
	return x86asm.IntelSyntax(d.inst, d.pc, func(uint64) (string, uint64) { return "", 0 })
}

// Read and Write give the host a view of guest memory through the current translation.
func (c *CPU) Read(addr mmu.LogicalAddress, w arith.ByteWidth) (arith.SizedValue, error) {
	return c.mmu.Read(addr, w, mmu.ReadAccess)
}

func (c *CPU) Write(addr mmu.LogicalAddress, v arith.SizedValue) error {
	return c.mmu.Write(addr, v, mmu.WriteAccess)
}

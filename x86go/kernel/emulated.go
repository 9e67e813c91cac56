package kernel

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/cpu"
	"github.com/cpue-emu/cpue/x86go/firmware"
	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// Process address space.
const (
	StackTop  = 0x7FFF_FFFF_F000
	StackSize = 1 << 20

	mmapTop   = 0x7FFF_0000_0000
	mmapFloor = 0x1000_0000_0000

	// largest single transfer between the console and guest memory
	maxTransfer = 64 << 10
)

// Process describes the program run by the emulated kernel.
type Process struct {
	Args []string
	Env  []string
	// Console backs file descriptors 0, 1 and 2.
	Console io.ReadWriter
}

// Emulated runs the program at CPL 3 and services its system calls on the host, the way Linux
// would. Exceptions raised by the program end it with the matching signal.
type Emulated struct {
	log     log.Logger
	program *elf.File
	proc    Process

	c   *cpu.CPU
	ldr *loader.Loader

	brkStart, brk uint64
	mmapNext      uint64
	entropy       common.Hash
	started       time.Time

	syscalls map[uint64]syscallHandler
}

func Emulate(logger log.Logger, program *elf.File, proc Process) *Emulated {
	if len(proc.Args) == 0 {
		proc.Args = []string{"program"}
	}
	k := &Emulated{log: logger, program: program, proc: proc}
	k.syscalls = syscallTable()
	var seed []byte
	for _, a := range proc.Args {
		seed = append(append(seed, a...), 0)
	}
	k.entropy = crypto.Keccak256Hash(seed)
	return k
}

func (k *Emulated) Boot(c *cpu.CPU, ldr *loader.Loader, layout *firmware.Layout) (*loader.Image, error) {
	k.c, k.ldr = c, ldr
	img, err := ldr.LoadELF(k.program, loader.ImageOptions{User: true, NoExecute: true})
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	k.brkStart = mmu.PageAlignUp(img.High)
	k.brk = k.brkStart
	k.mmapNext = mmapTop
	k.started = time.Now()

	rsp, err := k.buildStack(img)
	if err != nil {
		return nil, fmt.Errorf("build process stack: %w", err)
	}
	c.SetSyscallHook(k.syscall)
	c.SetInterruptHook(k.interrupt)
	if err := enterUser(c, ldr, layout, img.Entry, rsp); err != nil {
		return nil, err
	}
	k.log.Info("starting emulated process", "entry", hexutil.Uint64(img.Entry), "rsp", hexutil.Uint64(rsp),
		"brk", hexutil.Uint64(k.brk), "args", k.proc.Args)
	return img, nil
}

// buildStack maps the stack and lays out argc, argv, envp and the auxiliary vector below the
// strings they point to. The returned RSP is 16-byte aligned and points at argc.
func (k *Emulated) buildStack(img *loader.Image) (uint64, error) {
	region := loader.Region{
		Base:  StackTop - StackSize,
		Size:  StackSize,
		Flags: userData,
	}
	if err := k.ldr.CreateRegionVAS(region, loader.StrategyZero); err != nil {
		return 0, err
	}
	sp := uint64(StackTop)
	var copyErr error
	push := func(b []byte) uint64 {
		sp -= uint64(len(b))
		if err := k.ldr.Copy(mmu.LinearAddress(sp), b); err != nil && copyErr == nil {
			copyErr = err
		}
		return sp
	}
	pushString := func(s string) uint64 { return push(append([]byte(s), 0)) }

	execfn := pushString(k.proc.Args[0])
	argv := make([]uint64, len(k.proc.Args))
	for i, a := range k.proc.Args {
		argv[i] = pushString(a)
	}
	envp := make([]uint64, len(k.proc.Env))
	for i, e := range k.proc.Env {
		envp[i] = pushString(e)
	}
	random := push(k.randomBytes(16))
	sp &^= 0xF

	words := []uint64{uint64(len(argv))}
	words = append(words, argv...)
	words = append(words, 0)
	words = append(words, envp...)
	words = append(words, 0)
	aux := [][2]uint64{
		{atPhent, 56},
		{atPhnum, uint64(img.ProgramCount)},
		{atPagesz, x86.PageSize},
		{atBase, 0},
		{atFlags, 0},
		{atEntry, img.Entry},
		{atUID, 0}, {atEUID, 0}, {atGID, 0}, {atEGID, 0},
		{atHwcap, 0},
		{atClktck, 100},
		{atSecure, 0},
		{atRandom, random},
		{atExecfn, execfn},
	}
	if img.ProgramHeaders != 0 {
		aux = append([][2]uint64{{atPhdr, img.ProgramHeaders}}, aux...)
	}
	for _, a := range aux {
		words = append(words, a[0], a[1])
	}
	words = append(words, atNull, 0)
	if len(words)%2 == 1 {
		sp -= 8
	}
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	push(buf)
	if copyErr != nil {
		return 0, copyErr
	}
	if sp < StackTop-StackSize {
		return 0, fmt.Errorf("arguments do not fit in the %d byte stack", StackSize)
	}
	return sp, nil
}

// randomBytes draws from a keccak chain seeded by the program arguments, so that runs are
// reproducible.
func (k *Emulated) randomBytes(n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		k.entropy = crypto.Keccak256Hash(k.entropy[:])
		out = append(out, k.entropy[:min(n-len(out), common.HashLength)]...)
	}
	return out
}

// syscall services SYSCALL from the program. RCX and R11 are clobbered as on hardware.
func (k *Emulated) syscall(c *cpu.CPU) error {
	nr := c.Register(x86asm.RAX)
	args := [6]uint64{
		c.Register(x86asm.RDI), c.Register(x86asm.RSI), c.Register(x86asm.RDX),
		c.Register(x86asm.R10), c.Register(x86asm.R8), c.Register(x86asm.R9),
	}
	var ret uint64
	h, ok := k.syscalls[nr]
	if !ok {
		k.log.Warn("unsupported system call", "nr", nr, "rip", hexutil.Uint64(c.RIP()))
		ret = errno(errENOSYS)
	} else {
		var err error
		if ret, err = h(k, args); err != nil {
			return err
		}
	}
	k.log.Trace("syscall", "nr", nr, "args", args, "ret", hexutil.Uint64(ret))
	const syscallLen = 2
	for _, r := range []struct {
		reg x86asm.Reg
		v   uint64
	}{{x86asm.RAX, ret}, {x86asm.RCX, c.RIP() + syscallLen}, {x86asm.R11, c.RFLAGS()}} {
		if err := c.SetRegister(r.reg, r.v); err != nil {
			return err
		}
	}
	return nil
}

// interrupt is the fate of events aimed at the program: device interrupts are absorbed, any
// exception kills the process.
func (k *Emulated) interrupt(c *cpu.CPU, ev *x86.Event) (bool, error) {
	if ev.Type == x86.TypeMaskable || ev.Type == x86.TypeNMI {
		k.log.Debug("ignoring interrupt", "event", ev)
		return true, nil
	}
	sig := signalFor(ev.Vector)
	attrs := []any{"event", ev, "signal", sig, "rip", hexutil.Uint64(c.RIP())}
	if ev.Vector == x86.VectorPF {
		attrs = append(attrs, "addr", hexutil.Uint64(c.Register(x86asm.CR2)))
	}
	k.log.Warn("process killed", attrs...)
	return true, &ExitError{Code: 128 + sig, Signal: sig, Event: ev}
}

func errno(e int) uint64 { return uint64(-int64(e)) }

func (k *Emulated) readUser(addr, n uint64) ([]byte, bool) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, true
	}
	if err := k.c.MMU().ReadLinear(mmu.LinearAddress(addr), buf, mmu.ReadAccess); err != nil {
		k.log.Debug("bad user pointer", "addr", hexutil.Uint64(addr), "len", n, "err", err)
		return nil, false
	}
	return buf, true
}

func (k *Emulated) writeUser(addr uint64, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if err := k.c.MMU().WriteLinear(mmu.LinearAddress(addr), data, mmu.WriteAccess); err != nil {
		k.log.Debug("bad user pointer", "addr", hexutil.Uint64(addr), "len", len(data), "err", err)
		return false
	}
	return true
}

func (k *Emulated) writeUser64(addr uint64, values ...uint64) bool {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return k.writeUser(addr, buf)
}

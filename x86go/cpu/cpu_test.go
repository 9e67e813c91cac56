package cpu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

func TestAddFlagsEndToEnd(t *testing.T) {
	cases := []struct {
		name       string
		code       []byte
		al         uint64
		cf, zf, of bool
	}{
		{
			name: "carry out of al",
			// mov ax, 0x12; add rax, 8; add al, 0xf0; hlt
			code: []byte{0x66, 0xB8, 0x12, 0x00, 0x48, 0x83, 0xC0, 0x08, 0x04, 0xF0, 0xF4},
			al:   0x0A,
			cf:   true,
		},
		{
			name: "carry to zero",
			// mov ax, 0x8; add rax, 8; add al, 0xf0; hlt
			code: []byte{0x66, 0xB8, 0x08, 0x00, 0x48, 0x83, 0xC0, 0x08, 0x04, 0xF0, 0xF4},
			al:   0x00,
			cf:   true,
			zf:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			m.write(kernelCode, tc.code...)
			m.step(4)
			require.True(t, m.c.Halted())
			require.Equal(t, uint64(kernelCode+11), m.c.RIP(), "rip points past the hlt")
			require.Equal(t, tc.al, m.reg(x86asm.AL))
			require.Equal(t, tc.al, m.reg(x86asm.RAX))
			require.Equal(t, tc.cf, m.c.flag(x86.FlagCF), "CF")
			require.Equal(t, tc.zf, m.c.flag(x86.FlagZF), "ZF")
			require.Equal(t, tc.of, m.c.flag(x86.FlagOF), "OF")

			// a halted processor stays put
			require.NoError(t, m.c.Step())
			require.Equal(t, uint64(4), m.c.Steps())
		})
	}
}

func TestInterruptGateDispatch(t *testing.T) {
	const handler = handlerBase
	setup := func(t *testing.T, dpl uint8) *machine {
		m := newMachine(t)
		m.write(userCode, 0xCD, 0x80, 0x90) // int 0x80; nop
		m.write(handler, 0x48, 0xCF)        // iretq
		m.setGate(0x80, mmu.TypeInterruptGate, dpl, handler, 0)
		m.setGate(x86.VectorGP, mmu.TypeInterruptGate, 0, handler+0x10, 0)
		m.enterUser(userCode)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		return m
	}

	t.Run("stack switch and return", func(t *testing.T) {
		m := setup(t, 3)
		m.step(1)
		require.Equal(t, uint64(handler), m.c.RIP())
		require.Equal(t, uint8(0), m.c.CPL())
		require.Equal(t, mmu.Selector(0), m.c.Segment(mmu.SS).Selector)
		require.False(t, m.c.flag(x86.FlagIF))
		require.False(t, m.c.ICU().InterruptsEnabled())
		require.Equal(t, uint64(kernelStackTop-40), m.reg(x86asm.RSP))
		require.Equal(t, []uint64{userCode + 2, selUserCode, x86.FlagRsv1 | x86.FlagIF, userStackTop, selUserData}, m.frame(5))

		m.step(1)
		require.Equal(t, uint64(userCode+2), m.c.RIP())
		require.Equal(t, uint8(3), m.c.CPL())
		require.Equal(t, mmu.Selector(selUserData), m.c.Segment(mmu.SS).Selector)
		require.Equal(t, uint64(userStackTop), m.reg(x86asm.RSP))
		require.True(t, m.c.flag(x86.FlagIF))
	})

	t.Run("gate privilege", func(t *testing.T) {
		m := setup(t, 0)
		m.step(1)
		require.Equal(t, uint64(handler+0x10), m.c.RIP())
		frame := m.frame(6)
		// IDT bit set, index 0x80
		require.Equal(t, uint64(0x80<<3|2), frame[0])
		require.Equal(t, uint64(userCode), frame[1], "the INT instruction is restarted")
	})
}

func TestExceptionDelivery(t *testing.T) {
	t.Run("page fault", func(t *testing.T) {
		m := newMachine(t)
		// mov rax, [0x8000] from user mode
		m.write(userCode, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x80, 0x00, 0x00)
		m.setGate(x86.VectorPF, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.enterUser(userCode)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(0x8000), m.reg(x86asm.CR2))
		frame := m.frame(6)
		require.Equal(t, uint64(x86.PageFaultErrorCode{Present: true, User: true}.Value()), frame[0])
		require.Equal(t, uint64(userCode), frame[1])
	})

	t.Run("divide error restarts the instruction", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0x31, 0xC9, 0x48, 0xF7, 0xF1) // xor ecx, ecx; div rcx
		m.setGate(x86.VectorDE, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.step(2)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(kernelCode+2), m.frame(1)[0])
		require.Equal(t, uint64(bootStackTop-40), m.reg(x86asm.RSP), "no stack switch at the same level")
	})

	t.Run("invalid opcode", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0x0F, 0x0B) // ud2
		m.setGate(x86.VectorUD, mmu.TypeTrapGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.True(t, m.c.flag(x86.FlagIF), "trap gates leave IF alone")
	})

	t.Run("hlt needs cpl 0", func(t *testing.T) {
		m := newMachine(t)
		m.write(userCode, 0xF4)
		m.setGate(x86.VectorGP, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.enterUser(userCode)
		m.step(1)
		require.False(t, m.c.Halted())
		require.Equal(t, uint64(handlerBase), m.c.RIP())
	})

	t.Run("single step trap", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0x90)
		m.setGate(x86.VectorDB, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagTF)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.False(t, m.c.flag(x86.FlagTF))
		frame := m.frame(3)
		require.Equal(t, uint64(kernelCode+1), frame[0], "traps report the next instruction")
		require.NotZero(t, frame[2]&x86.FlagTF)
	})

	t.Run("external interrupt at the boundary", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0x90)
		m.setGate(0x30, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		require.True(t, m.c.ICU().RaiseExternal(0x30))
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(kernelCode+1), m.frame(1)[0])
		require.Zero(t, m.c.ICU().Len())
	})

	t.Run("interrupt held while masked", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0xFA, 0x90, 0xFB, 0x90) // cli; nop; sti; nop
		m.setGate(0x30, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		require.True(t, m.c.ICU().RaiseExternal(0x30))
		m.step(2)
		require.Equal(t, uint64(kernelCode+2), m.c.RIP())
		require.Equal(t, 1, m.c.ICU().Len())
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(kernelCode+3), m.frame(1)[0])
	})

	t.Run("interrupt resumes a halted processor", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0xF4, 0x90) // hlt; nop
		m.setGate(0x30, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		m.step(2)
		require.True(t, m.c.Halted())
		require.Equal(t, uint64(1), m.c.Steps())
		require.Equal(t, uint64(kernelCode+1), m.c.RIP())
		require.False(t, m.c.Wakeable())

		require.True(t, m.c.ICU().RaiseExternal(0x30))
		m.step(1)
		require.False(t, m.c.Halted())
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(kernelCode+1), m.frame(1)[0], "returns after the hlt")
	})

	t.Run("masked interrupt does not wake a halted processor", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0xFA, 0xF4) // cli; hlt
		m.setGate(0x30, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		require.True(t, m.c.ICU().RaiseExternal(0x30))
		m.step(2)
		require.True(t, m.c.Halted())
		require.Equal(t, 1, m.c.ICU().Len(), "held until IF is set")
		require.False(t, m.c.Wakeable())
		require.False(t, m.c.ICU().Deliverable(false))
		require.True(t, m.c.ICU().Deliverable(true))

		for i := 0; i < 10; i++ {
			require.NoError(t, m.c.Step())
		}
		require.True(t, m.c.Halted())
		require.Equal(t, uint64(2), m.c.Steps())
		require.Equal(t, uint64(kernelCode+2), m.c.RIP())

		require.NoError(t, m.c.ICU().RaiseNMI())
		require.True(t, m.c.Wakeable(), "an NMI ignores IF")
	})
}

func TestNestedFaults(t *testing.T) {
	// mov rax, [unmapped]
	code := []byte{0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x40, 0x00}

	t.Run("double fault on a missing page fault gate", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, code...)
		m.setGate(x86.VectorDF, mmu.TypeInterruptGate, 0, handlerBase, 1)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(unmapped), m.reg(x86asm.CR2))
		require.Equal(t, uint64(istStackTop-48), m.reg(x86asm.RSP), "IST stack")
		frame := m.frame(2)
		require.Zero(t, frame[0], "double fault error code")
		require.Equal(t, uint64(kernelCode), frame[1])
	})

	t.Run("triple fault shuts down", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, code...)
		err := m.c.Step()
		require.ErrorIs(t, err, ErrShutdown)
		require.Nil(t, m.c.Delivering())
	})

	t.Run("faults on a benign event are handled serially", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0xCC) // int3 through a gate that is not present
		gate := mmu.NewGateDescriptor(mmu.TypeInterruptGate, 0, selKernelCode, handlerBase+0x10, 0)
		gate.Lo &^= uint64(mmu.AccessPresent) << 40
		require.NoError(t, m.c.MMU().WriteDescriptor(m.c.IDTR(), x86.VectorBP*16, gate))
		m.setGate(x86.VectorNP, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		frame := m.frame(2)
		require.Equal(t, uint64(x86.VectorBP<<3|2), frame[0])
		require.Equal(t, uint64(kernelCode), frame[1])
	})
}

func TestCallGate(t *testing.T) {
	const handler = handlerBase + 0x30
	m := newMachine(t)
	m.setDescriptor(selCallGate, mmu.NewGateDescriptor(mmu.TypeCallGate, 3, selKernelCode, handler, 0))
	// lcall [userData]
	m.write(userCode, 0xFF, 0x1C, 0x25, 0x00, 0x00, 0x11, 0x00, 0x90)
	m.write(userData, 0x00, 0x00, 0x00, 0x00, selCallGate|3, 0x00)
	m.write(handler, 0x48, 0xCB) // lretq
	m.enterUser(userCode)

	m.step(1)
	require.Equal(t, uint64(handler), m.c.RIP())
	require.Equal(t, uint8(0), m.c.CPL())
	require.Equal(t, uint64(kernelStackTop-32), m.reg(x86asm.RSP))
	require.Equal(t, []uint64{userCode + 7, selUserCode, userStackTop, selUserData}, m.frame(4))

	m.step(1)
	require.Equal(t, uint64(userCode+7), m.c.RIP())
	require.Equal(t, uint8(3), m.c.CPL())
	require.Equal(t, uint64(userStackTop), m.reg(x86asm.RSP))
	require.Equal(t, mmu.Selector(selUserData), m.c.Segment(mmu.SS).Selector)
}

func TestCallGatePrivilege(t *testing.T) {
	const (
		handler       = handlerBase + 0x30
		selConforming = 0x50
	)
	var (
		lcall = []byte{0xFF, 0x1C, 0x25, 0x00, 0x00, 0x11, 0x00} // lcall [userData]
		ljmp  = []byte{0xFF, 0x2C, 0x25, 0x00, 0x00, 0x11, 0x00} // ljmp [userData]
	)
	cases := []struct {
		name     string
		user     bool
		code     []byte
		gateDPL  uint8
		target   mmu.Selector
		selector uint8
		// expected #GP error code, or the transfer succeeds
		fault   bool
		errCode uint64
	}{
		{name: "jmp to more privileged code", user: true, code: ljmp, gateDPL: 3, target: selKernelCode, selector: selCallGate | 3, fault: true, errCode: selKernelCode},
		{name: "gate dpl below cpl", user: true, code: lcall, gateDPL: 0, target: selKernelCode, selector: selCallGate | 3, fault: true, errCode: selCallGate},
		{name: "rpl above gate dpl", code: lcall, gateDPL: 0, target: selKernelCode, selector: selCallGate | 3, fault: true, errCode: selCallGate},
		{name: "conforming target keeps cpl", user: true, code: lcall, gateDPL: 3, target: selConforming, selector: selCallGate | 3},
		{name: "jmp to conforming code", user: true, code: ljmp, gateDPL: 3, target: selConforming, selector: selCallGate | 3},
		{name: "same privilege call", code: lcall, gateDPL: 0, target: selKernelCode, selector: selCallGate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			m.c.SetGDTR(mmu.DescriptorTableRegister{Base: gdtBase, Limit: selConforming + 7})
			m.setDescriptor(selConforming, mmu.NewCodeSegment(0, true))
			m.setDescriptor(selCallGate, mmu.NewGateDescriptor(mmu.TypeCallGate, tc.gateDPL, tc.target, handler, 0))
			m.setGate(x86.VectorGP, mmu.TypeInterruptGate, 0, handlerBase, 0)
			m.write(userData, 0x00, 0x00, 0x00, 0x00, tc.selector, 0x00)

			rip := uint64(kernelCode)
			cpl, stack, cs := uint8(0), uint64(bootStackTop), uint64(selKernelCode)
			if tc.user {
				rip, cpl, stack, cs = userCode, 3, userStackTop, selUserCode
				m.write(userCode, tc.code...)
				m.enterUser(userCode)
			} else {
				m.write(kernelCode, tc.code...)
			}
			ss := m.c.Segment(mmu.SS).Selector

			m.step(1)
			if tc.fault {
				require.Equal(t, uint64(handlerBase), m.c.RIP())
				require.Equal(t, []uint64{tc.errCode, rip}, m.frame(2))
				return
			}
			require.Equal(t, uint64(handler), m.c.RIP())
			require.Equal(t, cpl, m.c.CPL(), "no privilege change")
			require.Equal(t, tc.target|mmu.Selector(cpl), m.c.Segment(mmu.CS).Selector)
			require.Equal(t, ss, m.c.Segment(mmu.SS).Selector, "no stack switch")
			if bytes.Equal(tc.code, ljmp) {
				require.Equal(t, stack, m.reg(x86asm.RSP))
				return
			}
			require.Equal(t, stack-16, m.reg(x86asm.RSP))
			require.Equal(t, []uint64{rip + uint64(len(tc.code)), cs}, m.frame(2))
		})
	}
}

func TestSyscall(t *testing.T) {
	const entry = handlerBase + 0x40
	setup := func(t *testing.T) *machine {
		m := newMachine(t)
		require.NoError(t, m.c.WriteMSR(x86.MSRSTAR, 0x0010_0008_0000_0000))
		require.NoError(t, m.c.WriteMSR(x86.MSRLSTAR, entry))
		require.NoError(t, m.c.WriteMSR(x86.MSRFMASK, x86.FlagIF))
		m.write(userCode, 0x0F, 0x05, 0x90) // syscall; nop
		m.write(entry, 0x48, 0x0F, 0x07)    // sysretq
		m.enterUser(userCode)
		m.c.setRFLAGS(x86.FlagRsv1 | x86.FlagIF)
		return m
	}

	t.Run("round trip", func(t *testing.T) {
		m := setup(t)
		m.step(1)
		require.Equal(t, uint64(entry), m.c.RIP())
		require.Equal(t, mmu.Selector(selKernelCode), m.c.Segment(mmu.CS).Selector)
		require.Equal(t, mmu.Selector(selKernelData), m.c.Segment(mmu.SS).Selector)
		require.Equal(t, uint64(userCode+2), m.reg(x86asm.RCX))
		require.Equal(t, x86.FlagRsv1|x86.FlagIF, m.reg(x86asm.R11))
		require.False(t, m.c.flag(x86.FlagIF))

		m.step(1)
		require.Equal(t, uint64(userCode+2), m.c.RIP())
		require.Equal(t, mmu.Selector(selUserCode), m.c.Segment(mmu.CS).Selector)
		require.Equal(t, mmu.Selector(selUserData), m.c.Segment(mmu.SS).Selector)
		require.True(t, m.c.flag(x86.FlagIF))
	})

	t.Run("hook", func(t *testing.T) {
		m := setup(t)
		m.c.SetSyscallHook(func(c *CPU) error {
			return c.SetRegister(x86asm.RAX, 42)
		})
		m.step(1)
		require.Equal(t, uint64(42), m.reg(x86asm.RAX))
		require.Equal(t, uint64(userCode+2), m.c.RIP())
		require.Equal(t, uint8(3), m.c.CPL())
	})

	t.Run("hook error stops the processor", func(t *testing.T) {
		m := setup(t)
		stop := errors.New("exit")
		m.c.SetSyscallHook(func(*CPU) error { return stop })
		require.ErrorIs(t, m.c.Step(), stop)
	})

	t.Run("disabled", func(t *testing.T) {
		m := setup(t)
		require.NoError(t, m.c.SetRegister(EFER, x86.EFERLME|x86.EFERNXE))
		m.setGate(x86.VectorUD, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
	})
}

func TestLoadSegment(t *testing.T) {
	notPresent := mmu.NewDataSegment(3) &^ mmu.SegmentDescriptor(mmu.AccessPresent)<<40
	cases := []struct {
		name   string
		alias  mmu.SegmentAlias
		sel    mmu.Selector
		broken bool
		vector uint8
		code   uint32
	}{
		{name: "user data into ds", alias: mmu.DS, sel: selUserData},
		{name: "kernel data into ss", alias: mmu.SS, sel: selKernelData},
		{name: "null ds", alias: mmu.DS, sel: 0},
		{name: "null ss at cpl 0", alias: mmu.SS, sel: 0},
		{name: "ss rpl differs from cpl", alias: mmu.SS, sel: selUserData, vector: x86.VectorGP, code: 0x18},
		{name: "system descriptor", alias: mmu.DS, sel: selTSS, vector: x86.VectorGP, code: selTSS},
		{name: "beyond the gdt limit", alias: mmu.ES, sel: selMissing, vector: x86.VectorGP, code: selMissing},
		{name: "cs", alias: mmu.CS, sel: selKernelCode, vector: x86.VectorUD},
		{name: "not present", alias: mmu.DS, sel: selUserData, broken: true, vector: x86.VectorNP, code: 0x18},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			if tc.broken {
				m.setDescriptor(selUserData, notPresent)
			}
			err := m.c.LoadSegment(tc.alias, tc.sel)
			if tc.vector == 0 {
				require.NoError(t, err)
				require.Equal(t, tc.sel, m.c.Segment(tc.alias).Selector)
				if !tc.sel.Null() {
					raw := m.read64(gdtBase + tc.sel.Offset())
					require.True(t, mmu.SegmentDescriptor(raw).Access().Accessed())
				}
				return
			}
			var ev *x86.Event
			require.True(t, errors.As(err, &ev), "expected an event, got %v", err)
			require.Equal(t, tc.vector, ev.Vector)
			require.Equal(t, tc.code, ev.ErrorCode)
		})
	}
}

func TestFetch(t *testing.T) {
	t.Run("endbr64", func(t *testing.T) {
		m := newMachine(t)
		m.write(kernelCode, 0xF3, 0x0F, 0x1E, 0xFA, 0xF4)
		m.step(2)
		require.True(t, m.c.Halted())
		require.Equal(t, uint64(kernelCode+5), m.c.RIP())
	})

	t.Run("instruction crossing a page boundary", func(t *testing.T) {
		m := newMachine(t)
		const rip = userBase - 2
		// the first half of mov rax, imm64 sits on a supervisor page, the rest is user memory
		m.write(rip, 0x48, 0xB8)
		m.write(userBase, 1, 2, 3, 4, 5, 6, 7, 8)
		m.c.SetRIP(rip)
		m.step(1)
		require.Equal(t, uint64(0x0807060504030201), m.reg(x86asm.RAX))
	})

	t.Run("fetch fault", func(t *testing.T) {
		m := newMachine(t)
		m.setGate(x86.VectorPF, mmu.TypeInterruptGate, 0, handlerBase, 0)
		m.c.SetRIP(unmapped)
		m.step(1)
		require.Equal(t, uint64(handlerBase), m.c.RIP())
		require.Equal(t, uint64(x86.PageFaultErrorCode{Fetch: true}.Value()), m.frame(1)[0])
	})
}

func TestSnapshot(t *testing.T) {
	m := newMachine(t)
	m.write(kernelCode, 0xB8, 0x2A, 0x00, 0x00, 0x00, 0xF4) // mov eax, 42; hlt
	m.step(2)
	s := m.c.Snapshot()
	require.Equal(t, uint64(42), uint64(s.GPR[0]))
	require.Equal(t, uint64(kernelCode+6), uint64(s.RIP))
	require.Equal(t, "halted", s.State)
	require.Equal(t, uint64(2), s.Steps)
	require.Equal(t, m.c.MMU().Memory().Digest(), s.MemoryDigest)
	require.Equal(t, uint64(selKernelCode), uint64(s.Segments[mmu.CS].Selector))
}

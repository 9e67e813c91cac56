package emulator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/cpue-emu/cpue/x86go/kernel"
	"github.com/cpue-emu/cpue/x86go/testutil"
)

func writeProgram(t *testing.T, base uint64, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "program")
	require.NoError(t, os.WriteFile(path, testutil.Executable(base, code), 0o644))
	return path
}

func logged(k kernel.Kind, program string) (Config, *bytes.Buffer) {
	var out bytes.Buffer
	return Config{RAM: 16 * MiB, Kernel: k, Program: program, NoSerial: true, SerialLog: &out}, &out
}

func run(t *testing.T, cfg Config) *Result {
	t.Helper()
	e, err := New(log.New(), cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Run(ctx)
	require.NoError(t, err)
	return res
}

var hello = []byte{
	0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
	0xBF, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
	0x48, 0x8D, 0x35, 0x13, 0x00, 0x00, 0x00, // lea rsi, [rip+msg]
	0xBA, 0x03, 0x00, 0x00, 0x00, // mov edx, 3
	0x0F, 0x05, // syscall
	0xB8, 0x3C, 0x00, 0x00, 0x00, // mov eax, 60
	0xBF, 0x07, 0x00, 0x00, 0x00, // mov edi, 7
	0x0F, 0x05, // syscall
	'h', 'i', '\n',
}

func TestRunEmulated(t *testing.T) {
	t.Run("exit status and output", func(t *testing.T) {
		cfg, out := logged(kernel.KindEmulate, writeProgram(t, 0x400000, hello))
		res := run(t, cfg)
		require.Equal(t, ReasonExit, res.Reason)
		require.Equal(t, 7, res.ExitCode)
		require.Equal(t, "hi\n", out.String())
		require.Equal(t, uint64(9), res.Steps, "iretq and eight program instructions")
		require.NotZero(t, res.Digest)
	})

	t.Run("killed by an exception", func(t *testing.T) {
		cfg, _ := logged(kernel.KindEmulate, writeProgram(t, 0x400000, []byte{0x0F, 0x0B}))
		res := run(t, cfg)
		require.Equal(t, ReasonKilled, res.Reason)
		require.Equal(t, 132, res.ExitCode)
		require.Equal(t, 4, res.Signal)
	})

	t.Run("echo through the terminal", func(t *testing.T) {
		echo := []byte{
			0x31, 0xC0, // loop: xor eax, eax
			0x31, 0xFF, // xor edi, edi
			0x48, 0x89, 0xE6, // mov rsi, rsp
			0xBA, 0x40, 0x00, 0x00, 0x00, // mov edx, 64
			0x0F, 0x05, // syscall
			0x85, 0xC0, // test eax, eax
			0x7E, 0x13, // jle done
			0x89, 0xC2, // mov edx, eax
			0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
			0xBF, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
			0x48, 0x89, 0xE6, // mov rsi, rsp
			0x0F, 0x05, // syscall
			0xEB, 0xDB, // jmp loop
			0xB8, 0x3C, 0x00, 0x00, 0x00, // done: mov eax, 60
			0x31, 0xFF, // xor edi, edi
			0x0F, 0x05, // syscall
		}
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		_, err = w.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		var out bytes.Buffer
		res := run(t, Config{
			RAM:     16 * MiB,
			Kernel:  kernel.KindEmulate,
			Program: writeProgram(t, 0x400000, echo),
			Stdin:   r,
			Stdout:  &out,
		})
		require.Equal(t, ReasonExit, res.Reason)
		require.Zero(t, res.ExitCode)
		require.Equal(t, "hello", out.String())
	})
}

func TestRunWithoutKernel(t *testing.T) {
	t.Run("exit status from rax at hlt", func(t *testing.T) {
		// mov eax, 0x12A; hlt
		cfg, _ := logged(kernel.KindNone, writeProgram(t, 0x100000, []byte{0xB8, 0x2A, 0x01, 0, 0, 0xF4}))
		res := run(t, cfg)
		require.Equal(t, ReasonHalt, res.Reason)
		require.Equal(t, 0x2A, res.ExitCode)
		require.Equal(t, uint64(2), res.Steps)
	})

	t.Run("serial output through the registers", func(t *testing.T) {
		code := []byte{
			0xBB, 0x00, 0x00, 0x00, 0xFF, // mov ebx, 0xFF000000
			0xC6, 0x43, 0x02, 0x21, // mov byte [rbx+2], FIFO enable, 64 bytes
			0xC6, 0x03, 'o', // mov byte [rbx], 'o'
			0xC6, 0x03, 'k', // mov byte [rbx], 'k'
			0xC6, 0x03, '\n', // mov byte [rbx], '\n'
			0x31, 0xC0, // xor eax, eax
			0xF4, // hlt
		}
		cfg, out := logged(kernel.KindNone, writeProgram(t, 0x100000, code))
		res := run(t, cfg)
		require.Equal(t, ReasonHalt, res.Reason)
		require.Zero(t, res.ExitCode)
		require.Equal(t, "ok\n", out.String())
	})

	t.Run("step limit", func(t *testing.T) {
		cfg, _ := logged(kernel.KindNone, writeProgram(t, 0x100000, []byte{0xEB, 0xFE})) // jmp $
		cfg.MaxSteps = 50
		cfg.InfoEvery = 10
		res := run(t, cfg)
		require.Equal(t, ReasonStepLimit, res.Reason)
		require.Equal(t, uint64(50), res.Steps)
	})

	t.Run("halt waits for the serial line", func(t *testing.T) {
		code := []byte{
			0xBB, 0x00, 0x00, 0x00, 0xFF, // mov ebx, 0xFF000000
			0xC6, 0x43, 0x01, 0x08, // mov byte [rbx+1], modem status interrupt
			0xF4, // hlt
		}
		cfg, _ := logged(kernel.KindNone, writeProgram(t, 0x100000, code))
		e, err := New(log.New(), cfg)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = e.Run(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.True(t, e.CPU().Halted())
	})

	t.Run("halt with a masked interrupt pending", func(t *testing.T) {
		code := []byte{
			0xFA, // cli
			0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
			0xF4, // hlt
		}
		cfg, _ := logged(kernel.KindNone, writeProgram(t, 0x100000, code))
		e, err := New(log.New(), cfg)
		require.NoError(t, err)
		require.True(t, e.CPU().ICU().RaiseExternal(0xC1))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := e.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, ReasonHalt, res.Reason)
		require.Equal(t, 5, res.ExitCode)
		require.Equal(t, uint64(3), res.Steps)
		require.Equal(t, 1, e.CPU().ICU().Len())
	})

	t.Run("cancelled", func(t *testing.T) {
		cfg, _ := logged(kernel.KindNone, writeProgram(t, 0x100000, []byte{0xEB, 0xFE}))
		e, err := New(log.New(), cfg)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = e.Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunCustomKernel(t *testing.T) {
	image := writeProgram(t, 0x200000, []byte{
		0x48, 0x89, 0xF8, // mov rax, rdi
		0x48, 0xC1, 0xE8, 0x10, // shr rax, 16
		0xF4, // hlt
	})
	cfg, _ := logged(kernel.KindCustom, writeProgram(t, 0x400000, []byte{0xF4}))
	cfg.KernelImage = image
	res := run(t, cfg)
	require.Equal(t, ReasonHalt, res.Reason)
	require.Equal(t, 0x40, res.ExitCode, "the kernel gets the program entry in rdi")
}

func TestConfigCheck(t *testing.T) {
	valid := func() Config {
		cfg, _ := logged(kernel.KindEmulate, "prog")
		return cfg
	}
	cfg := valid()
	require.NoError(t, cfg.Check())

	for _, tc := range []struct {
		name   string
		edit   func(*Config)
		errMsg string
	}{
		{"too little ram", func(c *Config) { c.RAM = MiB }, "out of range"},
		{"ram over the devices", func(c *Config) { c.RAM = MaxRAM + MiB }, "out of range"},
		{"unaligned ram", func(c *Config) { c.RAM = 16*MiB + 1 }, "page size"},
		{"no program", func(c *Config) { c.Program = "" }, "no program"},
		{"custom without image", func(c *Config) { c.Kernel = kernel.KindCustom }, "needs a kernel image"},
		{"image without custom", func(c *Config) { c.KernelImage = "k" }, "only used by"},
		{"unknown kernel", func(c *Config) { c.Kernel = "linux" }, "unknown kernel"},
		{"no serial log", func(c *Config) { c.SerialLog = nil }, "serial output"},
		{"no terminal", func(c *Config) { c.NoSerial = false }, "stdin and stdout"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.edit(&cfg)
			require.ErrorContains(t, cfg.Check(), tc.errMsg)
		})
	}
}

func TestNewErrors(t *testing.T) {
	cfg, _ := logged(kernel.KindEmulate, filepath.Join(t.TempDir(), "missing"))
	_, err := New(log.New(), cfg)
	require.ErrorContains(t, err, "open program")

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not an elf"), 0o644))
	cfg.Program = bad
	_, err = New(log.New(), cfg)
	require.ErrorContains(t, err, "parse")
}

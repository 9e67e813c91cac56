package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/cpue-emu/cpue/x86go/cpu"
	"github.com/cpue-emu/cpue/x86go/emulator"
	"github.com/cpue-emu/cpue/x86go/kernel"
	"github.com/cpue-emu/cpue/x86go/testutil"
)

func parse(t *testing.T, args ...string) (emulator.Config, error) {
	t.Helper()
	var cfg emulator.Config
	var parseErr error
	app := &cli.App{
		Name:      "cpue",
		Flags:     Flags,
		ArgsUsage: "<binary>",
		Action: func(ctx *cli.Context) error {
			cfg, parseErr = ParseConfig(ctx, log.New())
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"cpue"}, args...)))
	return cfg, parseErr
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parse(t, "prog")
		require.NoError(t, err)
		require.Equal(t, uint64(16*emulator.MiB), cfg.RAM)
		require.Equal(t, kernel.KindEmulate, cfg.Kernel)
		require.Equal(t, "prog", cfg.Program)
		require.Empty(t, cfg.Args)
		require.False(t, cfg.NoSerial)
		require.Equal(t, os.Stdin, cfg.Stdin)
		require.Zero(t, cfg.MaxSteps)
	})

	t.Run("all flags", func(t *testing.T) {
		cfg, err := parse(t, "-r", "64", "--kernel", "custom", "--kernel-img", "kern.elf", "--no-serial",
			"--max-steps", "1000", "--info-every", "10", "prog", "a", "b")
		require.NoError(t, err)
		require.Equal(t, uint64(64*emulator.MiB), cfg.RAM)
		require.Equal(t, kernel.KindCustom, cfg.Kernel)
		require.Equal(t, "kern.elf", cfg.KernelImage)
		require.True(t, cfg.NoSerial)
		require.IsType(t, &LoggingWriter{}, cfg.SerialLog)
		require.Equal(t, uint64(1000), cfg.MaxSteps)
		require.Equal(t, uint64(10), cfg.InfoEvery)
		require.Equal(t, []string{"a", "b"}, cfg.Args)
	})

	t.Run("environment", func(t *testing.T) {
		cfg, err := parse(t, "--env", "A=1", "--env", "B=2", "prog")
		require.NoError(t, err)
		require.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	})

	for _, tc := range []struct {
		name   string
		args   []string
		errMsg string
	}{
		{"no program", nil, "missing program"},
		{"zero ram", []string{"--ram", "0", "prog"}, "invalid --ram"},
		{"ram over the devices", []string{"--ram", "8192", "prog"}, "invalid --ram"},
		{"unknown kernel", []string{"--kernel", "linux", "prog"}, "unknown kernel"},
		{"custom without image", []string{"--kernel", "custom", "prog"}, "needs a kernel image"},
		{"bad environment", []string{"--env", "A", "prog"}, "expected KEY=VALUE"},
		{"environment without emulation", []string{"--kernel", "none", "--env", "A=1", "prog"}, "needs the emulate kernel"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestExitStatus(t *testing.T) {
	require.NoError(t, exitStatus(&emulator.Result{Reason: emulator.ReasonExit}))

	for _, tc := range []struct {
		res  emulator.Result
		code int
	}{
		{emulator.Result{Reason: emulator.ReasonExit, ExitCode: 3}, 3},
		{emulator.Result{Reason: emulator.ReasonHalt, ExitCode: 42}, 42},
		{emulator.Result{Reason: emulator.ReasonKilled, ExitCode: 139, Signal: 11}, 139},
		{emulator.Result{Reason: emulator.ReasonStepLimit}, 1},
	} {
		err := exitStatus(&tc.res)
		var coder cli.ExitCoder
		require.ErrorAs(t, err, &coder)
		require.Equal(t, tc.code, coder.ExitCode(), "%s", tc.res.Reason)
	}
}

func TestLoggingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &LoggingWriter{Name: "serial", Log: Logger(&buf, log.LevelInfo)}

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Contains(t, buf.String(), `text="hello\n"`)

	buf.Reset()
	_, err = w.Write([]byte{0x1B, 0x00})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "data=0x1b00")
}

func TestHex(t *testing.T) {
	require.Equal(t, "0000000000401000", HexU64(0x401000).String())
	require.Equal(t, "00000202", HexU32(0x202).String())
	text, err := HexU64(0xFF).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "00000000000000ff", string(text))
}

func TestRunSnapshot(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "program")
	// mov eax, 0x2A00; hlt
	code := []byte{0xB8, 0x00, 0x2A, 0x00, 0x00, 0xF4}
	require.NoError(t, os.WriteFile(program, testutil.Executable(0x100000, code), 0o644))
	path := filepath.Join(dir, "snapshot.json")

	app := &cli.App{Name: "cpue", Flags: Flags, Action: Run}
	require.NoError(t, app.Run([]string{"cpue", "--kernel", "none", "--no-serial", "--snapshot", path, program}))

	s, err := jsonutil.LoadJSON[cpu.Snapshot](path)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2A00), uint64(s.GPR[0]))
	require.Equal(t, uint64(0x100006), uint64(s.RIP))
	require.Equal(t, "halted", s.State)
	require.Equal(t, uint64(2), s.Steps)
	require.NotZero(t, s.MemoryDigest)
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/cpue-emu/cpue/x86go/emulator"
	"github.com/cpue-emu/cpue/x86go/kernel"
)

var (
	RAMFlag = &cli.Uint64Flag{
		Name:    "ram",
		Aliases: []string{"r"},
		Usage:   "Physical memory of the machine in MiB",
		Value:   16,
	}
	KernelFlag = &cli.StringFlag{
		Name:  "kernel",
		Usage: "Kernel to run the program under: none, emulate or custom",
		Value: string(kernel.KindEmulate),
	}
	KernelImageFlag = &cli.PathFlag{
		Name:      "kernel-img",
		Usage:     "Supervisor ELF image used by the custom kernel",
		TakesFile: true,
	}
	EnvFlag = &cli.StringSliceFlag{
		Name:  "env",
		Usage: "Environment variable KEY=VALUE passed to an emulated process, may be repeated",
	}
	NoSerialFlag = &cli.BoolFlag{
		Name:  "no-serial",
		Usage: "Log serial output instead of attaching the terminal to the UART",
	}
	VerboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Trace every instruction and event",
	}
	MaxStepsFlag = &cli.Uint64Flag{
		Name:  "max-steps",
		Usage: "Stop after this many instructions, 0 for no limit",
	}
	InfoEveryFlag = &cli.Uint64Flag{
		Name:  "info-every",
		Usage: "Log progress every this many instructions, 0 to disable",
	}
	SnapshotFlag = &cli.PathFlag{
		Name:      "snapshot",
		Usage:     "Write the processor state as JSON to this path when the emulator stops",
		TakesFile: true,
	}
	PProfCPUFlag = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "Enable pprof cpu profiling",
	}
)

var Flags = []cli.Flag{
	RAMFlag,
	KernelFlag,
	KernelImageFlag,
	EnvFlag,
	NoSerialFlag,
	VerboseFlag,
	MaxStepsFlag,
	InfoEveryFlag,
	SnapshotFlag,
	PProfCPUFlag,
}

// ParseConfig turns the command line into an emulator configuration. The first argument is the
// program, the rest are its arguments. Serial output logged with --no-serial goes to l.
func ParseConfig(ctx *cli.Context, l log.Logger) (emulator.Config, error) {
	var cfg emulator.Config
	if ctx.NArg() == 0 {
		return cfg, errors.New("missing program to run")
	}
	args := ctx.Args().Slice()
	cfg.Program = args[0]
	cfg.Args = args[1:]

	ram := ctx.Uint64(RAMFlag.Name)
	if ram == 0 || ram > emulator.MaxRAM/emulator.MiB {
		return cfg, fmt.Errorf("invalid --%s %d", RAMFlag.Name, ram)
	}
	cfg.RAM = ram * emulator.MiB

	k, err := kernel.ParseKind(ctx.String(KernelFlag.Name))
	if err != nil {
		return cfg, err
	}
	cfg.Kernel = k
	cfg.KernelImage = ctx.Path(KernelImageFlag.Name)

	for _, kv := range ctx.StringSlice(EnvFlag.Name) {
		if !strings.Contains(kv, "=") {
			return cfg, fmt.Errorf("invalid --%s %q, expected KEY=VALUE", EnvFlag.Name, kv)
		}
	}
	cfg.Env = ctx.StringSlice(EnvFlag.Name)
	if len(cfg.Env) > 0 && k != kernel.KindEmulate {
		return cfg, fmt.Errorf("--%s needs the %s kernel", EnvFlag.Name, kernel.KindEmulate)
	}

	if ctx.Bool(NoSerialFlag.Name) {
		cfg.NoSerial = true
		cfg.SerialLog = &LoggingWriter{Name: "serial", Log: l}
	} else {
		cfg.Stdin = os.Stdin
		cfg.Stdout = os.Stdout
	}
	cfg.MaxSteps = ctx.Uint64(MaxStepsFlag.Name)
	cfg.InfoEvery = ctx.Uint64(InfoEveryFlag.Name)
	return cfg, cfg.Check()
}

package cmd

import (
	"fmt"
	"os"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/emulator"
)

var OutFilePerm = os.FileMode(0o644)

// exitStatus maps the result to the exit status of the tool.
func exitStatus(res *emulator.Result) error {
	switch {
	case res.Reason == emulator.ReasonStepLimit:
		return cli.Exit("step limit reached", 1)
	case res.ExitCode == 0:
		return nil
	case res.Reason == emulator.ReasonKilled:
		return cli.Exit(fmt.Sprintf("program killed by signal %d", res.Signal), res.ExitCode)
	default:
		return cli.Exit("", res.ExitCode)
	}
}

func Run(ctx *cli.Context) error {
	if ctx.Bool(PProfCPUFlag.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}
	lvl := log.LevelInfo
	if ctx.Bool(VerboseFlag.Name) {
		lvl = log.LevelTrace
	}
	l := Logger(os.Stderr, lvl)

	cfg, err := ParseConfig(ctx, l)
	if err != nil {
		return err
	}
	e, err := emulator.New(l, cfg)
	if err != nil {
		return err
	}
	res, runErr := e.Run(ctx.Context)

	c := e.CPU()
	if path := ctx.Path(SnapshotFlag.Name); path != "" {
		if err := jsonutil.WriteJSON(path, c.Snapshot(), OutFilePerm); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	l.Info("stopped",
		"reason", res.Reason,
		"code", res.ExitCode,
		"rip", HexU64(c.RIP()),
		"rax", HexU64(c.Register(x86asm.RAX)),
		"rflags", HexU32(c.RFLAGS()),
		"name", e.Image().Symbols.Describe(c.RIP()),
	)
	return exitStatus(res)
}

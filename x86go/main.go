package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/cpue-emu/cpue/x86go/cmd"
)

func main() {
	app := cli.NewApp()
	app.Name = "cpue"
	app.Usage = "x86-64 emulator"
	app.Description = "Runs a static x86-64 ELF executable on an emulated processor, with or without a kernel"
	app.ArgsUsage = "<binary> [args...]"
	app.Flags = cmd.Flags
	app.Action = cmd.Run
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Fprintln(os.Stderr, "\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted\n")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
)

// cmdRun supervises one tool in the foreground. The full relay comes up
// around it: channels, router, sweeper, and the local control API, so
// `status` and `autopilot pause` work from another terminal during the run.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	label := fs.String("label", "", "session label for policy matching")
	mode := fs.String("autopilot", "", "override the autopilot mode for this run")
	raw := fs.Bool("raw", true, "put the controlling terminal into raw mode")
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atlasbridge run [flags] <tool> [args...]")
		return constants.ExitError
	}
	tool, extra := rest[0], rest[1:]

	cfg, log, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	if *mode != "" {
		cfg.Autopilot.Mode = *mode
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemonDone := make(chan error, 1)
	go func() { daemonDone <- d.Run(ctx) }()

	code, runErr := d.RunSession(ctx, tool, *label, extra, *raw)
	d.Stop()
	<-daemonDone

	if runErr != nil {
		if ctx.Err() != nil {
			return constants.ExitInterrupted
		}
		return fail(runErr)
	}
	return code
}

// cmdStart runs the relay daemon until it is stopped or signalled.
func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	d, err := daemon.New(cfg, log)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return constants.ExitSuccess
}
